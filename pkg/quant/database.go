package quant

import "fmt"

// Database is a static, row-major table of equal-width code vectors.
// Row IDs are the implicit positions 0..Len()-1.
type Database struct {
	dim    int
	params Params
	codes  []uint8
}

// NewDatabase copies rows into a flat table. Every row must have width dim.
func NewDatabase(dim int, params Params, rows ...[]uint8) (*Database, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrRowWidth, dim)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyDatabase
	}
	codes := make([]uint8, 0, dim*len(rows))
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("%w: row %d has %d codes, want %d", ErrRowWidth, i, len(row), dim)
		}
		codes = append(codes, row...)
	}
	return &Database{dim: dim, params: params, codes: codes}, nil
}

// FromFlat wraps an existing row-major table without copying.
func FromFlat(dim int, params Params, codes []uint8) (*Database, error) {
	if dim <= 0 || len(codes)%dim != 0 {
		return nil, fmt.Errorf("%w: %d codes do not divide into rows of %d", ErrRowWidth, len(codes), dim)
	}
	if len(codes) == 0 {
		return nil, ErrEmptyDatabase
	}
	return &Database{dim: dim, params: params, codes: codes}, nil
}

// Len returns the number of rows.
func (db *Database) Len() int { return len(db.codes) / db.dim }

// Dim returns the row width.
func (db *Database) Dim() int { return db.dim }

// Params returns the quantization parameters the rows were encoded with.
func (db *Database) Params() Params { return db.params }

// Row returns row i. The slice aliases the table.
func (db *Database) Row(i int) []uint8 {
	return db.codes[i*db.dim : (i+1)*db.dim]
}

// Flat returns the row-major table. The slice aliases the table.
func (db *Database) Flat() []uint8 { return db.codes }

// Rows returns every row as a slice. The slices alias the table.
func (db *Database) Rows() [][]uint8 {
	rows := make([][]uint8, db.Len())
	for i := range rows {
		rows[i] = db.Row(i)
	}
	return rows
}
