package accel

import (
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/cortex/pkg/gpu"
	"github.com/orneryd/cortex/pkg/quant"
)

const stageSearch = "search"

// ResidentDatabase is a static code table uploaded to the device once and
// searched many times. Rebuild it to change its rows.
type ResidentDatabase struct {
	buf    gpu.Buffer
	rows   int
	dim    int
	params quant.Params
}

// Len returns the number of rows.
func (r *ResidentDatabase) Len() int { return r.rows }

// Dim returns the row width.
func (r *ResidentDatabase) Dim() int { return r.dim }

// Params returns the parameters the rows were quantized with.
func (r *ResidentDatabase) Params() quant.Params { return r.params }

// Release frees the device copy.
func (r *ResidentDatabase) Release() {
	if r != nil && r.buf != nil {
		r.buf.Release()
		r.buf = nil
	}
}

// Search returns the k database rows with the highest inner product against
// query, ordered by score descending with ties broken by lower index.
//
// k larger than the database is clamped to its size. Scores are the raw
// inner products of the uint8 codes.
func (a *Accelerator) Search(query []uint8, database [][]uint8, k int) ([]uint32, []float32, error) {
	if err := a.ready(stageSearch); err != nil {
		return nil, nil, err
	}
	if len(database) == 0 {
		return nil, nil, a.fail("SEARCH", newError(KindSearch, stageSearch, ErrEmptyDatabase))
	}
	if len(query) == 0 {
		return nil, nil, a.fail("SEARCH", newError(KindSearch, stageSearch,
			fmt.Errorf("%w: empty query", ErrDimensionMismatch)))
	}
	db, err := quant.NewDatabase(len(query), a.params, database...)
	if err != nil {
		return nil, nil, a.fail("SEARCH", newError(KindSearch, stageSearch, searchCause(err)))
	}

	rdb, err := a.Resident(db)
	if err != nil {
		return nil, nil, err
	}
	defer rdb.Release()
	return a.SearchResident(query, rdb, k)
}

// Resident uploads db for repeated searches.
func (a *Accelerator) Resident(db *quant.Database) (*ResidentDatabase, error) {
	if err := a.ready(stageSearch); err != nil {
		return nil, err
	}
	if db == nil || db.Len() == 0 {
		return nil, a.fail("SEARCH", newError(KindSearch, "upload", ErrEmptyDatabase))
	}
	buf, err := gpu.Upload(a.dev, db.Flat(), gpu.StorageShared)
	if err != nil {
		return nil, a.fail("SEARCH", newError(KindSearch, "upload", err))
	}
	a.bytesAllocated.Add(int64(len(db.Flat())))
	return &ResidentDatabase{buf: buf, rows: db.Len(), dim: db.Dim(), params: db.Params()}, nil
}

// SearchResident searches a database uploaded with Resident.
func (a *Accelerator) SearchResident(query []uint8, rdb *ResidentDatabase, k int) ([]uint32, []float32, error) {
	if err := a.ready(stageSearch); err != nil {
		return nil, nil, err
	}
	switch {
	case rdb == nil || rdb.buf == nil || rdb.rows == 0:
		return nil, nil, a.fail("SEARCH", newError(KindSearch, stageSearch, ErrEmptyDatabase))
	case len(query) != rdb.dim:
		return nil, nil, a.fail("SEARCH", newError(KindSearch, stageSearch,
			fmt.Errorf("%w: query has %d codes, rows have %d", ErrDimensionMismatch, len(query), rdb.dim)))
	case k <= 0:
		return nil, nil, a.fail("SEARCH", newError(KindSearch, stageSearch, fmt.Errorf("%w: k=%d", ErrInvalidK, k)))
	}
	n := rdb.rows
	k = min(k, n)
	a.metrics.observeSearch(n)

	al := &allocator{a: a}
	defer al.release()

	q, err := al.upload(query)
	if err != nil {
		return nil, nil, a.fail("SEARCH", newError(KindSearch, KernelSearch, err))
	}
	scores, err := al.alloc(n * 4)
	if err != nil {
		return nil, nil, a.fail("SEARCH", newError(KindSearch, KernelSearch, err))
	}
	indices, err := al.alloc(k * 4)
	if err != nil {
		return nil, nil, a.fail("SEARCH", newError(KindSearch, KernelTopK, err))
	}
	top, err := al.alloc(k * 4)
	if err != nil {
		return nil, nil, a.fail("SEARCH", newError(KindSearch, KernelTopK, err))
	}

	cb := gpu.NewCommandBuffer(stageSearch)

	score := a.pipelines[KernelSearch]
	enc := cb.Encoder(score)
	enc.SetBuffer(0, q, 0)
	enc.SetBuffer(1, rdb.buf, 0)
	enc.SetBuffer(2, scores, 0)
	enc.SetUint32(3, uint32(n))
	enc.SetUint32(4, uint32(rdb.dim))
	enc.Dispatch(linearSize(score, n))

	reduce := a.pipelines[KernelTopK]
	enc = cb.Encoder(reduce)
	enc.SetBuffer(0, scores, 0)
	enc.SetBuffer(1, indices, 0)
	enc.SetBuffer(2, top, 0)
	enc.SetUint32(3, uint32(n))
	enc.SetUint32(4, uint32(k))
	enc.Dispatch(topKSize(reduce, n))

	start := time.Now()
	if err := a.dev.Submit(cb); err != nil {
		return nil, nil, a.fail("SEARCH", newError(KindSearch, failedStage(err), err))
	}
	a.metrics.observeStage(stageSearch, start, 2)
	a.searches.Add(1)
	return gpu.ReadUint32s(indices), gpu.ReadFloat32s(top), nil
}

func searchCause(err error) error {
	switch {
	case errors.Is(err, quant.ErrRowWidth):
		return fmt.Errorf("%w: %w", ErrDimensionMismatch, err)
	case errors.Is(err, quant.ErrEmptyDatabase):
		return ErrEmptyDatabase
	}
	return err
}

// failedStage names the pipeline a submission error points at.
func failedStage(err error) string {
	var de *gpu.DispatchError
	if errors.As(err, &de) && de.Pipeline != "" {
		return de.Pipeline
	}
	return stageSearch
}
