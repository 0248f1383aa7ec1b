// Package store persists quantized databases as named snapshots in BadgerDB.
//
// A snapshot is written whole and replaced whole: SaveDatabase drops every
// row of the previous snapshot with the same name before writing the new one.
// Rows are never inserted or deleted individually.
//
// Key layout:
//
//	meta:<name>              JSON Meta
//	rows:<name>:<row uint32> codes of one row (row index big-endian)
//
// Example:
//
//	st, err := store.Open(store.Options{DataDir: "./data"})
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//
//	meta, err := st.SaveDatabase("docs", db)
//	db, meta, err = st.LoadDatabase("docs")
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/orneryd/cortex/pkg/quant"
)

var (
	ErrNotFound    = errors.New("store: database not found")
	ErrInvalidName = errors.New("store: invalid database name")
	ErrCorrupt     = errors.New("store: snapshot is corrupt")
	ErrClosed      = errors.New("store: closed")
)

const (
	metaPrefix = "meta:"
	rowsPrefix = "rows:"
)

// Options configure the store.
type Options struct {
	// DataDir is the badger directory; ignored when InMemory is set
	DataDir string
	// InMemory keeps everything in RAM
	InMemory bool
	// SyncWrites fsyncs every write
	SyncWrites bool
	// Logger receives store logs (nil = log.Default())
	Logger *log.Logger
}

// Meta describes a stored snapshot.
type Meta struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Dim       int          `json:"dim"`
	Rows      int          `json:"rows"`
	Params    quant.Params `json:"params"`
	CreatedAt time.Time    `json:"created_at"`
}

// Store is a badger-backed snapshot store. Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *log.Logger
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		bopts = bopts.WithSyncWrites(true)
	}
	// Badger's own logging is noisy.
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, ":/\\") || len(name) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func metaKey(name string) []byte { return []byte(metaPrefix + name) }

func rowPrefix(name string) []byte { return []byte(rowsPrefix + name + ":") }

func rowKey(name string, row int) []byte {
	prefix := rowPrefix(name)
	key := make([]byte, len(prefix)+4)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], uint32(row))
	return key
}

// SaveDatabase replaces the snapshot called name with db.
func (s *Store) SaveDatabase(name string, db *quant.Database) (*Meta, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	if db == nil || db.Len() == 0 {
		return nil, quant.ErrEmptyDatabase
	}

	if err := s.drop(name); err != nil {
		return nil, fmt.Errorf("drop previous snapshot %q: %w", name, err)
	}

	meta := &Meta{
		ID:        uuid.NewString(),
		Name:      name,
		Dim:       db.Dim(),
		Rows:      db.Len(),
		Params:    db.Params(),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := 0; i < db.Len(); i++ {
		row := append([]byte(nil), db.Row(i)...)
		if err := wb.Set(rowKey(name, i), row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i, err)
		}
	}
	// Meta last: a snapshot without meta is invisible.
	if err := wb.Set(metaKey(name), data); err != nil {
		return nil, fmt.Errorf("write meta: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return nil, fmt.Errorf("flush snapshot %q: %w", name, err)
	}

	s.logger.Printf("[STORE] ✅ Saved %q: %d rows x %d codes", name, meta.Rows, meta.Dim)
	return meta, nil
}

// Meta returns the metadata of a snapshot.
func (s *Store) Meta(name string) (*Meta, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	var meta Meta
	err := s.db.View(func(txn *badger.Txn) error {
		return readMeta(txn, name, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func readMeta(txn *badger.Txn, name string, meta *Meta) error {
	item, err := txn.Get(metaKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, meta); err != nil {
			return fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
		}
		return nil
	})
}

// LoadDatabase reads the snapshot called name.
func (s *Store) LoadDatabase(name string) (*quant.Database, *Meta, error) {
	if err := validateName(name); err != nil {
		return nil, nil, err
	}
	if s.db.IsClosed() {
		return nil, nil, ErrClosed
	}

	var (
		meta  Meta
		codes []uint8
	)
	err := s.db.View(func(txn *badger.Txn) error {
		if err := readMeta(txn, name, &meta); err != nil {
			return err
		}
		codes = make([]uint8, 0, meta.Rows*meta.Dim)

		prefix := rowPrefix(name)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		next := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			row := int(binary.BigEndian.Uint32(item.Key()[len(prefix):]))
			if row != next {
				return fmt.Errorf("%w: %q missing row %d", ErrCorrupt, name, next)
			}
			err := item.Value(func(val []byte) error {
				if len(val) != meta.Dim {
					return fmt.Errorf("%w: %q row %d has %d codes, want %d", ErrCorrupt, name, row, len(val), meta.Dim)
				}
				codes = append(codes, val...)
				return nil
			})
			if err != nil {
				return err
			}
			next++
		}
		if next != meta.Rows {
			return fmt.Errorf("%w: %q has %d rows, meta says %d", ErrCorrupt, name, next, meta.Rows)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	db, err := quant.FromFlat(meta.Dim, meta.Params, codes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return db, &meta, nil
}

// ListDatabases returns every snapshot, ordered by name.
func (s *Store) ListDatabases() ([]Meta, error) {
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	var metas []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(metaPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta Meta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorrupt, it.Item().Key(), err)
			}
			metas = append(metas, meta)
		}
		return nil
	})
	return metas, err
}

// DeleteDatabase removes a snapshot. Deleting a missing snapshot is not an error.
func (s *Store) DeleteDatabase(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return ErrClosed
	}
	if err := s.drop(name); err != nil {
		return fmt.Errorf("delete snapshot %q: %w", name, err)
	}
	s.logger.Printf("[STORE] Deleted %q", name)
	return nil
}

// drop hides the snapshot by deleting its meta key, then drops its rows.
func (s *Store) drop(name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(name))
	})
	if err != nil {
		return err
	}
	return s.db.DropPrefix(rowPrefix(name))
}
