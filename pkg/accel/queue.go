package accel

import (
	"context"
	"sync"

	"github.com/orneryd/cortex/pkg/quant"
)

// Queue serializes requests to one Accelerator through a single worker
// goroutine, so any number of callers can share it.
//
// A caller whose context ends stops waiting and gets the context error; the
// request still runs to completion on the worker, since a command buffer
// cannot be cancelled once submitted.
type Queue struct {
	acc  *Accelerator
	reqs chan func(*Accelerator)
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewQueue starts the worker for acc.
func NewQueue(acc *Accelerator) *Queue {
	q := &Queue{
		acc:  acc,
		reqs: make(chan func(*Accelerator)),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case fn := <-q.reqs:
			fn(q.acc)
		case <-q.quit:
			return
		}
	}
}

// Close stops the worker after the request in flight, if any. It does not
// close the accelerator.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.quit) })
	<-q.done
	return nil
}

type result[T any] struct {
	val T
	err error
}

func call[T any](ctx context.Context, q *Queue, fn func(*Accelerator) (T, error)) (T, error) {
	var zero T
	res := make(chan result[T], 1)
	req := func(acc *Accelerator) {
		v, err := fn(acc)
		res <- result[T]{val: v, err: err}
	}

	select {
	case q.reqs <- req:
	case <-q.quit:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-res:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// ProcessSequence runs Accelerator.ProcessSequence on the worker.
func (q *Queue) ProcessSequence(ctx context.Context, tokens []float32) ([]float32, error) {
	return call(ctx, q, func(acc *Accelerator) ([]float32, error) {
		return acc.ProcessSequence(tokens)
	})
}

// Quantize runs Accelerator.Quantize on the worker.
func (q *Queue) Quantize(ctx context.Context, embeddings []float32) ([]uint8, error) {
	return call(ctx, q, func(acc *Accelerator) ([]uint8, error) {
		return acc.Quantize(embeddings)
	})
}

// QuantizeWith runs Accelerator.QuantizeWith on the worker.
func (q *Queue) QuantizeWith(ctx context.Context, embeddings []float32, params quant.Params) ([]uint8, error) {
	return call(ctx, q, func(acc *Accelerator) ([]uint8, error) {
		return acc.QuantizeWith(embeddings, params)
	})
}

// SearchResult is the top-K output of a search.
type SearchResult struct {
	Indices []uint32  `json:"indices"`
	Scores  []float32 `json:"scores"`
}

// Search runs Accelerator.Search on the worker.
func (q *Queue) Search(ctx context.Context, query []uint8, database [][]uint8, k int) (SearchResult, error) {
	return call(ctx, q, func(acc *Accelerator) (SearchResult, error) {
		ids, scores, err := acc.Search(query, database, k)
		return SearchResult{Indices: ids, Scores: scores}, err
	})
}

// SearchResident runs Accelerator.SearchResident on the worker.
func (q *Queue) SearchResident(ctx context.Context, query []uint8, rdb *ResidentDatabase, k int) (SearchResult, error) {
	return call(ctx, q, func(acc *Accelerator) (SearchResult, error) {
		ids, scores, err := acc.SearchResident(query, rdb, k)
		return SearchResult{Indices: ids, Scores: scores}, err
	})
}
