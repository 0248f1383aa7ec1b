package cpu

import (
	"sync"
	"unsafe"

	"github.com/orneryd/cortex/pkg/gpu"
)

// ThreadFunc is the body of a kernel, invoked once per thread.
type ThreadFunc func(t *Thread)

// Thread identifies one invocation within a dispatch.
type Thread struct {
	// Position is the thread position in the grid
	Position gpu.Size
	// Local is the position within the thread group
	Local gpu.Size
	// Group is the thread group position
	Group gpu.Size
	// GroupSize is the number of threads per group on each axis
	GroupSize gpu.Size
	// Index is Local flattened (x fastest)
	Index int

	state *groupState
}

// Barrier blocks until every thread of the group has reached it.
// It is only meaningful in cooperative kernels.
func (t *Thread) Barrier() {
	t.state.barrier.wait()
}

// Shared returns group memory of n bytes, allocated by the first caller.
// Every thread of a group must request the same size.
func (t *Thread) Shared(n int) []byte {
	s := t.state
	s.once.Do(func() {
		words := make([]uint64, (n+7)/8)
		if n > 0 {
			s.mem = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
		}
	})
	return s.mem
}

type groupState struct {
	barrier *barrier
	once    sync.Once
	mem     []byte
}

// barrier is a reusable rendezvous for n goroutines. A broken barrier never
// blocks, so the remaining threads of a group that lost a thread to a panic
// can drain.
type barrier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	n      int
	count  int
	gen    int
	broken bool
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken || b.n <= 1 {
		return
	}
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen && !b.broken {
		b.cond.Wait()
	}
}

func (b *barrier) breakAll() {
	b.mu.Lock()
	b.broken = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// runGroup executes every thread of one thread group.
func runGroup(pipe *pipeline, fn ThreadFunc, group, size gpu.Size) (err error) {
	total := size.Volume()
	threadAt := func(i int) *Thread {
		lx := i % size.X
		ly := (i / size.X) % size.Y
		lz := i / (size.X * size.Y)
		return &Thread{
			Position: gpu.Size{
				X: group.X*size.X + lx,
				Y: group.Y*size.Y + ly,
				Z: group.Z*size.Z + lz,
			},
			Local:     gpu.Size{X: lx, Y: ly, Z: lz},
			Group:     group,
			GroupSize: size,
			Index:     i,
		}
	}

	if !pipe.kernel.Cooperative {
		defer func() {
			if rec := recover(); rec != nil {
				err = kernelPanic(pipe.name, rec)
			}
		}()
		state := &groupState{barrier: newBarrier(1)}
		for i := 0; i < total; i++ {
			t := threadAt(i)
			t.state = state
			fn(t)
		}
		return nil
	}

	state := &groupState{barrier: newBarrier(total)}
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
	)
	wg.Add(total)
	for i := 0; i < total; i++ {
		t := threadAt(i)
		t.state = state
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					state.barrier.breakAll()
					errMu.Lock()
					if err == nil {
						err = kernelPanic(pipe.name, rec)
					}
					errMu.Unlock()
				}
			}()
			fn(t)
		}()
	}
	wg.Wait()
	return err
}
