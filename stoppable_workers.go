package utils

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrStoppableWorkersAlreadyStopped is returned when adding a worker to a group
// that has been stopped.
var ErrStoppableWorkersAlreadyStopped = errors.New("cannot add worker: already stopped")

// StoppableWorkers is a collection of goroutines that share one cancellation and
// can be stopped and waited on together.
type StoppableWorkers struct {
	mu         sync.RWMutex
	ctx        context.Context
	cancelFunc func()
	stopped    bool

	workers sync.WaitGroup
}

// NewStoppableWorkers creates a new StoppableWorkers instance whose context is
// derived from the given one.
func NewStoppableWorkers(ctx context.Context) *StoppableWorkers {
	ctx, cancelFunc := context.WithCancel(ctx)
	return &StoppableWorkers{ctx: ctx, cancelFunc: cancelFunc}
}

// Add starts a goroutine for the given worker. Workers must return once their
// context is done and must not add workers to their own group. Panics are
// recovered and logged.
func (sw *StoppableWorkers) Add(worker func(context.Context)) error {
	// Stop write-locks; concurrent adds only need the read side.
	sw.mu.RLock()
	if sw.stopped || sw.ctx.Err() != nil {
		sw.mu.RUnlock()
		return ErrStoppableWorkersAlreadyStopped
	}
	sw.workers.Add(1)
	sw.mu.RUnlock()

	PanicCapturingGo(func() {
		defer sw.workers.Done()
		worker(sw.ctx)
	})
	return nil
}

// Context returns the context shared by all workers.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.ctx
}

// Stop idempotently cancels every worker and waits for them to return.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.stopped {
		return
	}
	sw.stopped = true

	sw.cancelFunc()
	sw.workers.Wait()
}
