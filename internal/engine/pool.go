package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Go after Close.
var ErrPoolClosed = errors.New("execution pool is closed")

// PoolMetrics is a snapshot of the execution pool counters.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// executionPool runs background executions with at most size in flight.
type executionPool struct {
	slots  chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	running sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

func newExecutionPool(size int, logger *slog.Logger) *executionPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &executionPool{
		slots:   make(chan struct{}, size),
		closing: make(chan struct{}),
		logger:  logger,
	}
}

// Go waits for a free slot, then runs fn for executionID on its own
// goroutine. A panic in fn is logged and counted; the slot is released
// either way.
func (p *executionPool) Go(ctx context.Context, executionID string, fn func()) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolClosed
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.running.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go func() {
		defer p.release()
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.logger.Error("execution panicked",
					slog.String("execution_id", executionID),
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		fn()
		p.completed.Add(1)
	}()
	return nil
}

func (p *executionPool) release() {
	p.active.Add(-1)
	<-p.slots
	p.running.Done()
}

// Close refuses new work and waits for running executions to return.
func (p *executionPool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closing)
	}
	p.mu.Unlock()
	p.running.Wait()
}

func (p *executionPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      cap(p.slots),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
