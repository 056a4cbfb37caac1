package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Handler observes execution events. It runs on the publisher's goroutine.
type Handler func(ctx context.Context, evt schema.ExecutionEvent)

// Notifier fans execution events out to subscribers synchronously and in
// subscription order. Publish sees the subscriber set as of its start.
type Notifier struct {
	mu     sync.RWMutex
	subs   []*listener
	nextID uint64
	logger *slog.Logger
}

type listener struct {
	id uint64
	fn Handler
}

func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

// Subscribe registers fn and returns its unsubscribe func. Calling it twice is harmless.
func (n *Notifier) Subscribe(fn Handler) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, &listener{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}

// Publish invokes every current subscriber. A panicking subscriber is logged
// and skipped; the remaining subscribers still run.
func (n *Notifier) Publish(ctx context.Context, evt schema.ExecutionEvent) {
	n.mu.RLock()
	snapshot := n.subs
	n.mu.RUnlock()

	for _, s := range snapshot {
		n.deliver(ctx, s, evt)
	}
}

func (n *Notifier) deliver(ctx context.Context, s *listener, evt schema.ExecutionEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.ErrorContext(ctx, "event subscriber panicked",
				"event", evt.Type, "subscriber", s.id, "panic", fmt.Sprint(r))
		}
	}()
	s.fn(ctx, evt)
}

// Len reports the number of registered subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// LogHandler logs every event at debug level.
func LogHandler(logger *slog.Logger) Handler {
	return func(ctx context.Context, evt schema.ExecutionEvent) {
		attrs := []any{"event", evt.Type}
		if evt.Execution != nil {
			attrs = append(attrs,
				"execution_id", evt.Execution.ID,
				"workflow_id", evt.Execution.WorkflowID,
				"status", string(evt.Execution.Status),
				"progress", evt.Execution.Progress)
		}
		if evt.StepID != "" {
			attrs = append(attrs, "step_id", evt.StepID)
		}
		if evt.Error != "" {
			attrs = append(attrs, "error", evt.Error)
		}
		logger.DebugContext(ctx, "execution event", attrs...)
	}
}
