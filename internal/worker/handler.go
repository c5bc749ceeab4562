package worker

import (
	"context"
	"encoding/json"
)

// Task is what a handler sees of the instance it executes.
type Task struct {
	InstanceID   string
	DefinitionID string
	Kind         string
	Payload      json.RawMessage
	// Region is the instance's origin region, also when it ran on a failover queue.
	Region       string
	AttemptCount int

	checkpoint func(ctx context.Context) error
}

// Checkpoint renews the lease and reports whether the handler should stop: it returns an
// error wrapping domain.ErrCancelled after a cancel request and domain.ErrLeaseLost when
// the lease was taken away. Long running handlers call it between units of work; the pool
// also checks in the background on every heartbeat.
func (t Task) Checkpoint(ctx context.Context) error {
	if t.checkpoint == nil {
		return nil
	}
	return t.checkpoint(ctx)
}

// Handler executes one kind of task. Handlers must be idempotent: an instance is delivered
// at least once, and again after a crash between execution and the status report.
//
// A nil error completes the instance. Errors wrapped with domain.Terminal dead-letter it
// immediately; any other error is retried with backoff while attempts remain.
type Handler interface {
	Handle(ctx context.Context, task Task) error
}

type HandlerFunc func(ctx context.Context, task Task) error

func (f HandlerFunc) Handle(ctx context.Context, task Task) error { return f(ctx, task) }
