// Package jobs is the background job abstraction: at-least-once delivery to idempotent
// handlers, with cancellation left to the handler polling shared state.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is one unit of background work. Key identifies the entity the job operates on,
// e.g. a campaign id.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Key        string    `json:"key"`
	Attempt    int       `json:"attempt,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// New creates a job of kind for key.
func New(kind, key string) Job {
	return Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Key:        key,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Handler processes a job. A job may be delivered more than once, so handlers must be
// idempotent. Returning an error schedules a redelivery.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs for background processing.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Mux routes jobs to handlers by kind.
type Mux struct {
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers h for kind.
func (m *Mux) Handle(kind string, h Handler) {
	m.handlers[kind] = h
}

// Kinds lists the registered kinds.
func (m *Mux) Kinds() []string {
	kinds := make([]string, 0, len(m.handlers))
	for k := range m.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Serve dispatches job to its handler. Unknown kinds are an error.
func (m *Mux) Serve(ctx context.Context, job Job) error {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return &UnknownKindError{Kind: job.Kind}
	}
	return h(ctx, job)
}

// UnknownKindError reports a job no handler is registered for. Such jobs are dropped
// rather than redelivered.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return "no handler for job kind " + e.Kind
}
