package queue

import (
	"context"
	"fmt"
	"sort"
)

type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// Mux dispatches jobs to handlers by job type.
type Mux struct {
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

func (m *Mux) Register(jobType string, h Handler) {
	if _, exists := m.handlers[jobType]; exists {
		panic(fmt.Sprintf("queue: handler for %q registered twice", jobType))
	}
	m.handlers[jobType] = h
}

func (m *Mux) RegisterFunc(jobType string, f func(ctx context.Context, job *Job) error) {
	m.Register(jobType, HandlerFunc(f))
}

// Types lists the registered job types in sorted order.
func (m *Mux) Types() []string {
	types := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Handle dispatches job. An unregistered type is a permanent failure so the
// job is dead-lettered rather than dropped.
func (m *Mux) Handle(ctx context.Context, job *Job) error {
	h, ok := m.handlers[job.Type]
	if !ok {
		return Permanent(fmt.Errorf("%w: %q on queue %s", ErrUnknownJobType, job.Type, job.Queue))
	}
	return h.Handle(ctx, job)
}

var _ Handler = (*Mux)(nil)
