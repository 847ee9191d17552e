package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

// Sentinel errors for the pipeline package.
var (
	// ErrStageAlreadyRegistered is returned when registering a duplicate handler.
	ErrStageAlreadyRegistered = errors.New("stage already registered")

	// ErrStageNotFound is returned when a job's stage has no handler.
	ErrStageNotFound = errors.New("stage not found")

	// ErrBadTransition is returned when a handler asks for a stage that does
	// not follow its own.
	ErrBadTransition = errors.New("invalid stage transition")
)

// Result is what a stage handler hands back to the runner.
type Result struct {
	// Output is stored on the job.
	Output any
	// Next lists follow-up jobs. Every entry must be for the stage that
	// follows the handler's stage.
	Next []queue.EnqueueRequest
}

// Handler executes one claimed job.
type Handler func(ctx context.Context, job *store.Job) (*Result, error)

// Registry maps stages to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[queue.Stage]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[queue.Stage]Handler)}
}

// Register adds the handler for a stage.
func (r *Registry) Register(s queue.Stage, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[s]; exists {
		return fmt.Errorf("%w: %s", ErrStageAlreadyRegistered, s)
	}
	r.handlers[s] = h
	return nil
}

// Get returns the handler for a stage.
func (r *Registry) Get(s queue.Stage) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[s]
	return h, ok
}

// Stages returns the registered stages in pipeline order.
func (r *Registry) Stages() []queue.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []queue.Stage
	for _, s := range queue.Stages() {
		if _, ok := r.handlers[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that every pipeline stage has a handler.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range queue.Stages() {
		if _, ok := r.handlers[s]; !ok {
			return fmt.Errorf("%w: %s", ErrStageNotFound, s)
		}
	}
	return nil
}

// checkTransition verifies that next only contains jobs for the stage that
// follows from.
func checkTransition(from queue.Stage, next []queue.EnqueueRequest) error {
	if len(next) == 0 {
		return nil
	}
	want, ok := from.Next()
	if !ok {
		return fmt.Errorf("%w: %s is the last stage", ErrBadTransition, from)
	}
	for _, req := range next {
		if req.Stage != want {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, req.Stage)
		}
	}
	return nil
}
