package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roach88/intentd/internal/model"
)

// Handler executes one intent type. It returns the artifacts the
// execution produced; the engine assigns ids, provenance and scope.
//
// Handlers must honour ctx: its deadline is the execution deadline. A
// handler that overruns is abandoned and its execution fails with TIMEOUT.
type Handler interface {
	Execute(ctx context.Context, intent model.Intent) ([]model.Artifact, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, intent model.Intent) ([]model.Artifact, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, intent model.Intent) ([]model.Artifact, error) {
	return f(ctx, intent)
}

// Registration is a handler plus its execution policy.
type Registration struct {
	IntentType   string
	Handler      Handler
	Idempotent   bool          // Default true
	Timeout      time.Duration // Zero uses the manager default
	MaxArtifacts int           // Zero uses DefaultMaxArtifacts
}

// HandlerOption configures a Registration.
type HandlerOption func(*Registration)

// NonIdempotent makes every submission of the intent type a new
// execution, even with identical parameters.
func NonIdempotent() HandlerOption {
	return func(r *Registration) {
		r.Idempotent = false
	}
}

// WithTimeout overrides the execution deadline for the intent type.
func WithTimeout(d time.Duration) HandlerOption {
	return func(r *Registration) {
		r.Timeout = d
	}
}

// WithMaxArtifacts caps how many artifacts one execution may produce.
func WithMaxArtifacts(n int) HandlerOption {
	return func(r *Registration) {
		r.MaxArtifacts = n
	}
}

// Registry maps intent types to handlers. It is owned by whoever builds
// the Manager and injected into it; there is no global registry.
//
// Thread-safety: safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Registration)}
}

// Register adds a handler. Registering a type twice is an error.
func (r *Registry) Register(intentType string, h Handler, opts ...HandlerOption) error {
	if intentType == "" {
		return model.NewValidationError("intent type is required")
	}
	if h == nil {
		return model.NewValidationError("handler for %q is nil", intentType)
	}

	reg := Registration{IntentType: intentType, Handler: h, Idempotent: true}
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.Timeout < 0 || reg.MaxArtifacts < 0 {
		return model.NewValidationError("handler %q has negative limits", intentType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[intentType]; exists {
		return model.NewValidationError("intent type %q already registered", intentType)
	}
	r.handlers[intentType] = reg
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(intentType string, h Handler, opts ...HandlerOption) {
	if err := r.Register(intentType, h, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the registration for intentType.
func (r *Registry) Lookup(intentType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[intentType]
	return reg, ok
}

// Types returns the registered intent types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
