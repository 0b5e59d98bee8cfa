package breaker

import (
	"context"
	"log/slog"
	"sync"
)

// Registry keeps one isolated breaker per upstream operation name, so a
// failing Gmail send cannot trip the breaker guarding Calendar reads.
type Registry struct {
	settings Settings
	handler  TransitionHandler
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share settings and handler.
func NewRegistry(settings Settings, handler TransitionHandler, logger *slog.Logger) *Registry {
	return &Registry{
		settings: settings,
		handler:  handler,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for an operation name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.settings, r.handler, r.logger)
		r.breakers[name] = b
	}
	return b
}

// Do runs fn under the breaker named by the operation.
func (r *Registry) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}
