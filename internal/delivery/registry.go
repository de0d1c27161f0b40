// internal/delivery/registry.go
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/classwatch/internal/types"
)

// Handler delivers a message to the destination identified by key.
type Handler func(ctx context.Context, key types.DeliveryKey, message string) error

// Registry routes messages to the appropriate delivery handler based on
// key prefix (e.g. "telegram:", "log:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler with the longest matching prefix and calls it.
// Returns an error if no handler is registered for the key.
func (r *Registry) Deliver(ctx context.Context, key types.DeliveryKey, message string) error {
	r.mu.RLock()
	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(key), prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for key: %s", key)
	}
	return handler(ctx, key, message)
}

// Broadcast delivers message to every key and joins the failures.
func (r *Registry) Broadcast(ctx context.Context, keys []types.DeliveryKey, message string) error {
	var errs []error
	for _, key := range keys {
		if err := r.Deliver(ctx, key, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
