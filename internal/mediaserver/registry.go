package mediaserver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ydkmlt84/tracearr/internal/models"
)

// ErrNoAdapter means no factory is registered for a server's variant.
var ErrNoAdapter = errors.New("no adapter registered for variant")

// Factory builds the concrete adapter client for one server row. The clients
// themselves live outside this module; deployments register what they have.
type Factory func(server models.Server) (MediaServer, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[models.ServerVariant]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.ServerVariant]Factory)}
}

func (r *Registry) Register(variant models.ServerVariant, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[variant] = f
}

// Build constructs the adapter for server, or ErrNoAdapter.
func (r *Registry) Build(server models.Server) (MediaServer, error) {
	r.mu.RLock()
	f, ok := r.factories[server.Variant]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, server.Variant)
	}
	return f(server)
}
