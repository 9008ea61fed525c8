// Package extension holds the capability registry: a mapping from extension point
// name to the ordered list of handlers registered for it. A registry is assembled
// at startup and handed to the components that consult it.
package extension

import (
	"log/slog"
	"sync"
)

// Extension point names.
const (
	PointBeforeAgentSend = "agent.before-send"
	PointMigrateNetwork  = "migrate.network"
	PointHostConnect     = "host.connect"
	// PointHostPing handlers run after a successful ping and fail it on error.
	PointHostPing = "host.ping"
	// PointHostPingNoFailure handlers run after a successful ping; errors are only logged.
	PointHostPingNoFailure = "host.ping-no-failure"
)

// Registry stores handlers in registration order.
type Registry struct {
	mu     sync.RWMutex
	points map[string][]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{points: make(map[string][]any)}
}

// Register appends h to the handlers of point.
func Register[T any](r *Registry, point string, h T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[point] = append(r.points[point], h)
	slog.Debug("extension_registered", "point", point, "count", len(r.points[point]))
}

// List returns the handlers of point that implement T, in registration order.
// A nil registry has no handlers.
func List[T any](r *Registry, point string) []T {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []T
	for _, h := range r.points[point] {
		t, ok := h.(T)
		if !ok {
			slog.Warn("extension_type_mismatch", "point", point)
			continue
		}
		out = append(out, t)
	}
	return out
}
