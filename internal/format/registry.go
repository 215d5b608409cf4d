// Package format post-processes tool output text. Formatters are looked up
// by (server, tool), falling back to a per-server wildcard and then to the
// registry-wide default; output with no applicable formatter passes through
// unchanged.
package format

import (
	"sync"
)

// Wildcard matches any tool of a server when used as the tool name.
const Wildcard = "*"

// Func rewrites a tool's raw text output.
type Func func(raw string) (string, error)

// Registry maps (server, tool) pairs to formatters.
type Registry struct {
	mu         sync.RWMutex
	formatters map[string]Func
	fallback   Func
}

// NewRegistry creates an empty registry with no fallback.
func NewRegistry() *Registry {
	return &Registry{formatters: make(map[string]Func)}
}

func key(serverName, toolName string) string {
	return serverName + "\x1f" + toolName
}

// Register installs a formatter for one tool of one server. Registering
// with toolName Wildcard covers every tool of the server that has no exact
// formatter.
func (r *Registry) Register(serverName, toolName string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[key(serverName, toolName)] = fn
}

// SetFallback installs the registry-wide default formatter, applied when
// neither an exact nor a wildcard match exists.
func (r *Registry) SetFallback(fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Lookup resolves the formatter for (server, tool): exact match first, then
// the server's wildcard, then the fallback. ok is false when nothing
// applies.
func (r *Registry) Lookup(serverName, toolName string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.formatters[key(serverName, toolName)]; ok {
		return fn, true
	}
	if fn, ok := r.formatters[key(serverName, Wildcard)]; ok {
		return fn, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Apply runs the applicable formatter over raw, or returns raw unchanged
// when none applies.
func (r *Registry) Apply(serverName, toolName, raw string) (string, error) {
	fn, ok := r.Lookup(serverName, toolName)
	if !ok {
		return raw, nil
	}
	return fn(raw)
}
