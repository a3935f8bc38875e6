// Package plugins provides the capability registry backing pluggable
// backend families (supplier adapters, AI providers). Registration happens
// at startup; iteration respects declared priority and per-entry
// availability flags so degradation is explicit rather than silent.
package plugins

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Capability is the minimal contract every pluggable backend satisfies.
//
// Example:
//
//	type MyAdapter struct{}
//	func (a *MyAdapter) Name() string  { return "my-supplier" }
//	func (a *MyAdapter) Priority() int { return 50 }
type Capability interface {
	// Name returns the entry's unique identifier
	Name() string

	// Priority determines iteration order (lower = tried first)
	Priority() int
}

// Info describes a registered entry (for API responses)
type Info struct {
	Name      string `json:"name"`
	Priority  int    `json:"priority"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

type entry[T Capability] struct {
	cap       T
	available bool
	detail    string
}

// Registry manages one family of capabilities.
type Registry[T Capability] struct {
	mu      sync.RWMutex
	entries []*entry[T]
	byName  map[string]*entry[T]
	logger  *log.Logger
}

// NewRegistry creates a registry; label shows up in log prefixes,
// e.g. "SUPPLIERS" or "AI-PROVIDERS".
func NewRegistry[T Capability](label string) *Registry[T] {
	return &Registry[T]{
		entries: make([]*entry[T], 0),
		byName:  make(map[string]*entry[T]),
		logger:  log.New(log.Writer(), "["+label+"] ", log.LstdFlags),
	}
}

// Register adds a capability, available by default.
func (r *Registry[T]) Register(c T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[c.Name()]; exists {
		return fmt.Errorf("capability %q already registered", c.Name())
	}

	e := &entry[T]{cap: c, available: true}
	r.entries = append(r.entries, e)
	r.byName[c.Name()] = e

	// Re-sort by priority (lower = first)
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].cap.Priority() < r.entries[j].cap.Priority()
	})

	r.logger.Printf("🔌 Registered: %s (priority=%d)", c.Name(), c.Priority())
	return nil
}

// SetAvailable flips an entry's availability; detail explains why.
func (r *Registry[T]) SetAvailable(name string, ok bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.byName[name]
	if !exists {
		return
	}
	if e.available != ok {
		r.logger.Printf("⚙️ %s available=%t %s", name, ok, detail)
	}
	e.available = ok
	e.detail = detail
}

// InOrder returns the available capabilities in priority order.
func (r *Registry[T]) InOrder() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		if e.available {
			out = append(out, e.cap)
		}
	}
	return out
}

// All returns every capability in priority order regardless of availability.
func (r *Registry[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.cap)
	}
	return out
}

// Get returns a capability by name.
func (r *Registry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byName[name]
	if !ok {
		var zero T
		return zero, false
	}
	return e.cap, true
}

// List returns info about all registered capabilities.
func (r *Registry[T]) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, Info{
			Name:      e.cap.Name(),
			Priority:  e.cap.Priority(),
			Available: e.available,
			Detail:    e.detail,
		})
	}
	return infos
}

// Count returns the number of registered capabilities.
func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
