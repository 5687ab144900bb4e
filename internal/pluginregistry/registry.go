// Package pluginregistry implements the process-local plugin discovery
// index (spec §4.2, C2). It is a read-only-after-init singleton: plugin
// implementations themselves (dbt, Dagster, Polaris, Cube, ...) are
// external collaborators — only their name-selection contract matters
// here.
package pluginregistry

import (
	"sort"
	"sync"

	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/schema"
)

// PluginHandle is an opaque reference consumed only by downstream
// layers (deploy-time plugin invocation), never by the compiler.
type PluginHandle struct {
	Category string
	Name     string
}

// Registry discovers plugins by category from a set of entry points
// registered at process start, then serves read-only lookups.
type Registry struct {
	mu       sync.RWMutex
	byCat    map[string]map[string]PluginHandle
	sealed   bool
}

// New returns an empty registry. Call Register per entry during
// process startup, then Seal before first use from
// multiple goroutines.
func New() *Registry {
	return &Registry{byCat: make(map[string]map[string]PluginHandle)}
}

// Register adds one plugin implementation under a category. It is a
// startup-time-only operation: calling it after Seal panics, matching
// the "process-wide state initialized once" contract in spec §4.2.
func (r *Registry) Register(category, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("pluginregistry: Register called after Seal")
	}
	if r.byCat[category] == nil {
		r.byCat[category] = make(map[string]PluginHandle)
	}
	r.byCat[category][name] = PluginHandle{Category: category, Name: name}
}

// Seal freezes the registry; subsequent calls are read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// ListAvailable returns the sorted plugin names registered for category.
func (r *Registry) ListAvailable(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byCat[category]))
	for name := range r.byCat[category] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports whether pluginName is registered under category.
func (r *Registry) Validate(category, pluginName string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.byCat[category][pluginName]; ok {
		return nil
	}
	return ferrors.Newf(ferrors.KindSchema, "unknown plugin %s:%s", category, pluginName).
		WithRemediation("available: " + joinSorted(r.byCat[category]))
}

// Get returns the opaque handle for a registered plugin.
func (r *Registry) Get(category, name string) (PluginHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byCat[category][name]
	if !ok {
		return PluginHandle{}, ferrors.Newf(ferrors.KindSchema, "unknown plugin %s:%s", category, name)
	}
	return h, nil
}

func joinSorted(m map[string]PluginHandle) string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// DefaultRegistry is the process-wide singleton, seeded and sealed by
// RegisterBuiltins during cmd/floe initialization.
var DefaultRegistry = New()

var registerBuiltinsOnce sync.Once

// RegisterBuiltins registers into DefaultRegistry, for every category
// in schema.PluginCategories, the plugin names listed under that
// category in known (the CLI's plugins: config section), then seals
// the registry. Names under categories outside schema.PluginCategories
// are ignored. Safe to call more than once per process — only the
// first call has any effect.
func RegisterBuiltins(known map[string][]string) {
	registerBuiltinsOnce.Do(func() {
		for _, cat := range schema.PluginCategories {
			for _, name := range known[cat] {
				DefaultRegistry.Register(cat, name)
			}
		}
		DefaultRegistry.Seal()
	})
}
