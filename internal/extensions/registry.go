package extensions

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcourtman/extension-manager/pkg/hostapi"
)

// Env is what extension code sees while it runs.
type Env struct {
	Slug    string
	Output  io.Writer
	Logger  zerolog.Logger
	Options hostapi.OptionStore
}

// Func is a unit of extension code: the entry point, one component file,
// or a component constructor.
type Func func(ctx context.Context, env *Env) error

// Module is the code behind one catalogued extension.
type Module struct {
	Slug      string
	Namespace string
	// Entry runs when the entry file is loaded.
	Entry Func
	// Files run when the named file (relative to the trunk) is included.
	// A file on disk without a Func includes as a no-op.
	Files map[string]Func
	// Components are constructed by manifest name after their files.
	Components map[string]Func
}

// Registry is the capability table mapping slugs to modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	frozen  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds m. Registration fails after Freeze and for duplicates.
func (r *Registry) Register(m Module) error {
	slug := strings.TrimSpace(m.Slug)
	if slug == "" {
		return fmt.Errorf("module slug is required")
	}
	if m.Entry == nil {
		return fmt.Errorf("module %s has no entry point", slug)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen; cannot register %s", slug)
	}
	if _, exists := r.modules[slug]; exists {
		return fmt.Errorf("module %s already registered", slug)
	}
	m.Slug = slug
	r.modules[slug] = m
	return nil
}

// MustRegister is Register for package initialisation.
func (r *Registry) MustRegister(m Module) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the module for slug.
func (r *Registry) Lookup(slug string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[slug]
	return m, ok
}

// Slugs lists registered slugs in order.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for slug := range r.modules {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
