package checker

import (
	"fmt"
	"slices"
	"sync"

	"bytemomo/warden/internal/domain"
)

// Registry is the ordered set of known checkers. Registration order is the
// execution order and the order of findings in every report.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	checkers map[string]domain.Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]domain.Checker)}
}

// Register appends c to the registry. Names must be unique.
func (r *Registry) Register(c domain.Checker) error {
	if c == nil {
		return fmt.Errorf("checker is nil")
	}
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.checkers[name]; dup {
		return fmt.Errorf("checker %q already registered", name)
	}
	r.checkers[name] = c
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register for static wiring where a duplicate is a bug.
func (r *Registry) MustRegister(c domain.Checker) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Get retrieves a checker by name.
func (r *Registry) Get(name string) (domain.Checker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[name]
	return c, ok
}

// Names returns checker names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// All returns every checker in registration order.
func (r *Registry) All() []domain.Checker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Checker, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.checkers[name])
	}
	return out
}

// Selection is the resolved checker set for one scan.
type Selection struct {
	Checkers []domain.Checker
	// Excluded lists registered checkers left out of this scan.
	Excluded []string
}

// Names returns the selected checker names in execution order.
func (s Selection) Names() []string {
	out := make([]string, len(s.Checkers))
	for i, c := range s.Checkers {
		out[i] = c.Name()
	}
	return out
}

// Resolve returns the active set: the include list (or everything when it is
// empty) minus the global exclusions and the scan's own exclusions. Severity
// filtering is not an execution concern and plays no part here.
func (r *Registry) Resolve(excluded []string, filter domain.CheckerFilter) (Selection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range filter.Include {
		if _, ok := r.checkers[name]; !ok {
			return Selection{}, fmt.Errorf("%w: %q", domain.ErrCheckerNotFound, name)
		}
	}

	drop := make(map[string]struct{}, len(excluded)+len(filter.Exclude))
	for _, name := range excluded {
		drop[name] = struct{}{}
	}
	for _, name := range filter.Exclude {
		drop[name] = struct{}{}
	}

	var sel Selection
	for _, name := range r.order {
		_, dropped := drop[name]
		included := len(filter.Include) == 0 || slices.Contains(filter.Include, name)
		if dropped || !included {
			sel.Excluded = append(sel.Excluded, name)
			continue
		}
		sel.Checkers = append(sel.Checkers, r.checkers[name])
	}
	return sel, nil
}
