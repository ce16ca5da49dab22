package templates

import (
	"fmt"
	"sync/atomic"

	"caseline/internal/domain"
)

// Registry is the in-memory template catalog. Lookups are O(1); an
// administrative reload replaces the whole snapshot atomically so concurrent
// readers never observe a catalog mid-update.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	order     []string
	templates map[string][]domain.PhaseDefinition
}

// NewRegistry builds a registry from a validated catalog.
func NewRegistry(c *Catalog) (*Registry, error) {
	r := &Registry{}
	if err := r.Swap(c); err != nil {
		return nil, err
	}
	return r, nil
}

// Swap validates the catalog and installs it as the new snapshot.
func (r *Registry) Swap(c *Catalog) error {
	if c == nil {
		return fmt.Errorf("catalog nil")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	s := &snapshot{templates: make(map[string][]domain.PhaseDefinition, len(c.CaseTypes))}
	for _, t := range c.CaseTypes {
		phases := make([]domain.PhaseDefinition, len(t.Phases))
		copy(phases, t.Phases)
		s.order = append(s.order, t.CaseType)
		s.templates[t.CaseType] = phases
	}
	r.snap.Store(s)
	return nil
}

// CaseTypes returns the known case types in catalog declaration order.
func (r *Registry) CaseTypes() []string {
	s := r.snap.Load()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns the ordered phase sequence for a case type.
func (r *Registry) Get(caseType string) ([]domain.PhaseDefinition, error) {
	s := r.snap.Load()
	phases, ok := s.templates[caseType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, caseType)
	}
	out := make([]domain.PhaseDefinition, len(phases))
	copy(out, phases)
	return out, nil
}

// Catalog rebuilds the catalog form of the current snapshot.
func (r *Registry) Catalog() *Catalog {
	s := r.snap.Load()
	c := &Catalog{}
	for _, ct := range s.order {
		phases := make([]domain.PhaseDefinition, len(s.templates[ct]))
		copy(phases, s.templates[ct])
		c.CaseTypes = append(c.CaseTypes, CaseTypeTemplate{CaseType: ct, Phases: phases})
	}
	return c
}
