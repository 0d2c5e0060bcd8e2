package stage

import (
	"context"
	"fmt"
)

// Registry binds each working stage to its Implementation and EvidenceSource.
// Register everything before handing the registry to workers; lookups are not
// synchronized with registration.
type Registry struct {
	impls    map[Stage]Implementation
	evidence map[Stage]EvidenceSource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		impls:    make(map[Stage]Implementation),
		evidence: make(map[Stage]EvidenceSource),
	}
}

// Register binds impl and evidence to s. Either may be nil.
func (r *Registry) Register(s Stage, impl Implementation, evidence EvidenceSource) error {
	if s.Index() < 0 {
		return fmt.Errorf("register %q: not a working stage", s)
	}
	if impl != nil {
		r.impls[s] = impl
	}
	if evidence != nil {
		r.evidence[s] = evidence
	}
	return nil
}

// Implementation returns the work function for s.
func (r *Registry) Implementation(s Stage) (Implementation, bool) {
	if r == nil {
		return nil, false
	}
	impl, ok := r.impls[s]
	return impl, ok
}

// Evidence returns the evidence source for s.
func (r *Registry) Evidence(s Stage) (EvidenceSource, bool) {
	if r == nil {
		return nil, false
	}
	ev, ok := r.evidence[s]
	return ev, ok
}

// Health reports readiness for every working stage in pipeline order.
func (r *Registry) Health(ctx context.Context) []Health {
	out := make([]Health, 0, len(pipeline))
	for _, s := range pipeline {
		name := string(s)
		impl, ok := r.Implementation(s)
		switch {
		case !ok:
			out = append(out, Unhealthy(name, "no implementation registered"))
			continue
		case !r.hasEvidence(s):
			out = append(out, Unhealthy(name, "no evidence source registered"))
			continue
		}
		if checker, ok := impl.(HealthChecker); ok {
			h := checker.HealthCheck(ctx)
			h.Name = name
			out = append(out, h)
			continue
		}
		out = append(out, Healthy(name))
	}
	return out
}

func (r *Registry) hasEvidence(s Stage) bool {
	_, ok := r.Evidence(s)
	return ok
}
