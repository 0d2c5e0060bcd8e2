package testsupport

import (
	"context"
	"sync"

	"sitepipe/internal/stage"
)

// Evidence is an in-memory stage.EvidenceSource.
type Evidence struct {
	mu        sync.Mutex
	artifacts map[string][]string
	err       error
	calls     int
}

// NewEvidence returns an empty evidence source.
func NewEvidence() *Evidence {
	return &Evidence{artifacts: make(map[string][]string)}
}

func evidenceKey(siteID string, st stage.Stage) string {
	return siteID + "/" + string(st)
}

// Set replaces the artifacts reported for one site and stage.
func (e *Evidence) Set(siteID string, st stage.Stage, names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.artifacts[evidenceKey(siteID, st)] = append([]string(nil), names...)
}

// Fail makes every subsequent query return err; nil restores normal behaviour.
func (e *Evidence) Fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// Calls returns how many queries were made.
func (e *Evidence) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Evidence) Artifacts(_ context.Context, siteID string, st stage.Stage) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return append([]string(nil), e.artifacts[evidenceKey(siteID, st)]...), nil
}

// Registry builds a stage registry where every stage uses ev and impl.
func Registry(impl stage.Implementation, ev stage.EvidenceSource) *stage.Registry {
	reg := stage.NewRegistry()
	for _, st := range stage.Pipeline() {
		_ = reg.Register(st, impl, ev)
	}
	return reg
}
