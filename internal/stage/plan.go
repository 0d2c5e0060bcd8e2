package stage

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// SingletonKey is the item key used by singleton stages.
const SingletonKey = "site"

// ErrEmptyPlan reports that a stage has nothing to dispatch.
var ErrEmptyPlan = errors.New("empty stage plan")

// Mode selects how a stage fans out.
type Mode string

const (
	ModeSingleton Mode = "singleton"
	ModeFanout    Mode = "fanout"
)

// PlanRequest describes the stage being planned and the evidence the previous
// stage left behind.
type PlanRequest struct {
	SiteID string
	Source string
	Stage  Stage
	// Previous holds the artifacts of the stage before Stage. Fan-out stages
	// create one item per entry.
	Previous []string
}

// Planner computes the items dispatched for a stage.
type Planner struct {
	modes map[Stage]Mode
}

// NewPlanner builds a Planner. Stages missing from modes are singletons.
func NewPlanner(modes map[Stage]Mode) *Planner {
	copied := make(map[Stage]Mode, len(modes))
	for s, m := range modes {
		copied[s] = m
	}
	return &Planner{modes: copied}
}

// Mode returns the fan-out mode of s.
func (p *Planner) Mode(s Stage) Mode {
	if p == nil {
		return ModeSingleton
	}
	if m, ok := p.modes[s]; ok && m != "" {
		return m
	}
	return ModeSingleton
}

// Plan returns the items for req.Stage in a deterministic order.
func (p *Planner) Plan(req PlanRequest) ([]Item, error) {
	if req.Stage.Index() < 0 {
		return nil, fmt.Errorf("plan %s: not a working stage", req.Stage)
	}
	switch p.Mode(req.Stage) {
	case ModeFanout:
		keys := itemKeys(req.Previous)
		if len(keys) == 0 {
			return nil, fmt.Errorf("plan %s for site %s: %w", req.Stage, req.SiteID, ErrEmptyPlan)
		}
		items := make([]Item, 0, len(keys))
		for _, key := range keys {
			items = append(items, Item{SiteID: req.SiteID, Stage: req.Stage, Key: key, Source: req.Source})
		}
		return items, nil
	default:
		return []Item{{SiteID: req.SiteID, Stage: req.Stage, Key: SingletonKey, Source: req.Source}}, nil
	}
}

// NeedsPrevious reports whether planning s requires the previous stage's
// artifacts.
func (p *Planner) NeedsPrevious(s Stage) bool {
	return p.Mode(s) == ModeFanout
}

func itemKeys(artifacts []string) []string {
	seen := make(map[string]struct{}, len(artifacts))
	keys := make([]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		key := path.Base(strings.ReplaceAll(strings.TrimSpace(artifact), "\\", "/"))
		if key == "" || key == "." || key == "/" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
