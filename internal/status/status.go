// Package status is the read-only query surface over site records.
package status

import (
	"context"
	"time"

	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
)

// State is the derived progress state of a site.
type State string

const (
	StateAdvancing State = "advancing"
	StateStalled   State = "stalled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Reader is the read side of the site store.
type Reader interface {
	Get(ctx context.Context, id string) (sites.Record, error)
	List(ctx context.Context, filter sites.ListFilter) ([]sites.Record, error)
	Stats(ctx context.Context) (map[stage.Stage]int, error)
}

// StageCounters is the JSON form of one stage's counters.
type StageCounters struct {
	Stage     stage.Stage `json:"stage"`
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
}

// SiteStatus is the externally visible view of one site.
type SiteStatus struct {
	ID                 string          `json:"id"`
	Source             string          `json:"source,omitempty"`
	Stage              stage.Stage     `json:"stage"`
	State              State           `json:"state"`
	Percent            float64         `json:"percent"`
	Counters           []StageCounters `json:"counters"`
	CoordinatorClaimed bool            `json:"coordinator_claimed"`
	StartedAt          time.Time       `json:"started_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	LastErrorStage     stage.Stage     `json:"last_error_stage,omitempty"`
	LastErrorMessage   string          `json:"last_error_message,omitempty"`
	LastErrorAt        *time.Time      `json:"last_error_at,omitempty"`
}

// Summary counts sites per stage and per derived state.
type Summary struct {
	Total   int                 `json:"total"`
	ByStage map[stage.Stage]int `json:"by_stage"`
	ByState map[State]int       `json:"by_state"`
}

// Service answers status queries. It never writes.
type Service struct {
	reader     Reader
	staleAfter time.Duration
	now        func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a Service. Sites idle for longer than staleAfter are
// reported as stalled.
func NewService(reader Reader, staleAfter time.Duration, opts ...Option) *Service {
	s := &Service{reader: reader, staleAfter: staleAfter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Site returns one site's status.
func (s *Service) Site(ctx context.Context, id string) (SiteStatus, error) {
	rec, err := s.reader.Get(ctx, id)
	if err != nil {
		return SiteStatus{}, err
	}
	return s.view(rec), nil
}

// All lists sites matching filter.
func (s *Service) All(ctx context.Context, filter sites.ListFilter) ([]SiteStatus, error) {
	records, err := s.reader.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]SiteStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, s.view(rec))
	}
	return out, nil
}

// Summary aggregates every site.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	byStage, err := s.reader.Stats(ctx)
	if err != nil {
		return Summary{}, err
	}
	records, err := s.reader.List(ctx, sites.ListFilter{})
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{ByStage: byStage, ByState: make(map[State]int)}
	for _, rec := range records {
		summary.Total++
		summary.ByState[s.state(rec)]++
	}
	return summary, nil
}

func (s *Service) view(rec sites.Record) SiteStatus {
	view := SiteStatus{
		ID:                 rec.ID,
		Source:             rec.Source,
		Stage:              rec.CurrentStage,
		State:              s.state(rec),
		Percent:            rec.Active().Percent(),
		CoordinatorClaimed: rec.CoordinatorClaimed,
		StartedAt:          rec.StartedAt,
		UpdatedAt:          rec.UpdatedAt,
		LastErrorStage:     rec.LastErrorStage,
		LastErrorMessage:   rec.LastErrorMessage,
	}
	if rec.CurrentStage == stage.Completed {
		view.Percent = 100
	}
	if !rec.LastErrorAt.IsZero() {
		at := rec.LastErrorAt
		view.LastErrorAt = &at
	}
	for _, st := range stage.Pipeline() {
		c, ok := rec.Counters[st]
		if !ok || c.Total == 0 {
			continue
		}
		view.Counters = append(view.Counters, StageCounters{Stage: st, Total: c.Total, Completed: c.Completed, Failed: c.Failed})
	}
	return view
}

func (s *Service) state(rec sites.Record) State {
	switch rec.CurrentStage {
	case stage.Completed:
		return StateCompleted
	case stage.Failed:
		return StateFailed
	}
	if s.staleAfter > 0 && s.now().Sub(rec.UpdatedAt) > s.staleAfter {
		return StateStalled
	}
	return StateAdvancing
}
