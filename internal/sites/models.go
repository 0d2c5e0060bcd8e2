package sites

import (
	"errors"
	"time"

	"sitepipe/internal/stage"
)

var (
	// ErrSiteNotFound is fatal for the caller: a job references a site that
	// does not exist.
	ErrSiteNotFound = errors.New("site not found")
	// ErrSiteExists reports a duplicate Create.
	ErrSiteExists = errors.New("site already exists")
	// ErrStageMismatch reports a write aimed at a stage the site is no longer in.
	ErrStageMismatch = errors.New("site is not in the expected stage")
	// ErrClaimLost reports a transition attempted without holding the claim.
	ErrClaimLost = errors.New("coordinator claim not held")
	// ErrRecordChanged reports a corrective write that lost to a concurrent
	// writer.
	ErrRecordChanged = errors.New("site record changed concurrently")
)

// Outcome is the result an item reports.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Counters is the counter triple kept per stage.
type Counters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done is the number of items that reported an outcome.
func (c Counters) Done() int { return c.Completed + c.Failed }

// Complete reports the fan-in predicate: every dispatched item reported.
// A stage with no dispatched items is never complete.
func (c Counters) Complete() bool { return c.Total > 0 && c.Done() == c.Total }

// Percent is the share of items that reported, 0..100.
func (c Counters) Percent() float64 {
	if c.Total <= 0 {
		return 0
	}
	return float64(c.Done()) * 100 / float64(c.Total)
}

// Record is one site row.
type Record struct {
	ID                 string
	CurrentStage       stage.Stage
	Source             string
	StartedAt          time.Time
	UpdatedAt          time.Time
	Revision           int64
	Counters           map[stage.Stage]Counters
	CoordinatorClaimed bool
	LastErrorStage     stage.Stage
	LastErrorMessage   string
	LastErrorAt        time.Time
}

// Active returns the counters of the current stage; terminal sites report
// zero counters.
func (r Record) Active() Counters {
	return r.Counters[r.CurrentStage]
}

// FanInComplete evaluates the completion predicate on the active stage.
func (r Record) FanInComplete() bool {
	if r.CurrentStage.Index() < 0 {
		return false
	}
	return r.Active().Complete()
}

// Terminal reports whether the site has left the pipeline.
func (r Record) Terminal() bool { return r.CurrentStage.IsTerminal() }

// NewSite describes a site entering the pipeline.
type NewSite struct {
	ID     string
	Source string
	// FirstTotal is the number of items dispatched for the first stage.
	FirstTotal int
}

// Increment records one item outcome.
type Increment struct {
	SiteID     string
	Stage      stage.Stage
	ItemKey    string
	Outcome    Outcome
	Diagnostic string
	DeliveryID string
}

// IncrementResult carries the record after an increment. Applied is false when
// the outcome for that item had already been recorded or the stage had no
// outstanding items left; the counters are unchanged in that case.
type IncrementResult struct {
	Record  Record
	Applied bool
}

// Transition moves a claimed site from one stage to the next.
type Transition struct {
	SiteID    string
	From      stage.Stage
	To        stage.Stage
	NextTotal int
}

// Correction overwrites the active stage's counters with values derived from
// evidence. It applies only if the record is still at ExpectedRevision.
type Correction struct {
	SiteID           string
	Stage            stage.Stage
	Completed        int
	Failed           int
	ExpectedRevision int64
}

// ItemOutcome is one row of the per-item outcome ledger.
type ItemOutcome struct {
	ItemKey    string
	Outcome    Outcome
	Diagnostic string
	DeliveryID string
	RecordedAt time.Time
}

// ListFilter narrows List results.
type ListFilter struct {
	Stages []stage.Stage
	Limit  int
}

// DatabaseHealth reports diagnostic information about the backing store.
type DatabaseHealth struct {
	Dialect        string `json:"dialect"`
	Target         string `json:"target"`
	SchemaVersion  int    `json:"schema_version"`
	IntegrityCheck string `json:"integrity_check"`
	TotalSites     int    `json:"total_sites"`
	Error          string `json:"error,omitempty"`
}
