package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"sitepipe/internal/stage"
)

// Kind distinguishes the two job shapes.
type Kind string

const (
	// KindItem runs one stage item through the worker envelope.
	KindItem Kind = "item"
	// KindCoordinate runs the stage coordinator for a claimed site.
	KindCoordinate Kind = "coordinate"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

var (
	// ErrLeaseLost means the job is no longer held by the caller, usually
	// because it was reclaimed after missed heartbeats.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
)

// Job is one unit of dispatched work.
type Job struct {
	ID            int64
	DeliveryID    string
	Kind          Kind
	SiteID        string
	Stage         stage.Stage
	ItemKey       string
	Source        string
	Status        Status
	Attempts      int
	MaxAttempts   int
	AvailableAt   time.Time
	LeaseOwner    string
	LastHeartbeat time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Item converts an item job back into the stage item it carries.
func (j Job) Item() stage.Item {
	return stage.Item{SiteID: j.SiteID, Stage: j.Stage, Key: j.ItemKey, Source: j.Source}
}

// ItemJob builds the job for a planned stage item.
func ItemJob(item stage.Item) Job {
	return Job{Kind: KindItem, SiteID: item.SiteID, Stage: item.Stage, ItemKey: item.Key, Source: item.Source}
}

// CoordinateJob builds the job that runs the coordinator for a site's stage.
func CoordinateJob(siteID string, st stage.Stage) Job {
	return Job{Kind: KindCoordinate, SiteID: siteID, Stage: st}
}

// Handle identifies an enqueued job.
type Handle struct {
	JobID      int64
	DeliveryID string
}

// Dispatcher accepts work for asynchronous, at-least-once execution.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) (Handle, error)
}

// Handler processes a leased job. Returning an error schedules a retry
// unless the error is Permanent.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Permanent marks err as not worth retrying; the job goes straight to dead.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
