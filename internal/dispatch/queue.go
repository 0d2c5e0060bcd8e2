package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"sitepipe/internal/config"
	"sitepipe/internal/database"
	"sitepipe/internal/stage"
)

const (
	defaultMaxAttempts  = 5
	defaultRetryInitial = time.Second
	defaultRetryMax     = time.Minute
	leaseAttempts       = 3
)

const jobColumns = `id, delivery_id, kind, site_id, stage, item_key, source, status, attempts, max_attempts,
       available_at, lease_owner, last_heartbeat, last_error, created_at, updated_at`

// Queue is the database-backed Dispatcher.
type Queue struct {
	db           *database.DB
	now          func() time.Time
	maxAttempts  int
	retryInitial time.Duration
	retryMax     time.Duration
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithRetryPolicy sets the attempt limit and exponential retry bounds.
func WithRetryPolicy(maxAttempts int, initial, max time.Duration) QueueOption {
	return func(q *Queue) {
		if maxAttempts > 0 {
			q.maxAttempts = maxAttempts
		}
		if initial > 0 {
			q.retryInitial = initial
		}
		if max >= q.retryInitial {
			q.retryMax = max
		}
	}
}

// NewQueue wraps db.
func NewQueue(db *database.DB, opts ...QueueOption) *Queue {
	q := &Queue{
		db:           db,
		now:          time.Now,
		maxAttempts:  defaultMaxAttempts,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// NewQueueFromConfig applies the dispatch retry policy from cfg.
func NewQueueFromConfig(db *database.DB, cfg *config.Config, opts ...QueueOption) *Queue {
	base := []QueueOption{WithRetryPolicy(cfg.Dispatch.MaxAttempts, cfg.Dispatch.RetryInitial(), cfg.Dispatch.RetryMax())}
	return NewQueue(db, append(base, opts...)...)
}

func (q *Queue) stamp() string {
	return database.FormatTime(q.now())
}

// Enqueue stores job as pending and immediately available. A fresh delivery
// id is generated unless the caller supplied one.
func (q *Queue) Enqueue(ctx context.Context, job Job) (Handle, error) {
	if strings.TrimSpace(job.SiteID) == "" {
		return Handle{}, errors.New("enqueue: site id required")
	}
	switch job.Kind {
	case KindItem:
		if strings.TrimSpace(job.ItemKey) == "" {
			return Handle{}, errors.New("enqueue: item key required")
		}
	case KindCoordinate:
	default:
		return Handle{}, fmt.Errorf("enqueue: unknown job kind %q", job.Kind)
	}
	if job.Stage.Index() < 0 {
		return Handle{}, fmt.Errorf("enqueue: %q is not a working stage", job.Stage)
	}
	if job.DeliveryID == "" {
		job.DeliveryID = uuid.NewString()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	now := q.stamp()
	id, err := q.db.Insert(ctx,
		`INSERT INTO dispatch_jobs (delivery_id, kind, site_id, stage, item_key, source, status,
             attempts, max_attempts, available_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.DeliveryID, string(job.Kind), job.SiteID, string(job.Stage), job.ItemKey, job.Source,
		string(StatusPending), maxAttempts, now, now, now,
	)
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue %s job for site %s: %w", job.Kind, job.SiteID, err)
	}
	return Handle{JobID: id, DeliveryID: job.DeliveryID}, nil
}

// Lease hands the oldest available pending job to owner. It returns
// (nil, nil) when nothing is ready. The status guard on the update means two
// concurrent leasers can never both take the same job.
func (q *Queue) Lease(ctx context.Context, owner string) (*Job, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, errors.New("lease: owner required")
	}
	for attempt := 0; attempt < leaseAttempts; attempt++ {
		now := q.stamp()
		var id int64
		err := q.db.QueryRow(ctx, func(row *sql.Row) error { return row.Scan(&id) },
			`SELECT id FROM dispatch_jobs
             WHERE status = ? AND available_at <= ?
             ORDER BY available_at, id LIMIT 1`,
			string(StatusPending), now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lease: select candidate: %w", err)
		}

		res, err := q.db.Exec(ctx,
			`UPDATE dispatch_jobs
             SET status = ?, lease_owner = ?, last_heartbeat = ?, attempts = attempts + 1, updated_at = ?
             WHERE id = ? AND status = ?`,
			string(StatusRunning), owner, now, now, id, string(StatusPending))
		if err != nil {
			return nil, fmt.Errorf("lease job %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("lease job %d: %w", id, err)
		}
		if n == 1 {
			job, err := q.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return &job, nil
		}
		// another leaser won this row; look again
	}
	return nil, nil
}

// Complete marks a leased job done.
func (q *Queue) Complete(ctx context.Context, id int64, owner string) error {
	now := q.stamp()
	res, err := q.db.Exec(ctx,
		`UPDATE dispatch_jobs SET status = ?, last_error = NULL, updated_at = ?
         WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(StatusDone), now, id, string(StatusRunning), owner)
	return leaseResult(res, err, "complete", id)
}

// Retry records a failed attempt. The job returns to pending after an
// exponential delay, or goes to dead once attempts are exhausted or cause is
// Permanent. It returns the status the job ended in.
func (q *Queue) Retry(ctx context.Context, id int64, owner string, cause error) (Status, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	message := "job failed"
	if cause != nil {
		message = cause.Error()
	}
	next := StatusPending
	if IsPermanent(cause) || job.Attempts >= job.MaxAttempts {
		next = StatusDead
	}
	now := q.now()
	available := now.Add(q.retryDelay(job.Attempts))
	res, err := q.db.Exec(ctx,
		`UPDATE dispatch_jobs
         SET status = ?, lease_owner = NULL, last_error = ?, available_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(next), message, database.FormatTime(available), database.FormatTime(now),
		id, string(StatusRunning), owner)
	if err := leaseResult(res, err, "retry", id); err != nil {
		return "", err
	}
	return next, nil
}

// retryDelay is the exponential delay before attempt+1, capped at retryMax.
func (q *Queue) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.retryInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         q.retryMax,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Heartbeat refreshes the lease on a running job.
func (q *Queue) Heartbeat(ctx context.Context, id int64, owner string) error {
	now := q.stamp()
	res, err := q.db.Exec(ctx,
		`UPDATE dispatch_jobs SET last_heartbeat = ?, updated_at = ?
         WHERE id = ? AND status = ? AND lease_owner = ?`,
		now, now, id, string(StatusRunning), owner)
	return leaseResult(res, err, "heartbeat", id)
}

// ReclaimStale returns running jobs whose heartbeat is older than cutoff to
// pending so another worker can pick them up.
func (q *Queue) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := q.stamp()
	res, err := q.db.Exec(ctx,
		`UPDATE dispatch_jobs
         SET status = ?, lease_owner = NULL, available_at = ?, updated_at = ?,
             last_error = 'lease expired'
         WHERE status = ? AND last_heartbeat < ?`,
		string(StatusPending), now, now, string(StatusRunning), database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// ActiveFor counts pending and running jobs of any kind for a site's stage.
// The reconciler uses it to tell a slow stage from an abandoned one.
func (q *Queue) ActiveFor(ctx context.Context, siteID string, st stage.Stage) (int, error) {
	var count int
	err := q.db.QueryRow(ctx, func(row *sql.Row) error { return row.Scan(&count) },
		`SELECT COUNT(1) FROM dispatch_jobs WHERE site_id = ? AND stage = ? AND status IN (?, ?)`,
		siteID, string(st), string(StatusPending), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("count active jobs for %s: %w", siteID, err)
	}
	return count, nil
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, id int64) (Job, error) {
	var job Job
	err := q.db.QueryRow(ctx, func(row *sql.Row) error {
		var scanErr error
		job, scanErr = scanJob(row)
		return scanErr
	}, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ListForSite returns every job recorded for a site, oldest first.
func (q *Queue) ListForSite(ctx context.Context, siteID string) ([]Job, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+jobColumns+` FROM dispatch_jobs WHERE site_id = ? ORDER BY id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", siteID, err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Stats counts jobs by status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.Query(ctx, `SELECT status, COUNT(1) FROM dispatch_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

// PurgeDone deletes completed jobs last touched before olderThan.
func (q *Queue) PurgeDone(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := q.db.Exec(ctx,
		`DELETE FROM dispatch_jobs WHERE status = ? AND updated_at < ?`,
		string(StatusDone), database.FormatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge done jobs: %w", err)
	}
	return res.RowsAffected()
}

func leaseResult(res sql.Result, err error, op string, id int64) error {
	if err != nil {
		return fmt.Errorf("%s job %d: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s job %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s job %d: %w", op, id, ErrLeaseLost)
	}
	return nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (Job, error) {
	var (
		job                         Job
		kind, st, status            string
		available, created, updated string
		owner, heartbeat, lastErr   sql.NullString
	)
	if err := scanner.Scan(
		&job.ID, &job.DeliveryID, &kind, &job.SiteID, &st, &job.ItemKey, &job.Source, &status,
		&job.Attempts, &job.MaxAttempts, &available, &owner, &heartbeat, &lastErr, &created, &updated,
	); err != nil {
		return Job{}, err
	}
	job.Kind = Kind(kind)
	job.Stage = stage.Stage(st)
	job.Status = Status(status)
	job.AvailableAt = database.ParseTime(available)
	job.LeaseOwner = owner.String
	job.LastHeartbeat = database.ParseNullTime(heartbeat)
	job.LastError = lastErr.String
	job.CreatedAt = database.ParseTime(created)
	job.UpdatedAt = database.ParseTime(updated)
	return job, nil
}
