package sites

import (
	"context"
	"fmt"
	"time"

	"sitepipe/internal/database"
	"sitepipe/internal/stage"
)

// TryClaim attempts to take the coordinator claim for the active stage. It is
// a single conditional write: it succeeds only when the claim is free, the
// site is still in st, and the fan-in predicate holds. Exactly one of any
// number of concurrent callers observes true.
func (s *Store) TryClaim(ctx context.Context, siteID string, st stage.Stage) (bool, error) {
	totalCol, completedCol, failedCol, err := counterColumns(st)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(ctx,
		`UPDATE site_records
         SET coordinator_claimed = 1, updated_at = ?, revision = revision + 1
         WHERE id = ? AND coordinator_claimed = 0 AND current_stage = ?
           AND `+totalCol+` > 0 AND `+completedCol+` + `+failedCol+` = `+totalCol,
		s.stamp(), siteID, string(st),
	)
	if err != nil {
		return false, fmt.Errorf("claim site %s: %w", siteID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim site %s: %w", siteID, err)
	}
	return n == 1, nil
}

// ReleaseClaim gives the claim back after a coordinator error so the
// transition can be retried. It reports whether a claim was released.
func (s *Store) ReleaseClaim(ctx context.Context, siteID string, st stage.Stage) (bool, error) {
	res, err := s.db.Exec(ctx,
		`UPDATE site_records
         SET coordinator_claimed = 0, updated_at = ?, revision = revision + 1
         WHERE id = ? AND current_stage = ? AND coordinator_claimed = 1`,
		s.stamp(), siteID, string(st),
	)
	return affectedOne(res, err, "release claim", siteID)
}

// ReleaseStaleClaim releases a claim whose holder has not written since
// cutoff, which means the coordinator that took it is gone.
func (s *Store) ReleaseStaleClaim(ctx context.Context, siteID string, st stage.Stage, cutoff time.Time) (bool, error) {
	res, err := s.db.Exec(ctx,
		`UPDATE site_records
         SET coordinator_claimed = 0, updated_at = ?, revision = revision + 1
         WHERE id = ? AND current_stage = ? AND coordinator_claimed = 1 AND updated_at < ?`,
		s.stamp(), siteID, string(st), database.FormatTime(cutoff),
	)
	return affectedOne(res, err, "release stale claim", siteID)
}

func affectedOne(res interface{ RowsAffected() (int64, error) }, err error, op, siteID string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", op, siteID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", op, siteID, err)
	}
	return n == 1, nil
}
