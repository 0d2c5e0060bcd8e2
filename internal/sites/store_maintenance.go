package sites

import (
	"context"
	"database/sql"
	"fmt"

	"sitepipe/internal/stage"
)

// Stats returns a count of sites grouped by current stage.
func (s *Store) Stats(ctx context.Context) (map[stage.Stage]int, error) {
	rows, err := s.db.Query(ctx, `SELECT current_stage, COUNT(1) FROM site_records GROUP BY current_stage`)
	if err != nil {
		return nil, fmt.Errorf("site stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[stage.Stage]int)
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		stats[stage.Stage(name)] = count
	}
	return stats, rows.Err()
}

// CheckHealth returns diagnostic information about the site database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{
		Dialect: string(s.db.Dialect()),
		Target:  s.db.Target(),
	}

	if err := s.db.QueryRow(ctx, func(row *sql.Row) error { return row.Scan(&health.SchemaVersion) },
		`SELECT version FROM schema_version LIMIT 1`); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}

	result, err := s.db.IntegrityCheck(ctx)
	if err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = result

	if err := s.db.QueryRow(ctx, func(row *sql.Row) error { return row.Scan(&health.TotalSites) },
		`SELECT COUNT(1) FROM site_records`); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count sites: %w", err)
	}
	return health, nil
}
