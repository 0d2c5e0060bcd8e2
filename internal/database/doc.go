// Package database opens the SQL backend shared by the site record store and
// the job dispatcher.
//
// SQLite (modernc.org/sqlite) is the default for single-host deployments;
// Postgres (pgx) serves fleets whose workers span machines. Both dialects use
// the same queries written with ? placeholders, rebound on the fly, and the
// same fixed-width text timestamps. Transient lock contention is retried with
// a short exponential backoff.
package database
