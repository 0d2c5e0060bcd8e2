// Package logging assembles structured slog loggers and formatting helpers used
// across sitepipe.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context helpers so worker and coordinator code can tag
// log lines with site IDs, stages, and item keys. A no-op logger is provided
// for tests and wiring code that cannot fail.
package logging
