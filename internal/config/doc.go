// Package config loads, normalizes, and validates sitepipe configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// SITEPIPE_DATABASE_DSN. The Config type centralizes every knob the daemon and
// CLI need: storage location, dispatcher sizing, reconciler tuning, and the
// per-stage plugin commands.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
