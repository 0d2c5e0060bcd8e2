// Package notifications publishes site outcome alerts.
//
// The default implementation posts to an ntfy topic taken from the
// [notifications] section of config.toml and degrades to a no-op when no
// topic is configured. Callers depend only on the Service interface.
package notifications
