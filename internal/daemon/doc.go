// Package daemon owns the long-running sitepipe process lifecycle.
//
// A Daemon takes the single-instance flock, then runs its registered
// services (dispatch pool, reconciler, maintenance) and the HTTP server
// side by side until the context is cancelled or one of them fails. Wiring
// lives in daemonrun; this package only starts and stops things.
package daemon
