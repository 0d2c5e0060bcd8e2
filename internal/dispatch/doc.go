// Package dispatch is the durable at-least-once job queue that carries item
// and coordinate work between sitepipe processes.
//
// Jobs live in the dispatch_jobs table of the shared database. A Pool of
// workers leases the oldest available job with a conditional write, keeps
// the lease alive with heartbeats, and completes or retries it. A worker
// that dies mid-job stops heartbeating and the job is reclaimed, so every
// handler must tolerate running more than once for the same delivery.
package dispatch
