// Package sites is the durable site record store: one row per site with its
// current stage and a counter triple per pipeline stage.
//
// All coordination between workers, coordinators and the reconciler passes
// through this package. Increment, TryClaim, Advance, MarkFailed and
// Reconcile are each a single conditional write on one row, so the claim that
// selects the coordinator for a stage is a storage-level compare-and-swap and
// needs no lock manager beyond the database's own row atomicity.
package sites
