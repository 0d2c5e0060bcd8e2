// Package stage defines the ordered pipeline stages and the plugin contracts
// the core consumes: Implementation runs one item of work, EvidenceSource
// reports what a stage actually produced, and Planner turns evidence into the
// next stage's items.
package stage
