// Package main hosts the sitepipe CLI entrypoint and command graph.
//
// Commands read and write the shared site store directly, so they work with
// or without a running daemon: admission enqueues durable jobs that whichever
// daemon holds the queue picks up. `serve` runs the daemon in the foreground.
package main
