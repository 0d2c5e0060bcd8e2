// Package logs tails daemon log files for the CLI and the HTTP API.
//
// A log entry is one line of JSON output, or a console header line plus its
// indented attribute lines. Tail works in entries so filters never split a
// console record. Negative offsets select the last N entries; follow mode
// polls until new matching entries arrive or the wait expires.
package logs
