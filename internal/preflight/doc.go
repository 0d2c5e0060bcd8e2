// Package preflight provides readiness checks for the filesystem paths,
// stage commands and external endpoints sitepipe depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and logs every failed check.
//   - The CLI "sitepipe preflight" command prints the full result table.
//
// Optional checks are skipped when the feature is not configured.
package preflight
