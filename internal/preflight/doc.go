// Package preflight provides readiness checks for the filesystem paths and
// external services clipline depends on.
//
// The daemon runs RunAll at startup and logs every failure. The CLI check
// command prints the same results next to the dependency table. Checks for
// optional features are skipped when the feature is not configured.
package preflight
