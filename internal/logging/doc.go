// Package logging assembles structured slog loggers and formatting helpers used
// across clipline.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so pipeline code can tag log
// lines with video IDs, steps, and job IDs. The package also provides a no-op
// logger for tests and a tee helper used to mirror a video's processing log
// into its workspace.
package logging
