// Package api defines the wire-format types and the video service behind the
// HTTP surface and the CLI. It translates metadata records and pipeline
// projections into transport-friendly DTOs and maps failures onto the stable
// error codes clients match on.
//
// # Key Types
//
// VideoService: upload, status, result, title, list, retry, and artifact
// lookups over the metadata store, intake, and title generator.
//
// Error: a failure carrying an HTTP status and a code such as
// VIDEO_NOT_FOUND, VIDEO_NOT_READY, TRANSCRIPT_NOT_READY, or
// TITLE_GENERATION_FAILED.
//
// # Design Notes
//
// DTOs use snake_case JSON tags. Timestamps use RFC3339 with milliseconds.
// A result request for an unfinished video returns VIDEO_NOT_READY with HTTP
// 202 so polling clients can treat it as "try again later".
package api
