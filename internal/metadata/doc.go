// Package metadata persists per-video processing state.
//
// A Video record is the single source of truth for resumption: step flags
// only ever go from false to true, every Save is a compare-and-swap on the
// record version, and a per-video Lease keeps two workers from running the
// same video at once. Three drivers implement Store: sqlite (default),
// postgres, and a file driver that keeps meta.json next to the artifacts.
package metadata
