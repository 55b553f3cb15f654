// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Inspect runs ffprobe and returns the parsed Result; InspectWith accepts an
// injected runner so callers can test without the binary. Result helpers
// report stream presence, duration, size, and frame dimensions.
package ffprobe
