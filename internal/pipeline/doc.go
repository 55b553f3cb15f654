// Package pipeline runs a video through the fixed chain of processing steps.
//
// The Registry holds the ordered step descriptors. Each step declares the
// workspace artifacts it reads and writes; NewRegistry rejects a chain whose
// inputs are not produced upstream. Registry.Run enforces the commit order
// every step shares: inputs verified, action run, outputs verified, then the
// step flag, results, and status persisted with a compare-and-swap save.
//
// The Orchestrator takes a per-video lease, walks the registry skipping steps
// whose flag is already set, and records a structured failure on the video
// when a step fails. Project derives the progress view served to clients.
package pipeline
