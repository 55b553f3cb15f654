// Package services defines shared utilities consumed by pipeline steps and
// external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp video IDs, step names, job IDs, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper. Code and Details turn a
//     failure into the machine-readable record stored on a failed video, and
//     IsPermanent tells the queue whether redelivery can help.
package services
