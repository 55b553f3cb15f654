// Package daemon coordinates the long-running clipd process.
//
// A Daemon holds the flock-based single-instance lock, consumes the job
// queue, and hands every delivered job to the pipeline orchestrator. Stop
// cancels consumption and waits for the queue driver to drain in-flight
// jobs. APIServer exposes the video endpoints over gin, guarded by a static
// bearer token or HS256 JWTs, plus the Prometheus scrape route.
//
// Keep orchestration logic here: step behavior belongs to the pipeline
// package and transport details to the queue drivers.
package daemon
