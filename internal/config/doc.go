// Package config loads, normalizes, and validates clipline configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// WORKER_CONCURRENCY and DEFAULT_BGM_PATH. The Config type centralizes every
// knob the daemon, worker, and CLI need so storage, queue, and engine
// settings are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical drivers, and clear validation errors.
package config
