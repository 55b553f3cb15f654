// Package logs reads daemon and per-video log files for the CLI.
//
// Last returns the final lines of a file without loading it whole, and
// Follow streams appended lines until its context ends. Follow re-resolves
// the path on every poll, so following the clipd.log symlink keeps working
// across daemon restarts that point it at a new run log.
package logs
