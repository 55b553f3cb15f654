// Command clipline is the operator CLI for the clip pipeline.
//
// It runs the daemon (clipline run), submits uploads, inspects video and
// queue state, and manages configuration. Video and queue commands open the
// configured metadata store and job queue directly, so they work whether or
// not clipd is running.
package main
