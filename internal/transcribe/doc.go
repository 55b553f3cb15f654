// Package transcribe runs the whisper command line against a video and
// converts its JSON output into the Transcript persisted as transcript.json.
package transcribe
