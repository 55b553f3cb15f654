// Package media wraps the ffmpeg and ffprobe command lines used by the
// pipeline steps.
//
// Engine renders every artifact to a hidden partial file next to the target
// and promotes it with fsync plus rename, so a step only ever sees complete
// outputs. PlanCuts turns silencedetect output into keep ranges and CutList
// remaps transcript timestamps onto the trimmed timeline.
package media
