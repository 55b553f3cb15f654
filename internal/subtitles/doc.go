// Package subtitles authors the burned-in captions for the subtitle step.
//
// Transcript segments are remapped through the silence cut list onto the
// trimmed timeline, normalized, wrapped, and rendered as an Advanced
// SubStation Alpha script sized to the output frame.
package subtitles
