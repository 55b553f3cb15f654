// Package textutil provides the text helpers shared by subtitles, titles,
// and upload intake: Unicode normalization, filename sanitization, and a
// token fingerprint for near-duplicate detection.
package textutil
