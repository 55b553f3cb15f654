package transcribe

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"clipline/internal/fileutil"
)

// Segment is one timed span of recognized speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the persisted speech-to-text result.
type Transcript struct {
	Segments []Segment `json:"segments"`
	FullText string    `json:"full_text"`
}

// Empty reports whether no speech was recognized.
func (t Transcript) Empty() bool {
	return strings.TrimSpace(t.FullText) == "" && len(t.Segments) == 0
}

// Load reads a transcript file.
func Load(path string) (Transcript, error) {
	var t Transcript
	data, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("decode transcript: %w", err)
	}
	return t, nil
}

// Save writes a transcript atomically.
func Save(path string, t Transcript) error {
	if t.Segments == nil {
		t.Segments = []Segment{}
	}
	return fileutil.WriteJSONAtomic(path, t)
}
