package subtitles

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"clipline/internal/fileutil"
	"clipline/internal/media"
	"clipline/internal/textutil"
	"clipline/internal/transcribe"
)

// Style controls caption layout.
type Style struct {
	Width        int
	Height       int
	FontName     string
	FontSize     int
	MarginV      int
	MaxLineRunes int
	MaxLines     int
}

// DefaultStyle returns bottom-centred white captions with an outline.
func DefaultStyle(width, height int) Style {
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	return Style{
		Width:        width,
		Height:       height,
		FontName:     "Noto Sans CJK JP",
		FontSize:     max(height/15, 16),
		MarginV:      max(height/24, 10),
		MaxLineRunes: 22,
		MaxLines:     2,
	}
}

// Cue is one caption on the trimmed timeline.
type Cue struct {
	Start float64
	End   float64
	Lines []string
}

// minCueSeconds keeps clipped fragments from flashing on screen.
const minCueSeconds = 0.2

// BuildCues remaps transcript segments through cuts and lays them out per style.
// Segments entirely inside removed regions are dropped; partial ones are clipped.
func BuildCues(t transcribe.Transcript, cuts media.CutList, style Style) []Cue {
	var cues []Cue
	for _, seg := range t.Segments {
		text := textutil.Normalize(seg.Text)
		if text == "" {
			continue
		}
		start, end, ok := cuts.Remap(seg.Start, seg.End)
		if !ok || end-start < minCueSeconds {
			continue
		}
		cues = append(cues, split(start, end, wrap(text, style.MaxLineRunes), style.MaxLines)...)
	}
	return cues
}

// split breaks an over-long caption into consecutive cues, dividing the time
// span in proportion to each chunk's text length.
func split(start, end float64, lines []string, perCue int) []Cue {
	if perCue <= 0 || len(lines) <= perCue {
		return []Cue{{Start: start, End: end, Lines: lines}}
	}
	total := 0
	for _, line := range lines {
		total += utf8.RuneCountInString(line)
	}
	var cues []Cue
	cursor := start
	for i := 0; i < len(lines); i += perCue {
		chunk := lines[i:min(i+perCue, len(lines))]
		n := 0
		for _, line := range chunk {
			n += utf8.RuneCountInString(line)
		}
		next := cursor + (end-start)*float64(n)/float64(max(total, 1))
		if i+perCue >= len(lines) {
			next = end
		}
		cues = append(cues, Cue{Start: cursor, End: next, Lines: chunk})
		cursor = next
	}
	return cues
}

// wrap splits text into lines of at most limit runes, breaking at spaces when
// the text has them.
func wrap(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	words := strings.Fields(text)
	if len(words) == 1 {
		var lines []string
		runes := []rune(text)
		for len(runes) > 0 {
			n := min(limit, len(runes))
			lines = append(lines, string(runes[:n]))
			runes = runes[n:]
		}
		return lines
	}
	var (
		lines   []string
		current string
	)
	for _, word := range words {
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if current != "" && utf8.RuneCountInString(candidate) > limit {
			lines = append(lines, current)
			candidate = word
		}
		if utf8.RuneCountInString(candidate) > limit {
			parts := wrap(candidate, limit)
			lines = append(lines, parts[:len(parts)-1]...)
			candidate = parts[len(parts)-1]
		}
		current = candidate
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

// RenderASS produces a complete ASS script for the cues.
func RenderASS(cues []Cue, style Style) string {
	var b strings.Builder
	b.WriteString("[Script Info]\n")
	b.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&b, "PlayResX: %d\nPlayResY: %d\n", style.Width, style.Height)
	b.WriteString("WrapStyle: 2\nScaledBorderAndShadow: yes\n\n")

	b.WriteString("[V4+ Styles]\n")
	b.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&b, "Style: Default,%s,%d,&H00FFFFFF,&H000000FF,&H00000000,&H80000000,-1,0,0,0,100,100,0,0,1,3,0,2,40,40,%d,1\n\n",
		style.FontName, style.FontSize, style.MarginV)

	b.WriteString("[Events]\n")
	b.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	for _, cue := range cues {
		escaped := make([]string, len(cue.Lines))
		for i, line := range cue.Lines {
			escaped[i] = escapeText(line)
		}
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
			formatTimestamp(cue.Start), formatTimestamp(cue.End), strings.Join(escaped, `\N`))
	}
	return b.String()
}

// WriteASS renders cues and writes the script atomically.
func WriteASS(path string, cues []Cue, style Style) error {
	return fileutil.WriteFileAtomic(path, []byte(RenderASS(cues, style)), 0o644)
}

var textEscaper = strings.NewReplacer(`\`, `＼`, "{", "｛", "}", "｝", "\n", " ")

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

// formatTimestamp renders seconds as H:MM:SS.cc.
func formatTimestamp(seconds float64) string {
	cs := int64(math.Round(max(seconds, 0) * 100))
	h := cs / 360000
	cs -= h * 360000
	m := cs / 6000
	cs -= m * 6000
	s := cs / 100
	cs -= s * 100
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs)
}
