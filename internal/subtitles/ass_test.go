package subtitles

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"clipline/internal/media"
	"clipline/internal/transcribe"
)

func TestFormatTimestamp(t *testing.T) {
	tests := map[float64]string{
		0:       "0:00:00.00",
		1.234:   "0:00:01.23",
		61.5:    "0:01:01.50",
		3725.07: "1:02:05.07",
		-1:      "0:00:00.00",
	}
	for in, want := range tests {
		if got := formatTimestamp(in); got != want {
			t.Fatalf("formatTimestamp(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestWrap(t *testing.T) {
	if got := wrap("the quick brown fox jumps", 10); !slices.Equal(got, []string{"the quick", "brown fox", "jumps"}) {
		t.Fatalf("unexpected word wrap %q", got)
	}
	if got := wrap("あいうえおかきくけこさ", 5); !slices.Equal(got, []string{"あいうえお", "かきくけこ", "さ"}) {
		t.Fatalf("unexpected rune wrap %q", got)
	}
	if got := wrap("short", 10); !slices.Equal(got, []string{"short"}) {
		t.Fatalf("unexpected wrap %q", got)
	}
}

func TestBuildCuesRemapsThroughCuts(t *testing.T) {
	transcript := transcribe.Transcript{Segments: []transcribe.Segment{
		{Start: 0.5, End: 1.5, Text: "ＨＥＬＬＯ"},
		{Start: 2.2, End: 4.8, Text: "silence only"},
		{Start: 4.5, End: 6, Text: "welcome back"},
		{Start: 6, End: 6.5, Text: "   "},
	}}
	cuts := media.CutList{SourceDuration: 10, Keep: []media.Range{{Start: 0, End: 2}, {Start: 5, End: 10}}}
	cues := BuildCues(transcript, cuts, DefaultStyle(1280, 720))
	if len(cues) != 2 {
		t.Fatalf("expected 2 cues, got %+v", cues)
	}
	if cues[0].Lines[0] != "HELLO" || cues[0].Start != 0.5 || cues[0].End != 1.5 {
		t.Fatalf("unexpected first cue %+v", cues[0])
	}
	if cues[1].Start != 2 || cues[1].End != 3 {
		t.Fatalf("expected clipped cue on trimmed timeline, got %+v", cues[1])
	}
}

func TestBuildCuesSplitsLongSegments(t *testing.T) {
	style := DefaultStyle(1280, 720)
	style.MaxLineRunes = 4
	style.MaxLines = 1
	transcript := transcribe.Transcript{Segments: []transcribe.Segment{{Start: 0, End: 3, Text: "あいうえおかきく"}}}
	cues := BuildCues(transcript, media.CutList{}, style)
	if len(cues) != 2 {
		t.Fatalf("expected split into 2 cues, got %+v", cues)
	}
	if cues[0].End != 1.5 || cues[1].Start != 1.5 || cues[1].End != 3 {
		t.Fatalf("unexpected timing %+v", cues)
	}
}

func TestRenderASS(t *testing.T) {
	style := DefaultStyle(1280, 720)
	script := RenderASS([]Cue{{Start: 1, End: 2.5, Lines: []string{"line {one}", "line two"}}}, style)
	for _, want := range []string{
		"PlayResX: 1280",
		"PlayResY: 720",
		"Style: Default,Noto Sans CJK JP,48,",
		`Dialogue: 0,0:00:01.00,0:00:02.50,Default,,0,0,0,,line ｛one｝\Nline two`,
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("expected %q in script:\n%s", want, script)
		}
	}
}

func TestWriteASS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subtitle.ass")
	if err := WriteASS(path, nil, DefaultStyle(0, 0)); err != nil {
		t.Fatalf("WriteASS: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "[Events]") {
		t.Fatalf("unexpected script: %v %q", err, data)
	}
}
