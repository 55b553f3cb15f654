package media

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// Range is a half-open time span in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the span length, never negative.
func (r Range) Duration() float64 {
	return max(r.End-r.Start, 0)
}

// CutPolicy controls how silences become keep ranges.
type CutPolicy struct {
	NoiseDB    float64
	MinSilence float64
	Padding    float64
	MergeGap   float64
	MinKeep    float64
}

// CutList is the persisted outcome of silence planning (cuts.json).
type CutList struct {
	SourceDuration float64 `json:"source_duration"`
	Keep           []Range `json:"keep"`
	RemovedSeconds float64 `json:"removed_seconds"`
}

const timeEpsilon = 1e-3

// Full reports whether the list keeps the whole source.
func (c CutList) Full() bool {
	if len(c.Keep) == 0 {
		return true
	}
	return len(c.Keep) == 1 && c.Keep[0].Start <= timeEpsilon && c.Keep[0].End >= c.SourceDuration-timeEpsilon
}

// KeptDuration is the length of the trimmed timeline.
func (c CutList) KeptDuration() float64 {
	if len(c.Keep) == 0 {
		return c.SourceDuration
	}
	total := 0.0
	for _, r := range c.Keep {
		total += r.Duration()
	}
	return total
}

// Remap projects [start, end] on the source timeline onto the trimmed one.
// The span is clipped to the kept parts; ok is false when nothing of it survives.
func (c CutList) Remap(start, end float64) (float64, float64, bool) {
	if end < start {
		return 0, 0, false
	}
	if len(c.Keep) == 0 {
		return start, end, end > start
	}
	offset := 0.0
	first, last := -1.0, -1.0
	for _, r := range c.Keep {
		lo := max(start, r.Start)
		hi := min(end, r.End)
		if hi > lo {
			if first < 0 {
				first = offset + (lo - r.Start)
			}
			last = offset + (hi - r.Start)
		}
		offset += r.Duration()
	}
	if first < 0 {
		return 0, 0, false
	}
	return first, last, true
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[0-9.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*(-?[0-9.]+)`)
)

// ParseSilences extracts silence spans from ffmpeg silencedetect stderr. A
// silence still open at end of input runs to duration.
func ParseSilences(output string, duration float64) []Range {
	var (
		silences []Range
		open     = -1.0
	)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				open = max(v, 0)
			}
			continue
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && open >= 0 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				if duration > 0 {
					v = min(v, duration)
				}
				if v > open {
					silences = append(silences, Range{Start: open, End: v})
				}
			}
			open = -1
		}
	}
	if open >= 0 && duration > open {
		silences = append(silences, Range{Start: open, End: duration})
	}
	return silences
}

// PlanCuts computes keep ranges for a source of the given duration:
//  1. each silence is shrunk by Padding on both sides and dropped when the
//     remainder is shorter than MinSilence
//  2. keep ranges are the complement within [0, duration]
//  3. keep ranges separated by less than MergeGap are merged
//  4. keep ranges shorter than MinKeep are dropped unless none would remain,
//     in which case the full source is kept
func PlanCuts(silences []Range, duration float64, policy CutPolicy) CutList {
	list := CutList{SourceDuration: duration}
	if duration <= 0 {
		return list
	}
	full := []Range{{Start: 0, End: duration}}

	var removed []Range
	for _, s := range silences {
		start := max(s.Start, 0) + policy.Padding
		end := min(s.End, duration) - policy.Padding
		if end-start < policy.MinSilence || end <= start {
			continue
		}
		removed = append(removed, Range{Start: start, End: end})
	}

	var keep []Range
	cursor := 0.0
	for _, r := range removed {
		if r.Start > cursor {
			keep = append(keep, Range{Start: cursor, End: r.Start})
		}
		cursor = max(cursor, r.End)
	}
	if cursor < duration {
		keep = append(keep, Range{Start: cursor, End: duration})
	}

	var merged []Range
	for _, r := range keep {
		if n := len(merged); n > 0 && r.Start-merged[n-1].End < policy.MergeGap {
			merged[n-1].End = r.End
			continue
		}
		merged = append(merged, r)
	}

	var kept []Range
	for _, r := range merged {
		if r.Duration() >= policy.MinKeep {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		kept = full
	}

	list.Keep = kept
	list.RemovedSeconds = max(duration-list.KeptDuration(), 0)
	return list
}
