package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"clipline/internal/config"
	"clipline/internal/fileutil"
	"clipline/internal/logging"
	"clipline/internal/media/ffprobe"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Encoding holds the delivery encoder settings.
type Encoding struct {
	VideoCodec   string
	CRF          int
	Preset       string
	AudioBitrate string
}

// ExportOptions shapes a re-encode.
type ExportOptions struct {
	// Filters are applied in order before scaling.
	Filters []string
	Width   int
	Height  int
	FPS     int
}

// Engine drives ffmpeg and ffprobe.
type Engine struct {
	ffmpeg   string
	ffprobe  string
	encoding Encoding
	run      Runner
	probeRun ffprobe.Runner
	logger   *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRunner replaces command execution for both binaries.
func WithRunner(run Runner) Option {
	return func(e *Engine) {
		if run != nil {
			e.run = run
			e.probeRun = ffprobe.Runner(run)
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds an engine from configuration.
func NewEngine(cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		ffmpeg:  "ffmpeg",
		ffprobe: "ffprobe",
		encoding: Encoding{
			VideoCodec:   "libx264",
			CRF:          23,
			Preset:       "veryfast",
			AudioBitrate: "128k",
		},
		run:    execCombined,
		logger: logging.NewNop(),
	}
	if cfg != nil {
		if v := strings.TrimSpace(cfg.Media.FFmpegBinary); v != "" {
			e.ffmpeg = v
		}
		if v := strings.TrimSpace(cfg.Media.FFprobeBinary); v != "" {
			e.ffprobe = v
		}
		if v := strings.TrimSpace(cfg.Export.VideoCodec); v != "" {
			e.encoding.VideoCodec = v
		}
		if cfg.Export.CRF > 0 {
			e.encoding.CRF = cfg.Export.CRF
		}
		if v := strings.TrimSpace(cfg.Export.Preset); v != "" {
			e.encoding.Preset = v
		}
		if v := strings.TrimSpace(cfg.Export.AudioBitrate); v != "" {
			e.encoding.AudioBitrate = v
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.NewComponentLogger(e.logger, "media")
	return e
}

// Probe inspects a media file.
func (e *Engine) Probe(ctx context.Context, path string) (ffprobe.Result, error) {
	if e.probeRun != nil {
		return ffprobe.InspectWith(ctx, e.probeRun, e.ffprobe, path)
	}
	return ffprobe.Inspect(ctx, e.ffprobe, path)
}

// DetectSilence runs silencedetect over the input's audio and returns the
// silences together with the probed source duration.
func (e *Engine) DetectSilence(ctx context.Context, in string, noiseDB, minSilence float64) ([]Range, float64, error) {
	probe, err := e.Probe(ctx, in)
	if err != nil {
		return nil, 0, err
	}
	duration := probe.DurationSeconds()
	if !probe.HasAudio() {
		return nil, duration, nil
	}
	filter := fmt.Sprintf("silencedetect=noise=%sdB:d=%s", formatSeconds(noiseDB), formatSeconds(minSilence))
	out, err := e.run(ctx, e.ffmpeg, "-hide_banner", "-nostats", "-i", in, "-af", filter, "-f", "null", "-")
	if err != nil {
		return nil, duration, commandError("silencedetect", err, out)
	}
	return ParseSilences(string(out), duration), duration, nil
}

// RenderCut writes the kept ranges of in to out. A list that keeps the whole
// source is a stream copy.
func (e *Engine) RenderCut(ctx context.Context, in, out string, list CutList) error {
	if list.Full() {
		return e.ffmpegTo(ctx, "render cut", out, "-i", in, "-map", "0", "-c", "copy")
	}
	probe, err := e.Probe(ctx, in)
	if err != nil {
		return err
	}
	graph := cutFilterGraph(list.Keep, probe.HasAudio())
	args := []string{"-i", in, "-filter_complex", graph, "-map", "[v]"}
	if probe.HasAudio() {
		args = append(args, "-map", "[a]")
	}
	args = append(args, e.videoCodecArgs()...)
	if probe.HasAudio() {
		args = append(args, e.audioCodecArgs()...)
	}
	return e.ffmpegTo(ctx, "render cut", out, args...)
}

// Export re-encodes in to out with the configured codec.
func (e *Engine) Export(ctx context.Context, in, out string, opts ExportOptions) error {
	filters := append([]string(nil), opts.Filters...)
	if opts.Width > 0 && opts.Height > 0 {
		filters = append(filters,
			fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", opts.Width, opts.Height),
			fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", opts.Width, opts.Height),
			"setsar=1",
		)
	}
	if opts.FPS > 0 {
		filters = append(filters, "fps="+strconv.Itoa(opts.FPS))
	}
	args := []string{"-i", in, "-map", "0:v:0", "-map", "0:a?"}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	args = append(args, e.videoCodecArgs()...)
	args = append(args, e.audioCodecArgs()...)
	args = append(args, "-movflags", "+faststart")
	return e.ffmpegTo(ctx, "export", out, args...)
}

// MixBackground lays bgm under the input audio at the given volume, looping
// the track to cover the video.
func (e *Engine) MixBackground(ctx context.Context, in, bgm, out string, volume float64) error {
	probe, err := e.Probe(ctx, in)
	if err != nil {
		return err
	}
	var graph string
	if probe.HasAudio() {
		graph = fmt.Sprintf("[1:a]volume=%s[bg];[0:a][bg]amix=inputs=2:duration=first:dropout_transition=0:normalize=0[a]", formatSeconds(volume))
	} else {
		graph = fmt.Sprintf("[1:a]volume=%s[a]", formatSeconds(volume))
	}
	args := []string{"-i", in, "-stream_loop", "-1", "-i", bgm, "-filter_complex", graph,
		"-map", "0:v:0", "-map", "[a]", "-c:v", "copy"}
	args = append(args, e.audioCodecArgs()...)
	args = append(args, "-shortest")
	return e.ffmpegTo(ctx, "mix background", out, args...)
}

// Thumbnail grabs one frame at the given offset, scaled and padded to size.
// Offsets past the end fall back to the first frame.
func (e *Engine) Thumbnail(ctx context.Context, in, out string, at float64, width, height int) error {
	if probe, err := e.Probe(ctx, in); err == nil {
		if d := probe.DurationSeconds(); d > 0 && at >= d {
			at = 0
		}
	}
	vf := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height, width, height)
	return e.ffmpegTo(ctx, "thumbnail", out, "-ss", formatSeconds(at), "-i", in, "-frames:v", "1", "-vf", vf, "-q:v", "2")
}

func (e *Engine) videoCodecArgs() []string {
	return []string{"-c:v", e.encoding.VideoCodec, "-crf", strconv.Itoa(e.encoding.CRF), "-preset", e.encoding.Preset, "-pix_fmt", "yuv420p"}
}

func (e *Engine) audioCodecArgs() []string {
	return []string{"-c:a", "aac", "-b:a", e.encoding.AudioBitrate}
}

// ffmpegTo runs ffmpeg writing to a partial sibling of out and promotes it on success.
func (e *Engine) ffmpegTo(ctx context.Context, op, out string, args ...string) error {
	partial := fileutil.PartialPath(out)
	full := append([]string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}, args...)
	full = append(full, partial)
	e.logger.Debug("ffmpeg", logging.String("operation", op), logging.String("args", strings.Join(full, " ")))

	output, err := e.run(ctx, e.ffmpeg, full...)
	if err != nil {
		_ = os.Remove(partial)
		return commandError(op, err, output)
	}
	ok, statErr := fileutil.NonEmpty(partial)
	if statErr != nil || !ok {
		_ = os.Remove(partial)
		return fmt.Errorf("%s: ffmpeg produced no output", op)
	}
	return fileutil.Promote(partial, out)
}

func cutFilterGraph(keep []Range, audio bool) string {
	var b strings.Builder
	for i, r := range keep {
		fmt.Fprintf(&b, "[0:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS[v%d];", formatSeconds(r.Start), formatSeconds(r.End), i)
		if audio {
			fmt.Fprintf(&b, "[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a%d];", formatSeconds(r.Start), formatSeconds(r.End), i)
		}
	}
	for i := range keep {
		fmt.Fprintf(&b, "[v%d]", i)
		if audio {
			fmt.Fprintf(&b, "[a%d]", i)
		}
	}
	if audio {
		fmt.Fprintf(&b, "concat=n=%d:v=1:a=1[v][a]", len(keep))
	} else {
		fmt.Fprintf(&b, "concat=n=%d:v=1:a=0[v]", len(keep))
	}
	return b.String()
}

// QuoteFilterValue single-quotes a filter option value such as a file path.
func QuoteFilterValue(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func commandError(op string, err error, output []byte) error {
	msg := strings.TrimSpace(string(output))
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if msg == "" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %s", op, err, msg)
}
