package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"clipline/internal/config"
	"clipline/internal/fileutil"
	"clipline/internal/logging"
	"clipline/internal/media"
	"clipline/internal/media/ffprobe"
	"clipline/internal/metadata"
	"clipline/internal/services"
	"clipline/internal/services/drapto"
	"clipline/internal/subtitles"
	"clipline/internal/transcribe"
)

// Transcriber turns a video into a timed transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, video, workDir string) (transcribe.Transcript, error)
}

// MediaEngine is the subset of the ffmpeg engine the steps drive.
type MediaEngine interface {
	Probe(ctx context.Context, path string) (ffprobe.Result, error)
	DetectSilence(ctx context.Context, in string, noiseDB, minSilence float64) ([]media.Range, float64, error)
	RenderCut(ctx context.Context, in, out string, list media.CutList) error
	Export(ctx context.Context, in, out string, opts media.ExportOptions) error
	MixBackground(ctx context.Context, in, bgm, out string, volume float64) error
	Thumbnail(ctx context.Context, in, out string, at float64, width, height int) error
}

// Engines bundles the collaborators the default steps need. Archiver is optional.
type Engines struct {
	Transcriber Transcriber
	Media       MediaEngine
	Archiver    drapto.Archiver
}

// DefaultSteps builds transcribe, cut, subtitle, bgm, export and thumbnail
// in order.
func DefaultSteps(cfg *config.Config, eng Engines) []Step {
	s := &stepSet{cfg: cfg, eng: eng}
	return []Step{
		{
			Name:    metadata.StepTranscribe,
			Inputs:  []Artifact{ArtifactRaw},
			Outputs: []Artifact{ArtifactTranscript},
			Action:  s.transcribe,
		},
		{
			Name:    metadata.StepCut,
			Inputs:  []Artifact{ArtifactRaw},
			Outputs: []Artifact{ArtifactCut, ArtifactCutList},
			Action:  s.cut,
		},
		{
			Name:    metadata.StepSubtitle,
			Inputs:  []Artifact{ArtifactCut, ArtifactTranscript, ArtifactCutList},
			Outputs: []Artifact{ArtifactASS, ArtifactSubtitled},
			Action:  s.subtitle,
		},
		{
			Name:    metadata.StepBGM,
			Inputs:  []Artifact{ArtifactSubtitled},
			Outputs: []Artifact{ArtifactBGM},
			Action:  s.bgm,
		},
		{
			Name:    metadata.StepExport,
			Inputs:  []Artifact{ArtifactBGM},
			Outputs: []Artifact{ArtifactEdited},
			Action:  s.export,
		},
		{
			Name:    metadata.StepThumbnail,
			Inputs:  []Artifact{ArtifactEdited},
			Outputs: []Artifact{ArtifactThumbnail},
			Action:  s.thumbnail,
			Final:   true,
		},
	}
}

type stepSet struct {
	cfg *config.Config
	eng Engines
}

func (s *stepSet) transcribe(ctx context.Context, sc StepContext) (Outcome, error) {
	scratch := sc.Workspace.ScratchDir(sc.Video.ID, metadata.StepTranscribe)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create scratch dir: %w", err)
	}
	transcript, err := s.eng.Transcriber.Transcribe(ctx, sc.Path(ArtifactRaw), scratch)
	if err != nil {
		return Outcome{}, err
	}
	path := sc.Path(ArtifactTranscript)
	if err := transcribe.Save(path, transcript); err != nil {
		return Outcome{}, err
	}
	_ = os.RemoveAll(scratch)
	sc.Logger.Info("transcript written",
		logging.Int("segments", len(transcript.Segments)),
		logging.String("path", path),
	)
	return Outcome{Results: metadata.Result{Transcript: path}}, nil
}

func (s *stepSet) cut(ctx context.Context, sc StepContext) (Outcome, error) {
	raw := sc.Path(ArtifactRaw)
	var list media.CutList
	if s.cfg.Cut.Enabled {
		silences, duration, err := s.eng.Media.DetectSilence(ctx, raw, s.cfg.Cut.NoiseDB, s.cfg.Cut.MinSilence)
		if err != nil {
			return Outcome{}, err
		}
		list = media.PlanCuts(silences, duration, media.CutPolicy{
			NoiseDB:    s.cfg.Cut.NoiseDB,
			MinSilence: s.cfg.Cut.MinSilence,
			Padding:    s.cfg.Cut.Padding,
			MergeGap:   s.cfg.Cut.MergeGap,
			MinKeep:    s.cfg.Cut.MinKeep,
		})
		sc.Logger.Info("silence plan",
			logging.Int("silences", len(silences)),
			logging.Int("keep_ranges", len(list.Keep)),
			logging.Float64("removed_seconds", list.RemovedSeconds),
		)
	} else {
		sc.Logger.Info("silence cutting disabled; copying source")
	}
	if err := s.eng.Media.RenderCut(ctx, raw, sc.Path(ArtifactCut), list); err != nil {
		return Outcome{}, err
	}
	if err := fileutil.WriteJSONAtomic(sc.Path(ArtifactCutList), list); err != nil {
		return Outcome{}, fmt.Errorf("write cut list: %w", err)
	}
	return Outcome{}, nil
}

func (s *stepSet) subtitle(ctx context.Context, sc StepContext) (Outcome, error) {
	transcript, err := transcribe.Load(sc.Path(ArtifactTranscript))
	if err != nil {
		return Outcome{}, err
	}
	list, err := loadCutList(sc.Path(ArtifactCutList))
	if err != nil {
		return Outcome{}, err
	}

	in := sc.Path(ArtifactCut)
	width, height := s.cfg.Export.Width, s.cfg.Export.Height
	if probe, err := s.eng.Media.Probe(ctx, in); err == nil {
		if w, h := probe.Dimensions(); w > 0 && h > 0 {
			width, height = w, h
		}
	}
	style := subtitles.DefaultStyle(width, height)
	cues := subtitles.BuildCues(transcript, list, style)
	ass := sc.Path(ArtifactASS)
	if err := subtitles.WriteASS(ass, cues, style); err != nil {
		return Outcome{}, err
	}

	opts := media.ExportOptions{}
	if len(cues) > 0 {
		opts.Filters = []string{"subtitles=" + media.QuoteFilterValue(ass)}
	}
	if err := s.eng.Media.Export(ctx, in, sc.Path(ArtifactSubtitled), opts); err != nil {
		return Outcome{}, err
	}
	sc.Logger.Info("subtitles burned", logging.Int("cues", len(cues)))
	return Outcome{}, nil
}

func (s *stepSet) bgm(ctx context.Context, sc StepContext) (Outcome, error) {
	in, out := sc.Path(ArtifactSubtitled), sc.Path(ArtifactBGM)
	track := strings.TrimSpace(s.cfg.BGM.Path)
	if track == "" {
		sc.Logger.Info("no background track configured; copying")
		return Outcome{}, fileutil.CopyFileAtomic(in, out)
	}
	if ok, _ := fileutil.NonEmpty(track); !ok {
		logging.WarnWithContext(sc.Logger, "background track missing; copying without music", "bgm_missing",
			logging.String("bgm_path", track),
			logging.String(logging.FieldErrorHint, "check bgm.path or DEFAULT_BGM_PATH"),
		)
		return Outcome{}, fileutil.CopyFileAtomic(in, out)
	}
	return Outcome{}, s.eng.Media.MixBackground(ctx, in, track, out, s.cfg.BGM.Volume)
}

func (s *stepSet) export(ctx context.Context, sc StepContext) (Outcome, error) {
	out := sc.Path(ArtifactEdited)
	err := s.eng.Media.Export(ctx, sc.Path(ArtifactBGM), out, media.ExportOptions{
		Width:  s.cfg.Export.Width,
		Height: s.cfg.Export.Height,
		FPS:    s.cfg.Export.FPS,
	})
	if err != nil {
		return Outcome{}, err
	}
	result := metadata.Result{Video: out}
	if s.cfg.Export.ArchiveAV1 && s.eng.Archiver != nil {
		archive, err := s.eng.Archiver.Archive(ctx, out, filepath.Join(sc.Workspace.Dir(sc.Video.ID), "archive"))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Outcome{}, err
			}
			logging.WarnWithContext(sc.Logger, "archive encode failed; continuing without archive", "archive_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "archive is optional; disable export.archive_av1 to skip"),
			)
		} else {
			result.Archive = archive
		}
	}
	return Outcome{Results: result}, nil
}

func (s *stepSet) thumbnail(ctx context.Context, sc StepContext) (Outcome, error) {
	out := sc.Path(ArtifactThumbnail)
	err := s.eng.Media.Thumbnail(ctx, sc.Path(ArtifactEdited), out,
		s.cfg.Export.ThumbnailAtSeconds, s.cfg.Export.Width, s.cfg.Export.Height)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Results: metadata.Result{Thumbnail: out}}, nil
}

func loadCutList(path string) (media.CutList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return media.CutList{}, err
	}
	var list media.CutList
	if err := json.Unmarshal(data, &list); err != nil {
		return media.CutList{}, services.Wrap(services.ErrStepExecution, metadata.StepSubtitle, "load cut list", "cuts.json is corrupt", err)
	}
	return list, nil
}
