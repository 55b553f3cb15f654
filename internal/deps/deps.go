package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"clipline/internal/config"
)

// Requirement defines an external dependency clipline relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// Requirements lists the binaries the configured pipeline shells out to.
func Requirements(cfg *config.Config) []Requirement {
	ffprobe := "ffprobe"
	whisper := "whisper"
	if cfg != nil {
		if v := strings.TrimSpace(cfg.Media.FFprobeBinary); v != "" {
			ffprobe = v
		}
		if fields := strings.Fields(cfg.Transcription.Command); len(fields) > 0 {
			whisper = fields[0]
		}
	}
	return []Requirement{
		{Name: "FFprobe", Command: ffprobe, Description: "Inspects uploads and intermediate files"},
		{Name: "Whisper", Command: whisper, Description: "Transcribes speech for subtitles and titles"},
	}
}

// Check resolves every requirement of cfg, ffmpeg included.
func Check(cfg *config.Config) []Status {
	configured := ""
	if cfg != nil {
		configured = cfg.Media.FFmpegBinary
	}
	results := []Status{ResolveFFmpeg(configured)}
	return append(results, CheckBinaries(Requirements(cfg))...)
}

// Missing returns the names of unavailable required dependencies.
func Missing(statuses []Status) []string {
	var names []string
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			names = append(names, s.Name)
		}
	}
	return names
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}
