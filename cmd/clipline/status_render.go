package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"clipline/internal/api"
	"clipline/internal/pipeline"
)

const (
	ansiReset  = "\033[0m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiDim    = "\033[2m"
)

func renderStatus(w io.Writer, status api.StatusResponse) {
	colorize := shouldColorize(w)
	fmt.Fprintf(w, "Video:    %s\n", status.VideoID)
	fmt.Fprintf(w, "Status:   %s\n", status.Status)
	fmt.Fprintf(w, "Progress: %s %d%%\n", progressBar(status.Progress, 20), status.Progress)
	for _, step := range status.Steps {
		fmt.Fprintf(w, "  %s %s\n", stepGlyph(step.Status, colorize), step.Name)
	}
	if status.Error != nil {
		fmt.Fprintf(w, "Error:    %s: %s\n", status.Error.Code, status.Error.Message)
	}
}

func progressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func stepGlyph(status pipeline.StepStatus, colorize bool) string {
	var glyph, color string
	switch status {
	case pipeline.StepDone:
		glyph, color = "✓", ansiGreen
	case pipeline.StepProcessing:
		glyph, color = "…", ansiYellow
	case pipeline.StepFailed:
		glyph, color = "✗", ansiRed
	default:
		glyph, color = "·", ansiDim
	}
	if !colorize {
		return glyph
	}
	return color + glyph + ansiReset
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
