package drapto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	draptolib "github.com/five82/drapto"
)

// Archiver produces an archive-grade encode of a finished video.
type Archiver interface {
	Archive(ctx context.Context, inputPath, outputDir string) (string, error)
}

// Library implements Archiver using the Drapto Go library directly.
type Library struct{}

// NewLibrary constructs a Library archiver.
func NewLibrary() *Library {
	return &Library{}
}

// OutputPath is where Archive writes the encode of inputPath inside outputDir.
func OutputPath(inputPath, outputDir string) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return filepath.Join(strings.TrimSpace(outputDir), stem+".mkv")
}

// Archive encodes inputPath to <outputDir>/<stem>.mkv and returns that path.
func (l *Library) Archive(ctx context.Context, inputPath, outputDir string) (string, error) {
	if strings.TrimSpace(inputPath) == "" {
		return "", errors.New("input path required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return "", errors.New("output directory required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	encoder, err := draptolib.New(draptolib.WithResponsive())
	if err != nil {
		return "", fmt.Errorf("init drapto: %w", err)
	}
	if _, err := encoder.EncodeWithReporter(ctx, inputPath, outputDir, nil); err != nil {
		return "", fmt.Errorf("drapto encode: %w", err)
	}
	return OutputPath(inputPath, outputDir), nil
}

var _ Archiver = (*Library)(nil)
