package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"clipline/internal/logging"
	"clipline/internal/logs"
	"clipline/internal/pipeline"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var videoID string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the daemon log or one video's pipeline log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.LogDir, logging.CurrentLogName)
			if id := strings.TrimSpace(videoID); id != "" {
				if strings.ContainsAny(id, `/\`) {
					return fmt.Errorf("invalid video id %q", id)
				}
				path = pipeline.NewWorkspace(cfg.VideosDir()).LogPath(id)
			}

			out := cmd.OutOrStdout()
			tail, offset, err := logs.Last(path, lines)
			if err != nil {
				return err
			}
			for _, line := range tail {
				fmt.Fprintln(out, line)
			}
			if !follow {
				if len(tail) == 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "no log lines at %s\n", path)
				}
				return nil
			}
			return logs.Follow(cmd.Context(), path, offset, 250*time.Millisecond, func(line string) {
				fmt.Fprintln(out, line)
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until interrupted")
	cmd.Flags().StringVar(&videoID, "video", "", "Show the pipeline log of this video instead of the daemon log")
	return cmd
}
