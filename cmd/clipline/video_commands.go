package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"clipline/internal/api"
	"clipline/internal/config"
	"clipline/internal/metadata"
)

func newVideoCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newUploadCommand(ctx),
		newStatusCommand(ctx),
		newResultCommand(ctx),
		newTitlesCommand(ctx),
		newListCommand(ctx),
		newRetryCommand(ctx),
	}
}

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var platformHint string
	var maxDuration float64

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Store a video and queue it for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open upload: %w", err)
			}
			defer file.Close()

			return ctx.withRuntime(cmd, func(rt *runtime) error {
				resp, err := rt.videos.Upload(cmd.Context(), api.UploadRequest{
					Filename:           filepath.Base(path),
					Body:               file,
					PlatformHint:       platformHint,
					MaxDurationSeconds: maxDuration,
				})
				if err != nil {
					return describeError(err)
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (%s)\n", resp.VideoID, filepath.Base(path))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&platformHint, "platform", "", "Target platform hint (tiktok, shorts, reels)")
	cmd.Flags().Float64Var(&maxDuration, "max-duration", 0, "Reject uploads longer than this many seconds")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <video-id>",
		Short: "Show pipeline progress for a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				resp, err := rt.videos.Status(cmd.Context(), args[0])
				if err != nil {
					return describeError(err)
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				renderStatus(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
}

func newResultCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "result <video-id>",
		Short: "Show the download location of a finished video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				resp, err := rt.videos.Result(cmd.Context(), args[0])
				if err != nil {
					if ctx.JSONMode() {
						if apiErr := api.AsError(err); apiErr.Code == api.CodeVideoNotReady {
							return writeJSON(cmd, apiErr.Body())
						}
					}
					return describeError(err)
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if resp.Error != nil {
					fmt.Fprintf(out, "Video %s failed: %s (%s)\n", resp.VideoID, resp.Error.Message, resp.Error.Code)
					if resp.Error.Details != nil && resp.Error.Details.Step != "" {
						fmt.Fprintf(out, "Failed step: %s\n", resp.Error.Details.Step)
					}
					return nil
				}
				fmt.Fprintf(out, "Download:  %s\n", resp.DownloadURL)
				if resp.ThumbnailURL != "" {
					fmt.Fprintf(out, "Thumbnail: %s\n", resp.ThumbnailURL)
				}
				return nil
			})
		},
	}
}

func newTitlesCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var tone string

	cmd := &cobra.Command{
		Use:   "titles <video-id>",
		Short: "Suggest titles from a video's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				resp, err := rt.videos.Titles(cmd.Context(), args[0], limit, tone)
				if err != nil {
					return describeError(err)
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				for i, title := range resp.Titles {
					fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, title)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of suggestions (defaults to titles.default_limit)")
	cmd.Flags().StringVar(&tone, "tone", "", "Tone: casual, professional, or playful")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List videos, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]metadata.Status, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, metadata.Status(strings.TrimSpace(s)))
			}
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				resp, err := rt.videos.List(cmd.Context(), filter, limit)
				if err != nil {
					return describeError(err)
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				if len(resp.Videos) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No videos")
					return nil
				}
				rows := make([][]string, 0, len(resp.Videos))
				for _, v := range resp.Videos {
					rows = append(rows, []string{v.VideoID, v.Filename, v.Status, strconv.Itoa(v.Progress) + "%", v.ErrorCode, v.CreatedAt})
				}
				printTable(cmd.OutOrStdout(), []string{"ID", "File", "Status", "Progress", "Error", "Created"}, rows, 3)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of videos")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <video-id>...",
		Short: "Queue failed or stuck videos again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				var results []api.RetryResponse
				for _, id := range args {
					resp, err := rt.videos.Retry(cmd.Context(), id)
					if err != nil {
						return describeError(err)
					}
					results = append(results, resp)
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, results)
				}
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (was %s)\n", r.VideoID, r.Status)
				}
				return nil
			})
		},
	}
}

// describeError renders API errors as "CODE: message" for the terminal.
func describeError(err error) error {
	apiErr := api.AsError(err)
	if apiErr.Code == api.CodeInternal {
		return err
	}
	return &codedError{code: apiErr.Code, message: apiErr.Message, cause: err}
}

// codedError prints as "CODE: message" and keeps the cause for exit codes.
type codedError struct {
	code    string
	message string
	cause   error
}

func (e *codedError) Error() string { return e.code + ": " + e.message }

func (e *codedError) Unwrap() error { return e.cause }
