package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"clipline/internal/deps"
	"clipline/internal/preflight"
)

type checkReport struct {
	Preflight    []preflight.Result `json:"preflight"`
	Dependencies []deps.Status      `json:"dependencies"`
	Features     []preflight.Result `json:"features"`
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify directories, binaries, and configured services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			checkCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			report := checkReport{
				Preflight:    preflight.RunAll(checkCtx, cfg),
				Dependencies: preflight.CheckSystemDeps(cfg),
				Features: []preflight.Result{
					preflight.DescribeTranscription(cfg),
					preflight.DescribeTitles(cfg),
					preflight.DescribeNotifications(cfg),
				},
			}
			failed := len(preflight.Failed(report.Preflight)) + len(deps.Missing(report.Dependencies))
			if ctx.JSONMode() {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				renderCheckReport(cmd, report)
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func renderCheckReport(cmd *cobra.Command, report checkReport) {
	out := cmd.OutOrStdout()
	rows := make([][]string, 0, len(report.Preflight)+len(report.Dependencies))
	for _, r := range report.Preflight {
		rows = append(rows, []string{r.Name, passText(r.Passed), r.Detail})
	}
	for _, d := range report.Dependencies {
		status := passText(d.Available)
		if !d.Available && d.Optional {
			status = "optional"
		}
		detail := d.Command
		if d.Detail != "" {
			detail = d.Detail
		}
		rows = append(rows, []string{d.Name, status, detail})
	}
	printTable(out, []string{"Check", "Result", "Detail"}, rows)
	for _, f := range report.Features {
		fmt.Fprintf(out, "%s: %s\n", f.Name, f.Detail)
	}
}

func passText(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
