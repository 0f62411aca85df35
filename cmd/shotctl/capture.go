package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/shotfolio/internal/processor"
	"github.com/jo-hoe/shotfolio/internal/projects"
)

func newCaptureUnlockedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "capture-unlocked",
		Short: "Capture every unlocked project and lock the ones that succeed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			list, err := a.Projects.List(cmd.Context())
			if err != nil {
				return err
			}
			sum := captureProjects(cmd.Context(), a.Log, projects.Unlocked(list), a.Capturer,
				projects.NewRecorder(a.Log, a.Projects, true), cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "captured %d, failed %d, skipped %d\n", sum.captured, sum.failed, sum.skipped)
			if sum.failed > 0 {
				return fmt.Errorf("%d capture(s) failed", sum.failed)
			}
			return nil
		},
	}
}

func newCaptureCommand(opts *rootOptions) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "capture <project-id>",
		Short: "Capture one project, locked or not, and lock it on success",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, err := a.Projects.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if url != "" {
				p.URL = url
			}
			sum := captureProjects(cmd.Context(), a.Log, []projects.Project{*p}, a.Capturer,
				projects.NewRecorder(a.Log, a.Projects, true), cmd.OutOrStdout())
			if sum.skipped > 0 {
				return errors.New("project has no url")
			}
			if sum.failed > 0 {
				return fmt.Errorf("capture of %s failed", p.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "capture this url instead of the stored one")
	return cmd
}

type captureSummary struct {
	captured, failed, skipped int
}

// captureProjects captures list in order, recording every outcome. Projects
// without a url are skipped; a failure never stops the run.
func captureProjects(ctx context.Context, log *slog.Logger, list []projects.Project, capturer processor.Capturer, outcomes processor.Outcomes, out io.Writer) captureSummary {
	var sum captureSummary
	for _, p := range list {
		if ctx.Err() != nil {
			break
		}
		if strings.TrimSpace(p.URL) == "" {
			log.Info("skipping project without url", "project_id", p.ID)
			sum.skipped++
			continue
		}
		res, capErr := capturer.CaptureOne(ctx, p.ID, p.URL)
		title := ""
		if res != nil {
			title = res.Title
		}
		if err := outcomes.Record(context.WithoutCancel(ctx), p.ID, title, capErr); err != nil {
			log.Warn("record screenshot outcome", "project_id", p.ID, "err", err)
		}
		if capErr != nil {
			log.Error("screenshot failed", "project_id", p.ID, "url", p.URL, "err", capErr)
			fmt.Fprintf(out, "FAIL %s %v\n", p.ID, capErr)
			sum.failed++
			continue
		}
		fmt.Fprintf(out, "OK   %s %s\n", p.ID, p.URL)
		sum.captured++
	}
	return sum
}
