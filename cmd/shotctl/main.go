// Command shotctl is the operator CLI for the screenshot pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/shotfolio/internal/app"
	"github.com/jo-hoe/shotfolio/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "shotctl",
		Short:         "Capture and inspect project screenshots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $SHOTFOLIO_CONFIG or config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.logLevel")

	cmd.AddCommand(
		newCaptureUnlockedCommand(opts),
		newCaptureCommand(opts),
		newStatusCommand(opts),
	)
	return cmd
}

// open loads the config and wires the pipeline; logs go to stderr so stdout stays parseable.
func (o *rootOptions) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Server.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	log, err := app.NewLogger(os.Stderr, level)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}
