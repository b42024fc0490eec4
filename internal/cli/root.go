// Package cli implements democtl, the operator tool for the demo tables.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"demoreel/api/internal/bootstrap"
	"demoreel/api/internal/config"
)

// Opener connects the runtime a command works against.
type Opener func(ctx context.Context, cfg config.Config, logger *slog.Logger, opts bootstrap.Options) (*bootstrap.Runtime, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "json" | "text"

	open Opener
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the democtl root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(bootstrap.Open)
}

func newRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "democtl",
		Short: "Operate demoreel demo tables",
		Long:  "Inspect and repair demoreel demos, their public mirror, leads and search index.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file layered over the environment")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewTablesCommand(opts))
	cmd.AddCommand(NewMirrorCommand(opts))
	cmd.AddCommand(NewLeadsCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewSearchCommand(opts))

	return cmd
}

// connect loads configuration and opens the runtime. The caller closes it.
func (o *RootOptions) connect(ctx context.Context, stderr io.Writer, bopts bootstrap.Options) (*bootstrap.Runtime, error) {
	cfg, err := config.LoadFile(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	rt, err := o.open(ctx, cfg, logger, bopts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect", err)
	}
	return rt, nil
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
