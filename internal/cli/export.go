package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"demoreel/api/internal/bootstrap"
)

type ExportOptions struct {
	*RootOptions
	OwnerID string
	Out     string
}

type ExportResult struct {
	DemoID string `json:"demoId"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
}

func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <demoId>",
		Short: "Render a demo walkthrough to PDF",
		Long: `Render the demo's steps with their hotspots into a PDF through
headless Chrome and write it to disk.

Examples:
  democtl export 7f7c1d3e --owner 3d5b1c2a-owner
  democtl export 7f7c1d3e --owner 3d5b1c2a-owner --out tour.pdf`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output path (defaults to the demo name)")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command, demoID string) error {
	ctx := context.Background()

	rt, err := opts.connect(ctx, cmd.ErrOrStderr(), bootstrap.Options{SkipSchemaValidation: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.Service.ExportDemoPDF(ctx, opts.OwnerID, demoID)
	if err != nil {
		return WrapExitError(ExitFailure, "export failed", err)
	}

	path := opts.Out
	if path == "" {
		path = result.Filename
	}
	if err := os.WriteFile(path, result.Data, 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write pdf", err)
	}

	return opts.output(cmd).Success(
		fmt.Sprintf("wrote %s (%d bytes)", path, len(result.Data)),
		ExportResult{DemoID: demoID, Path: path, Bytes: len(result.Data)},
	)
}
