package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"demoreel/api/internal/bootstrap"
	"demoreel/api/internal/demo"
)

type MirrorResult struct {
	DemoID  string `json:"demoId"`
	OwnerID string `json:"ownerId"`
	Removed int    `json:"removed,omitempty"`
}

func NewMirrorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Repair the public mirror of a demo",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sync <demoId>",
		Short: "Copy a published demo's metadata and steps to the public table",
		Long: `Re-run the publish mirror for one demo. Use this after a publish
whose mirror write failed; the run is idempotent.

Examples:
  democtl mirror sync 7f7c1d3e-2b1a-4f61-9c0e-5d1f4b2a8e10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMirrorSync(rootOpts, cmd, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "teardown <demoId>",
		Short: "Remove every public mirror item of a demo",
		Long: `Delete the demo's partition from the public table. Private items and
leads are left alone.

Examples:
  democtl mirror teardown 7f7c1d3e-2b1a-4f61-9c0e-5d1f4b2a8e10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMirrorTeardown(rootOpts, cmd, args[0])
		},
	})

	return cmd
}

func runMirrorSync(opts *RootOptions, cmd *cobra.Command, demoID string) error {
	ctx := context.Background()

	rt, err := opts.connect(ctx, cmd.ErrOrStderr(), bootstrap.Options{SkipSchemaValidation: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	meta, err := rt.Dynamo.Private().GetMetadata(ctx, demoID)
	if errors.Is(err, demo.ErrNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("demo %s not found", demoID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load demo", err)
	}
	if meta.Status != demo.StatusPublished {
		return NewExitError(ExitFailure, fmt.Sprintf("demo %s is %s, publish it first", demoID, meta.Status))
	}

	if err := rt.Service.MirrorDemoToPublic(ctx, meta.OwnerID, demoID, nil); err != nil {
		return WrapExitError(ExitFailure, "mirror sync failed", err)
	}

	return opts.output(cmd).Success(
		fmt.Sprintf("mirrored %s", demoID),
		MirrorResult{DemoID: demoID, OwnerID: meta.OwnerID},
	)
}

func runMirrorTeardown(opts *RootOptions, cmd *cobra.Command, demoID string) error {
	ctx := context.Background()

	rt, err := opts.connect(ctx, cmd.ErrOrStderr(), bootstrap.Options{SkipSchemaValidation: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	// A deleted demo is only known to the mirror.
	meta, err := rt.Dynamo.Private().GetMetadata(ctx, demoID)
	if errors.Is(err, demo.ErrNotFound) {
		meta, err = rt.Dynamo.Mirror().GetMetadata(ctx, demoID)
	}
	if errors.Is(err, demo.ErrNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("demo %s not found", demoID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load demo", err)
	}

	removed, err := rt.Service.DeletePublicMirror(ctx, meta.OwnerID, demoID)
	if err != nil {
		return WrapExitError(ExitFailure, "mirror teardown failed", err)
	}

	return opts.output(cmd).Success(
		fmt.Sprintf("removed %d mirror items for %s", removed, demoID),
		MirrorResult{DemoID: demoID, OwnerID: meta.OwnerID, Removed: removed},
	)
}
