package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"demoreel/api/internal/bootstrap"
)

type ReindexOptions struct {
	*RootOptions
	OwnerID string
}

type ReindexResult struct {
	OwnerID string `json:"ownerId"`
	Demos   int    `json:"demos"`
	Indexed int    `json:"indexed"`
}

func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Maintain the demo search index",
	}

	opts := &ReindexOptions{RootOptions: rootOpts}
	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch records of one owner's demos",
		Long: `Load every demo of the owner from the private table and push fresh
search records. With Meilisearch unreachable nothing is written and the
listing fallback keeps serving searches.

Examples:
  democtl search reindex --owner 3d5b1c2a-owner`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(opts, cmd)
		},
	}
	reindex.Flags().StringVar(&opts.OwnerID, "owner", "", "owner id (required)")
	_ = reindex.MarkFlagRequired("owner")
	cmd.AddCommand(reindex)

	return cmd
}

func runReindex(opts *ReindexOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	rt, err := opts.connect(ctx, cmd.ErrOrStderr(), bootstrap.Options{SkipSchemaValidation: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.Service.ReindexOwner(ctx, opts.OwnerID)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load demos", err)
	}
	indexed, err := rt.Search.Reindex(records)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to write search index", err)
	}

	return opts.output(cmd).Success(
		fmt.Sprintf("indexed %d of %d demos for %s", indexed, len(records), opts.OwnerID),
		ReindexResult{OwnerID: opts.OwnerID, Demos: len(records), Indexed: indexed},
	)
}
