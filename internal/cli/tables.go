package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"demoreel/api/internal/bootstrap"
)

func NewTablesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Inspect the DynamoDB tables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate key schemas, status and owner indexes of all three tables",
		Long: `Describe the private, public mirror and lead tables and verify that
each has the expected composite key, is ACTIVE, and carries the owner
index where one is required.

Examples:
  democtl tables check
  democtl tables check --config ./democtl.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTablesCheck(rootOpts, cmd)
		},
	})

	return cmd
}

func runTablesCheck(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	rt, err := opts.connect(ctx, cmd.ErrOrStderr(), bootstrap.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	tables := rt.Dynamo.Tables()
	return opts.output(cmd).Success(
		fmt.Sprintf("tables ok: %s, %s, %s", tables.App, tables.Public, tables.Leads),
		tables,
	)
}
