package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"demoreel/api/internal/app"
	"demoreel/api/internal/bootstrap"
	"demoreel/api/internal/demo"
)

type LeadsOptions struct {
	*RootOptions
	OwnerID string
	DemoID  string
}

func NewLeadsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "Read captured leads",
	}

	opts := &LeadsOptions{RootOptions: rootOpts}
	list := &cobra.Command{
		Use:   "list",
		Short: "List an owner's leads, newest first",
		Long: `List every lead captured for an owner, or only those of one demo.
Leads of deleted demos are still found through the owner index.

Examples:
  democtl leads list --owner 3d5b1c2a-owner
  democtl leads list --owner 3d5b1c2a-owner --demo 7f7c1d3e --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeadsList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.OwnerID, "owner", "", "owner id (required)")
	_ = list.MarkFlagRequired("owner")
	list.Flags().StringVar(&opts.DemoID, "demo", "", "restrict to one demo")
	cmd.AddCommand(list)

	return cmd
}

func runLeadsList(opts *LeadsOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	rt, err := opts.connect(ctx, cmd.ErrOrStderr(), bootstrap.Options{SkipSchemaValidation: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	var result app.SmartLeads
	if opts.DemoID == "" {
		leads, err := rt.Service.ListAllMyLeads(ctx, opts.OwnerID)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list leads", err)
		}
		result.Leads = leads
	} else {
		result, err = rt.Service.ListLeadSubmissionsSmartly(ctx, opts.OwnerID, opts.DemoID)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list leads", err)
		}
	}

	return opts.output(cmd).Success(formatLeads(result), result)
}

func formatLeads(result app.SmartLeads) string {
	var b bytes.Buffer
	if result.DemoName != "" {
		fmt.Fprintf(&b, "%s", result.DemoName)
		if result.IsDemoDeleted {
			b.WriteString(" (deleted)")
		}
		b.WriteString("\n")
	}
	if len(result.Leads) == 0 {
		b.WriteString("no leads")
		return b.String()
	}

	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CAPTURED\tDEMO\tEMAIL\tSOURCE")
	for _, lead := range result.Leads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", demo.FormatTime(lead.CreatedAt), leadDemoName(lead), lead.Email, lead.Source)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func leadDemoName(lead demo.Lead) string {
	if name, ok := lead.Fields[demo.DemoNameField].(string); ok && name != "" {
		return name
	}
	return lead.DemoID
}
