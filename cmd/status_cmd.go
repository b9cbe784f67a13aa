package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/apptrail-sh/deployer/internal/audit"
	"github.com/apptrail-sh/deployer/internal/model"
)

type statusOpts struct {
	*rootOpts
}

func newStatus(parent *rootOpts) *statusOpts {
	return &statusOpts{rootOpts: parent}
}

func (opts *statusOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [environment]",
		Short: "show the last recorded rollout per tier",
		Args:  cobra.MaximumNArgs(1),
		RunE:  opts.RunE,
	}
	return cmd
}

func (opts *statusOpts) RunE(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	env, err := opts.loadEnvironment(name)
	if err != nil {
		return err
	}
	if env.AuditLogPath == "" {
		return fmt.Errorf("environment %s has no auditLogPath; nothing to report", env.Name)
	}

	history, err := audit.OpenHistory(env.AuditLogPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer history.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tOUTCOME\tIMAGE\tWHEN\tREASON")
	for _, tier := range model.TierOrder {
		record, ok := history.Last(tier)
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", tier)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			record.Tier,
			record.Outcome,
			record.Image,
			record.Timestamp.Format("2006-01-02 15:04:05"),
			record.Reason,
		)
	}
	return w.Flush()
}
