package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/apptrail-sh/deployer/internal/model"
	"github.com/apptrail-sh/deployer/internal/orchestrator"
)

type rollbackOpts struct {
	*rootOpts
}

func newRollback(parent *rootOpts) *rollbackOpts {
	return &rollbackOpts{rootOpts: parent}
}

func (opts *rollbackOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <tier>",
		Short: "roll one tier back to its last known good image",
		Args:  cobra.ExactArgs(1),
		RunE:  opts.RunE,
	}
	return cmd
}

func (opts *rollbackOpts) RunE(cmd *cobra.Command, args []string) error {
	tier, err := model.ParseTier(args[0])
	if err != nil {
		return err
	}

	env, err := opts.loadEnvironment("")
	if err != nil {
		return err
	}

	ctx := ctrl.SetupSignalHandler()

	orch, shutdown, err := assemble(ctx, env)
	if err != nil {
		return err
	}

	result := orch.Rollback(ctx, tier)

	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s", env.Name, tier, result.State)
	if result.Reason != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " (%s)", result.Reason)
	}
	fmt.Fprintln(cmd.OutOrStdout())

	// Flush the audit pipeline, then exit. For an operator-requested
	// rollback, landing on the last known good image is the success case.
	shutdown()
	if result.State == orchestrator.StateRolledBack {
		os.Exit(0)
	}
	os.Exit(1)
	return nil
}
