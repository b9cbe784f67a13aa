package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apptrail-sh/deployer/internal/buildinfo"
)

type versionOpts struct{}

func newVersion() *versionOpts {
	return &versionOpts{}
}

func (opts *versionOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "print the deployer version",
		RunE:  opts.RunE,
	}
	return cmd
}

func (opts *versionOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("version takes no arguments")
	}
	fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Version())
	return nil
}
