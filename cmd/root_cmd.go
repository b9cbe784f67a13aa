package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/apptrail-sh/deployer/internal/config"
)

const (
	envVariableConfigDir   = "DEPLOYER_CONFIG_DIR"
	envVariableEnvironment = "DEPLOYER_ENVIRONMENT"
	envVariableStoreToken  = "SECRET_STORE_TOKEN"
)

type rootOpts struct {
	ConfigDir   string
	Environment string
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "deployer",
		Short:            "deployer provisions clusters and rolls out tiered releases",
		SilenceUsage:     true,
		PersistentPreRun: opts.PersistentPreRun,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config-dir", defaultString(os.Getenv(envVariableConfigDir), "environments"),
		fmt.Sprintf("directory holding environment files; you can also set the environment variable %s", envVariableConfigDir))
	cmd.PersistentFlags().StringVarP(&opts.Environment, "environment", "e", os.Getenv(envVariableEnvironment),
		fmt.Sprintf("environment name for commands that do not take one as an argument; you can also set %s", envVariableEnvironment))

	cmd.AddCommand(
		newDeploy(opts).Command(),
		newStatus(opts).Command(),
		newRollback(opts).Command(),
		newVersion().Command(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRun(cmd *cobra.Command, _ []string) {
	ctrl.SetLogger(zap.New(zap.UseDevMode(true)))
}

// loadEnvironment reads <config-dir>/<name>.yaml.
func (opts *rootOpts) loadEnvironment(name string) (*config.Environment, error) {
	if name == "" {
		name = opts.Environment
	}
	if name == "" {
		return nil, fmt.Errorf("no environment given; pass one as an argument or set --environment")
	}
	return config.Load(filepath.Join(opts.ConfigDir, name+".yaml"))
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
