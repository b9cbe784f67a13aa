package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/apptrail-sh/deployer/internal/audit"
	"github.com/apptrail-sh/deployer/internal/buildinfo"
	"github.com/apptrail-sh/deployer/internal/config"
	"github.com/apptrail-sh/deployer/internal/health"
	"github.com/apptrail-sh/deployer/internal/model"
	"github.com/apptrail-sh/deployer/internal/orchestrator"
	"github.com/apptrail-sh/deployer/internal/progress"
	"github.com/apptrail-sh/deployer/internal/provision"
	"github.com/apptrail-sh/deployer/internal/release"
	"github.com/apptrail-sh/deployer/internal/secrets"
)

type deployOpts struct {
	*rootOpts
}

func newDeploy(parent *rootOpts) *deployOpts {
	return &deployOpts{rootOpts: parent}
}

func (opts *deployOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy <environment>",
		Short: "provision the environment's cluster, sync secrets, and roll out all tiers",
		Args:  cobra.ExactArgs(1),
		RunE:  opts.RunE,
	}
	return cmd
}

func (opts *deployOpts) RunE(cmd *cobra.Command, args []string) error {
	env, err := opts.loadEnvironment(args[0])
	if err != nil {
		return err
	}

	ctx := ctrl.SetupSignalHandler()

	orch, shutdown, err := assemble(ctx, env)
	if err != nil {
		return err
	}

	var reporter *progress.Reporter
	if env.ControlPlaneURL != "" {
		reporterConfig := progress.DefaultConfig()
		reporterConfig.Environment = env.Name
		reporter = progress.NewReporter(reporterConfig, orch.Snapshot,
			[]progress.Publisher{progress.NewHTTPPublisher(env.ControlPlaneURL)})
		go reporter.Start(ctx)
	}

	result := orch.Run(ctx)

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s", env.Name, result.State)
	if result.Reason != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " (%s)", result.Reason)
	}
	fmt.Fprintln(cmd.OutOrStdout())

	// os.Exit skips deferred calls; flush everything first so the terminal
	// tier's records reach the publishers.
	if reporter != nil {
		reporter.Stop()
	}
	shutdown()
	os.Exit(result.ExitCode())
	return nil
}

// assemble wires one environment's full deployment stack. The returned
// shutdown function flushes and releases the audit pipeline; callers must
// invoke it before the process exits, because terminal-tier records are
// still in flight to the publishers when the run returns.
func assemble(ctx context.Context, env *config.Environment) (*orchestrator.Orchestrator, func(), error) {
	c, err := client.New(ctrl.GetConfigOrDie(), client.Options{Scheme: clientgoscheme.Scheme})
	if err != nil {
		return nil, nil, fmt.Errorf("build kubernetes client: %w", err)
	}

	provisioner := provision.WithRetry(
		provision.NewHTTPProvisioner(env.ProvisionerURL),
		env.Tunables.ProvisionAttempts,
		env.Tunables.ProvisionBackoff.Duration,
	)

	store := secrets.NewHTTPStore(env.SecretStoreURL, os.Getenv(envVariableStoreToken))
	syncer := secrets.NewSynchronizer(store, c, env.Namespace)

	controller := release.NewController(c, env.Namespace)

	gate := health.NewGate(c, env.Namespace)
	gate.PollInterval = env.Tunables.ProbeInterval.Duration
	gate.ConfirmWindow = env.Tunables.ConfirmWindow.Duration
	gate.GracePeriod = env.Tunables.GracePeriod.Duration

	history, err := openHistory(env)
	if err != nil {
		return nil, nil, err
	}

	publishers, err := buildPublishers(ctx, env)
	if err != nil {
		_ = history.Close()
		return nil, nil, err
	}

	var recordChan chan model.RolloutRecord
	var queue *audit.PublisherQueue
	if len(publishers) > 0 {
		recordChan = make(chan model.RolloutRecord, 100)
		history.SetNotify(recordChan)
		queue = audit.NewPublisherQueue(recordChan, publishers)
		go queue.Loop()
	}

	shutdown := func() {
		_ = history.Close()
		if queue != nil {
			close(recordChan)
			queue.Wait()
		}
		for _, publisher := range publishers {
			if closer, ok := publisher.(io.Closer); ok {
				_ = closer.Close()
			}
		}
	}

	cfg := orchestrator.Config{
		ProvisionTimeout:  env.Tunables.ProvisionTimeout.Duration,
		SecretSyncTimeout: env.Tunables.SecretSyncTimeout.Duration,
		RolloutTimeout:    env.Tunables.RolloutTimeout.Duration,
		GateWindow:        env.Tunables.GateWindow.Duration,
		DegradedPatience:  env.Tunables.DegradedPatience.Duration,
		Strategy:          release.DefaultRollingUpdate(),
	}

	orch := orchestrator.New(cfg, provisioner, syncer, controller, gate, history,
		env.Cluster, env.Secrets.Bundle(), env.Releases)
	return orch, shutdown, nil
}

func openHistory(env *config.Environment) (*audit.History, error) {
	if env.AuditLogPath == "" {
		return audit.NewHistory(), nil
	}
	history, err := audit.OpenHistory(env.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return history, nil
}

func buildPublishers(ctx context.Context, env *config.Environment) ([]audit.Publisher, error) {
	var publishers []audit.Publisher

	if env.ControlPlaneURL != "" {
		publishers = append(publishers,
			audit.NewHTTPPublisher(env.ControlPlaneURL, env.Name, env.Cluster.Name, buildinfo.Version()))
	}
	if env.PubSubTopic != "" {
		pubsubPublisher, err := audit.NewPubSubPublisher(ctx, env.PubSubTopic, env.Name, env.Cluster.Name)
		if err != nil {
			return nil, fmt.Errorf("create pub/sub publisher: %w", err)
		}
		publishers = append(publishers, pubsubPublisher)
	}
	return publishers, nil
}
