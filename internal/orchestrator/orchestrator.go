package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/deployer/internal/model"
	"github.com/apptrail-sh/deployer/internal/provision"
	"github.com/apptrail-sh/deployer/internal/release"
)

// Config carries the run's timeout and patience budgets. Every long-running
// operation is bounded: exceeding a budget is a failure, never an indefinite
// block.
type Config struct {
	ProvisionTimeout  time.Duration
	SecretSyncTimeout time.Duration
	RolloutTimeout    time.Duration
	// GateWindow is how long one health evaluation samples a tier.
	GateWindow time.Duration
	// DegradedPatience is how long a Degraded verdict may persist across
	// consecutive gate evaluations before rollback is triggered.
	DegradedPatience time.Duration
	Strategy         release.RollingUpdate
}

// DefaultConfig returns the recommended budgets.
func DefaultConfig() Config {
	return Config{
		ProvisionTimeout:  20 * time.Minute,
		SecretSyncTimeout: 1 * time.Minute,
		RolloutTimeout:    5 * time.Minute,
		GateWindow:        1 * time.Minute,
		DegradedPatience:  2 * time.Minute,
		Strategy:          release.DefaultRollingUpdate(),
	}
}

// Synchronizer materializes secret bundles, re-fetching stale ones.
type Synchronizer interface {
	EnsureFresh(ctx context.Context, bundle *model.SecretBundle) (model.MaterializedBundle, error)
}

// Releaser applies one tier's manifest and waits for rollout completion.
type Releaser interface {
	Rollout(ctx context.Context, spec model.ReleaseSpec, strategy release.RollingUpdate) (model.RolloutRecord, error)
}

// Gate evaluates one tier's health across a sampling window.
type Gate interface {
	Evaluate(ctx context.Context, tier model.Tier, window time.Duration) model.HealthVerdict
}

// History is the append-only rollout audit log.
type History interface {
	Append(ctx context.Context, record model.RolloutRecord) error
	LastKnownGood(tier model.Tier) (model.RolloutRecord, bool)
	Last(tier model.Tier) (model.RolloutRecord, bool)
}

// Orchestrator sequences one deployment attempt: provision, sync secrets,
// release tiers in dependency order, gate each tier, and promote or roll
// back. It runs as a single sequential control loop; the cluster sees at
// most one mutating call at a time.
type Orchestrator struct {
	cfg         Config
	provisioner provision.Provisioner
	syncer      Synchronizer
	releaser    Releaser
	gate        Gate
	history     History

	cluster  model.ClusterSpec
	bundle   *model.SecretBundle
	releases []model.ReleaseSpec

	mu    sync.Mutex
	state State
	tier  model.Tier
}

// New assembles an orchestrator for one environment. Releases must already
// be in dependency order (database, backend, frontend).
func New(
	cfg Config,
	provisioner provision.Provisioner,
	syncer Synchronizer,
	releaser Releaser,
	gate Gate,
	history History,
	cluster model.ClusterSpec,
	bundle *model.SecretBundle,
	releases []model.ReleaseSpec,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		provisioner: provisioner,
		syncer:      syncer,
		releaser:    releaser,
		gate:        gate,
		history:     history,
		cluster:     cluster,
		bundle:      bundle,
		releases:    releases,
		state:       StateInit,
	}
}

// Snapshot returns the current state for the status surface.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{State: o.state, Tier: o.tier}
}

func (o *Orchestrator) setState(s State, tier model.Tier) {
	o.mu.Lock()
	o.state = s
	o.tier = tier
	o.mu.Unlock()
}

// Run drives the state machine to a terminal state. The returned Result is
// Promoted on full success, RolledBack when the safety mechanism recovered
// the prior good state, and Failed otherwise.
func (o *Orchestrator) Run(ctx context.Context) Result {
	logger := log.FromContext(ctx).WithName("orchestrator")

	o.setState(StateProvisioning, "")
	logger.Info("provisioning cluster", "cluster", o.cluster.Name)

	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProvisionTimeout)
	handle, err := o.provisioner.EnsureCluster(pctx, o.cluster)
	cancel()
	if err != nil {
		return o.fail(ctx, fmt.Sprintf("provisioning: %v", err))
	}
	logger.Info("cluster active", "cluster", handle.Name, "endpoint", handle.Endpoint)

	if result, cancelled := o.checkCancelled(ctx); cancelled {
		return result
	}

	o.setState(StateSyncingSecrets, "")
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SecretSyncTimeout)
	materialized, err := o.syncer.EnsureFresh(sctx, o.bundle)
	cancel()
	if err != nil {
		return o.fail(ctx, fmt.Sprintf("secret sync: %v", err))
	}
	logger.Info("secret bundle fresh", "bundle", materialized.SecretName, "revision", materialized.Revision)

	for _, spec := range o.releases {
		if result, cancelled := o.checkCancelled(ctx); cancelled {
			return result
		}

		// The dependency verdict is taken immediately before the apply,
		// never reused from the dependency's own gating pass.
		if spec.DependsOn != "" {
			verdict := o.gate.Evaluate(ctx, spec.DependsOn, o.cfg.GateWindow)
			if !verdict.Healthy() {
				reason := fmt.Sprintf("dependency %s is %s before releasing %s", spec.DependsOn, verdict.Status, spec.Tier)
				return o.rollBack(ctx, spec.DependsOn, reason)
			}
		}

		// A bundle that aged past its refresh interval while earlier tiers
		// rolled out must be re-fetched before this tier consumes it.
		sctx, cancel := context.WithTimeout(ctx, o.cfg.SecretSyncTimeout)
		_, err := o.syncer.EnsureFresh(sctx, o.bundle)
		cancel()
		if err != nil {
			return o.fail(ctx, fmt.Sprintf("secret refresh before %s: %v", spec.Tier, err))
		}

		o.setState(StateReleasing, spec.Tier)
		logger.Info("releasing tier", "tier", spec.Tier, "image", spec.Image)

		record, err := o.rolloutWithRetry(ctx, spec)
		if err != nil {
			o.append(ctx, record)
			return o.rollBack(ctx, spec.Tier, record.Reason)
		}

		o.setState(StateGating, spec.Tier)
		if reason, ok := o.gateWithPatience(ctx, spec.Tier); !ok {
			record.Outcome = model.OutcomeFailed
			record.Reason = reason
			o.append(ctx, record)
			return o.rollBack(ctx, spec.Tier, reason)
		}

		// This record is the tier's future rollback target; losing it
		// cannot be tolerated.
		if err := o.history.Append(ctx, record); err != nil {
			return o.fail(ctx, fmt.Sprintf("recording %s rollout: %v", spec.Tier, err))
		}
		logger.Info("tier promoted", "tier", spec.Tier)
	}

	o.setState(StatePromoted, "")
	logger.Info("deployment promoted")
	return Result{State: StatePromoted}
}

// rolloutWithRetry retries a timed-out rollout exactly once; rejections are
// never retried.
func (o *Orchestrator) rolloutWithRetry(ctx context.Context, spec model.ReleaseSpec) (model.RolloutRecord, error) {
	logger := log.FromContext(ctx).WithName("orchestrator")

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RolloutTimeout)
	record, err := o.releaser.Rollout(rctx, spec, o.cfg.Strategy)
	cancel()

	var rerr *release.Error
	if err != nil && errors.As(err, &rerr) && rerr.TimedOut && ctx.Err() == nil {
		logger.Info("rollout timed out, retrying once", "tier", spec.Tier)
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RolloutTimeout)
		record, err = o.releaser.Rollout(rctx, spec, o.cfg.Strategy)
		cancel()
	}
	return record, err
}

// gateWithPatience evaluates the tier's health, tolerating Degraded verdicts
// for the configured patience window before giving up.
func (o *Orchestrator) gateWithPatience(ctx context.Context, tier model.Tier) (string, bool) {
	logger := log.FromContext(ctx).WithName("orchestrator")
	patience := time.Now().Add(o.cfg.DegradedPatience)

	for {
		verdict := o.gate.Evaluate(ctx, tier, o.cfg.GateWindow)
		switch verdict.Status {
		case model.StatusHealthy:
			return "", true
		case model.StatusUnhealthy:
			return fmt.Sprintf("health gate: %s unhealthy (%d/%d ready): %s",
				tier, verdict.Ready, verdict.Desired, verdict.Reason), false
		case model.StatusDegraded:
			if ctx.Err() != nil || time.Now().After(patience) {
				return fmt.Sprintf("health gate: %s degraded past patience window (%d/%d ready)",
					tier, verdict.Ready, verdict.Desired), false
			}
			logger.Info("tier degraded, waiting within patience window",
				"tier", tier,
				"ready", verdict.Ready,
				"desired", verdict.Desired,
			)
		}
	}
}

// rollBack re-applies the tier's last-known-good release and confirms it
// reaches Healthy. Rollback failure is fatal: it requires operator
// intervention and is never auto-retried.
func (o *Orchestrator) rollBack(ctx context.Context, tier model.Tier, reason string) Result {
	logger := log.FromContext(ctx).WithName("orchestrator")

	// A cancelled run must not issue new mutating calls; whatever triggered
	// the rollback is reported, but the run ends at this checkpoint.
	if result, cancelled := o.checkCancelled(ctx); cancelled {
		return result
	}

	o.setState(StateRollingBack, tier)
	logger.Info("rolling back", "tier", tier, "reason", reason)

	lkg, ok := o.history.LastKnownGood(tier)
	if !ok {
		return o.fail(ctx, fmt.Sprintf("rollback of %s: no last-known-good release in history (%s)", tier, reason))
	}

	spec, ok := o.specFor(tier)
	if !ok {
		return o.fail(ctx, fmt.Sprintf("rollback of %s: tier not part of this environment", tier))
	}
	spec.Image = lkg.Image

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RolloutTimeout)
	record, err := o.releaser.Rollout(rctx, spec, o.cfg.Strategy)
	cancel()
	if err != nil {
		o.append(ctx, record)
		return o.fail(ctx, fmt.Sprintf("rollback of %s to %s failed: %v", tier, lkg.Image, err))
	}

	verdict := o.gate.Evaluate(ctx, tier, o.cfg.GateWindow)
	if !verdict.Healthy() {
		record.Outcome = model.OutcomeFailed
		record.Reason = fmt.Sprintf("rollback target did not reach healthy: %s", verdict.Status)
		o.append(ctx, record)
		return o.fail(ctx, fmt.Sprintf("rollback of %s to %s did not reach healthy", tier, lkg.Image))
	}

	record.Outcome = model.OutcomeRolledBack
	record.Reason = reason
	o.append(ctx, record)

	o.setState(StateRolledBack, tier)
	logger.Info("rolled back to last known good", "tier", tier, "image", lkg.Image)
	return Result{State: StateRolledBack, Reason: reason}
}

// Rollback manually triggers the rollback path for one tier, outside a full
// deployment run.
func (o *Orchestrator) Rollback(ctx context.Context, tier model.Tier) Result {
	return o.rollBack(ctx, tier, fmt.Sprintf("manual rollback of %s requested", tier))
}

// append records a terminal-path entry; a failed write is loud but does not
// preempt the failure handling already in flight.
func (o *Orchestrator) append(ctx context.Context, record model.RolloutRecord) {
	if err := o.history.Append(ctx, record); err != nil {
		log.FromContext(ctx).WithName("orchestrator").Error(err, "failed to append rollout record",
			"tier", record.Tier,
			"outcome", record.Outcome,
		)
	}
}

func (o *Orchestrator) specFor(tier model.Tier) (model.ReleaseSpec, bool) {
	for _, spec := range o.releases {
		if spec.Tier == tier {
			return spec, true
		}
	}
	return model.ReleaseSpec{}, false
}

// checkCancelled lets in-flight work reach its checkpoint, then maps an
// external cancellation onto the Failed terminal state.
func (o *Orchestrator) checkCancelled(ctx context.Context) (Result, bool) {
	if ctx.Err() == nil {
		return Result{}, false
	}
	return o.fail(ctx, "cancelled"), true
}

func (o *Orchestrator) fail(ctx context.Context, reason string) Result {
	logger := log.FromContext(ctx).WithName("orchestrator")
	o.setState(StateFailed, o.Snapshot().Tier)
	logger.Error(nil, "deployment failed", "reason", reason)
	return Result{State: StateFailed, Reason: reason}
}
