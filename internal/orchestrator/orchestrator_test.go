package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/apptrail-sh/deployer/internal/audit"
	"github.com/apptrail-sh/deployer/internal/model"
	"github.com/apptrail-sh/deployer/internal/provision"
	"github.com/apptrail-sh/deployer/internal/release"
)

type fakeProvisioner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeProvisioner) EnsureCluster(_ context.Context, spec model.ClusterSpec) (*provision.ClusterHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return provision.NewClusterHandle(spec.Name, "https://"+spec.Name+".k8s.example.com", nil), nil
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSyncer) EnsureFresh(_ context.Context, bundle *model.SecretBundle) (model.MaterializedBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return model.MaterializedBundle{}, f.err
	}
	if bundle.Stale(time.Now()) {
		bundle.Revision++
		bundle.FetchedAt = time.Now()
	}
	return model.MaterializedBundle{SecretName: bundle.Name, Revision: bundle.Revision}, nil
}

type rolloutCall struct {
	Tier  model.Tier
	Image string
}

// fakeReleaser records every rollout invocation and consumes scripted
// failures per tier in order. onRollout, when set, fires mid-call so a
// spec can interrupt the run while a rollout is in flight.
type fakeReleaser struct {
	mu        sync.Mutex
	calls     []rolloutCall
	failures  map[model.Tier][]error
	onRollout func(model.Tier)
}

func (f *fakeReleaser) Rollout(_ context.Context, spec model.ReleaseSpec, _ release.RollingUpdate) (model.RolloutRecord, error) {
	if f.onRollout != nil {
		f.onRollout(spec.Tier)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rolloutCall{Tier: spec.Tier, Image: spec.Image})
	if errs := f.failures[spec.Tier]; len(errs) > 0 {
		err := errs[0]
		f.failures[spec.Tier] = errs[1:]
		if err != nil {
			return model.NewRolloutRecord(spec.Tier, spec.Image, model.OutcomeFailed, err.Error()), err
		}
	}
	return model.NewRolloutRecord(spec.Tier, spec.Image, model.OutcomeSucceeded, ""), nil
}

func (f *fakeReleaser) rolloutsFor(tier model.Tier) []rolloutCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rolloutCall
	for _, c := range f.calls {
		if c.Tier == tier {
			out = append(out, c)
		}
	}
	return out
}

// fakeGate pops scripted verdict statuses per tier; once a script runs out
// it keeps answering Healthy. statusFor, when set, takes precedence and
// lets a spec derive the verdict from live state instead of a fixed script.
type fakeGate struct {
	mu        sync.Mutex
	scripts   map[model.Tier][]model.HealthStatus
	statusFor func(model.Tier) (model.HealthStatus, bool)
}

func (f *fakeGate) Evaluate(_ context.Context, tier model.Tier, window time.Duration) model.HealthVerdict {
	// a real evaluation consumes the sampling window
	time.Sleep(window)

	f.mu.Lock()
	defer f.mu.Unlock()
	status := model.StatusHealthy
	if f.statusFor != nil {
		if s, ok := f.statusFor(tier); ok {
			status = s
		}
	} else if script := f.scripts[tier]; len(script) > 0 {
		status = script[0]
		f.scripts[tier] = script[1:]
	}
	ready := int32(3)
	if status != model.StatusHealthy {
		ready = 0
	}
	return model.HealthVerdict{Tier: tier, Status: status, Ready: ready, Desired: 3, SampledAt: time.Now()}
}

// failingHistory accepts failAfter appends, then reports the sink down.
type failingHistory struct {
	*audit.History
	failAfter int
	appends   int
}

func (f *failingHistory) Append(ctx context.Context, record model.RolloutRecord) error {
	f.appends++
	if f.appends > f.failAfter {
		return errors.New("audit sink unavailable")
	}
	return f.History.Append(ctx, record)
}

func releaseSpecs() []model.ReleaseSpec {
	return []model.ReleaseSpec{
		{
			Tier:     model.TierDatabase,
			Image:    "registry.example.com/db@sha256:d1",
			Replicas: model.ReplicaBounds{Min: 1, Max: 3},
			Port:     5432,
		},
		{
			Tier:      model.TierBackend,
			Image:     "registry.example.com/backend@sha256:b1",
			Replicas:  model.ReplicaBounds{Min: 2, Max: 6},
			Port:      8080,
			DependsOn: model.TierDatabase,
		},
		{
			Tier:      model.TierFrontend,
			Image:     "registry.example.com/frontend@sha256:f1",
			Replicas:  model.ReplicaBounds{Min: 2, Max: 4},
			Port:      3000,
			DependsOn: model.TierBackend,
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProvisionTimeout = time.Second
	cfg.SecretSyncTimeout = time.Second
	cfg.RolloutTimeout = time.Second
	cfg.GateWindow = 10 * time.Millisecond
	cfg.DegradedPatience = 30 * time.Millisecond
	return cfg
}

var _ = Describe("Orchestrator", func() {
	var (
		provisioner *fakeProvisioner
		syncer      *fakeSyncer
		releaser    *fakeReleaser
		gate        *fakeGate
		history     *audit.History
		bundle      *model.SecretBundle
	)

	newOrchestrator := func() *Orchestrator {
		return New(testConfig(), provisioner, syncer, releaser, gate, history,
			model.ClusterSpec{
				Name:      "staging-01",
				NodeGroup: model.NodeGroupBounds{Min: 2, Desired: 3, Max: 10},
				Zones:     []string{"us-east-1a"},
			},
			bundle,
			releaseSpecs(),
		)
	}

	BeforeEach(func() {
		provisioner = &fakeProvisioner{}
		syncer = &fakeSyncer{}
		releaser = &fakeReleaser{failures: map[model.Tier][]error{}}
		gate = &fakeGate{scripts: map[model.Tier][]model.HealthStatus{}}
		history = audit.NewHistory()
		bundle = &model.SecretBundle{
			Name:            "app-credentials",
			RefreshInterval: time.Hour,
			Refs: []model.SecretRef{
				{Key: "prod/db", Property: "password", Slot: "DB_PASSWORD"},
				{Key: "prod/api", Property: "token", Slot: "API_TOKEN"},
			},
		}
	})

	Describe("a fully healthy deployment", func() {
		It("reaches Promoted with one Succeeded record per tier, in order", func() {
			result := newOrchestrator().Run(context.Background())

			Expect(result.State).To(Equal(StatePromoted))
			Expect(result.ExitCode()).To(Equal(0))
			Expect(provisioner.calls).To(Equal(1))
			Expect(bundle.Revision).To(Equal(int64(1)))

			records := history.All()
			Expect(records).To(HaveLen(3))
			Expect(records[0].Tier).To(Equal(model.TierDatabase))
			Expect(records[1].Tier).To(Equal(model.TierBackend))
			Expect(records[2].Tier).To(Equal(model.TierFrontend))
			for _, record := range records {
				Expect(record.Outcome).To(Equal(model.OutcomeSucceeded))
			}
		})
	})

	Describe("provisioning failure", func() {
		It("terminates in Failed without touching any tier", func() {
			provisioner.err = &provision.Error{Reason: provision.ReasonQuotaExceeded, Message: "quota"}

			result := newOrchestrator().Run(context.Background())

			Expect(result.State).To(Equal(StateFailed))
			Expect(result.ExitCode()).To(Equal(1))
			Expect(releaser.calls).To(BeEmpty())
			Expect(history.All()).To(BeEmpty())
		})
	})

	Describe("a rollout that times out", func() {
		timeout := func() error {
			return &release.Error{Tier: model.TierBackend, TimedOut: true, Reason: "did not reach 2 ready replicas in time"}
		}

		It("retries once and promotes when the retry succeeds", func() {
			releaser.failures[model.TierBackend] = []error{timeout()}

			result := newOrchestrator().Run(context.Background())

			Expect(result.State).To(Equal(StatePromoted))
			Expect(releaser.rolloutsFor(model.TierBackend)).To(HaveLen(2))
		})

		It("rolls back to the last known good image when the retry also times out", func() {
			Expect(history.Append(context.Background(),
				model.NewRolloutRecord(model.TierBackend, "registry.example.com/backend@sha256:b0", model.OutcomeSucceeded, ""),
			)).To(Succeed())
			releaser.failures[model.TierBackend] = []error{timeout(), timeout()}

			result := newOrchestrator().Run(context.Background())

			Expect(result.State).To(Equal(StateRolledBack))
			Expect(result.ExitCode()).To(Equal(2))

			// db release, backend attempt + retry, backend rollback; frontend never invoked
			Expect(releaser.rolloutsFor(model.TierFrontend)).To(BeEmpty())
			backendCalls := releaser.rolloutsFor(model.TierBackend)
			Expect(backendCalls).To(HaveLen(3))
			Expect(backendCalls[2].Image).To(Equal("registry.example.com/backend@sha256:b0"))

			last, ok := history.Last(model.TierBackend)
			Expect(ok).To(BeTrue())
			Expect(last.Outcome).To(Equal(model.OutcomeRolledBack))
			Expect(last.Image).To(Equal("registry.example.com/backend@sha256:b0"))
		})

		It("fails when no last known good release exists", func() {
			releaser.failures[model.TierBackend] = []error{timeout(), timeout()}

			result := newOrchestrator().Run(context.Background())

			Expect(result.State).To(Equal(StateFailed))
			Expect(result.Reason).To(ContainSubstring("no last-known-good"))
		})
	})

	Describe("an unhealthy gate verdict", func() {
		It("marks the tier's record Failed and rolls back", func() {
			Expect(history.Append(context.Background(),
				model.NewRolloutRecord(model.TierFrontend, "registry.example.com/frontend@sha256:f0", model.OutcomeSucceeded, ""),
			)).To(Succeed())
			gate.scripts[model.TierFrontend] = []model.HealthStatus{model.StatusUnhealthy}

			result := newOrchestrator().Run(context.Background())

			Expect(result.State).To(Equal(StateRolledBack))

			records := history.All()
			// pre-seeded f0, db, backend, frontend failed attempt, frontend rollback
			Expect(records).To(HaveLen(5))
			Expect(records[3].Tier).To(Equal(model.TierFrontend))
			Expect(records[3].Outcome).To(Equal(model.OutcomeFailed))
			Expect(records[4].Outcome).To(Equal(model.OutcomeRolledBack))
		})
	})

	Describe("a persistently degraded tier", func() {
		It("waits out the patience window, then rolls back", func() {
			Expect(history.Append(context.Background(),
				model.NewRolloutRecord(model.TierDatabase, "registry.example.com/db@sha256:d0", model.OutcomeSucceeded, ""),
			)).To(Succeed())
			// The new database image never clears Degraded; the last known
			// good image confirms Healthy once the rollback applies it.
			gate.statusFor = func(tier model.Tier) (model.HealthStatus, bool) {
				if tier != model.TierDatabase {
					return "", false
				}
				calls := releaser.rolloutsFor(model.TierDatabase)
				if len(calls) > 0 && calls[len(calls)-1].Image == "registry.example.com/db@sha256:d0" {
					return model.StatusHealthy, true
				}
				return model.StatusDegraded, true
			}

			result := newOrchestrator().Run(context.Background())

			Expect(result.State).To(Equal(StateRolledBack))
			Expect(result.Reason).To(ContainSubstring("patience"))
			Expect(releaser.rolloutsFor(model.TierBackend)).To(BeEmpty())

			last, ok := history.Last(model.TierDatabase)
			Expect(ok).To(BeTrue())
			Expect(last.Outcome).To(Equal(model.OutcomeRolledBack))
			Expect(last.Image).To(Equal("registry.example.com/db@sha256:d0"))
		})
	})

	Describe("dependency ordering", func() {
		It("never releases a tier whose dependency is not Healthy at apply time", func() {
			Expect(history.Append(context.Background(),
				model.NewRolloutRecord(model.TierDatabase, "registry.example.com/db@sha256:d0", model.OutcomeSucceeded, ""),
			)).To(Succeed())
			// The database gates Healthy after its own rollout, then turns
			// Unhealthy by the time the backend's pre-apply check runs.
			gate.scripts[model.TierDatabase] = []model.HealthStatus{model.StatusHealthy, model.StatusUnhealthy}

			result := newOrchestrator().Run(context.Background())

			Expect(result.State).To(Equal(StateRolledBack))
			Expect(releaser.rolloutsFor(model.TierBackend)).To(BeEmpty())
			Expect(releaser.rolloutsFor(model.TierFrontend)).To(BeEmpty())
		})
	})

	Describe("secret sync failure", func() {
		It("terminates in Failed before any tier is released", func() {
			syncer.err = errors.New("secret prod/api: secret not found")

			result := newOrchestrator().Run(context.Background())

			Expect(result.State).To(Equal(StateFailed))
			Expect(releaser.calls).To(BeEmpty())
		})
	})

	Describe("cancellation", func() {
		It("reaches Failed with reason cancelled at the next checkpoint", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			result := newOrchestrator().Run(ctx)

			Expect(result.State).To(Equal(StateFailed))
			Expect(result.Reason).To(Equal("cancelled"))
			Expect(releaser.calls).To(BeEmpty())
		})

		It("issues no further mutating calls when cancelled mid-rollout", func() {
			Expect(history.Append(context.Background(),
				model.NewRolloutRecord(model.TierBackend, "registry.example.com/backend@sha256:b0", model.OutcomeSucceeded, ""),
			)).To(Succeed())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			releaser.onRollout = func(tier model.Tier) {
				if tier == model.TierBackend {
					cancel()
				}
			}
			releaser.failures[model.TierBackend] = []error{
				&release.Error{Tier: model.TierBackend, TimedOut: true, Reason: "interrupted"},
			}

			result := newOrchestrator().Run(ctx)

			Expect(result.State).To(Equal(StateFailed))
			Expect(result.Reason).To(Equal("cancelled"))
			// no retry and no rollback rollout after the cancel, despite a
			// usable last known good image
			Expect(releaser.rolloutsFor(model.TierBackend)).To(HaveLen(1))
			Expect(releaser.rolloutsFor(model.TierFrontend)).To(BeEmpty())
		})
	})

	Describe("an audit sink failure", func() {
		It("fails the run when a promoted tier's record cannot be appended", func() {
			sink := &failingHistory{History: history, failAfter: 1}
			orch := New(testConfig(), provisioner, syncer, releaser, gate, sink,
				model.ClusterSpec{
					Name:      "staging-01",
					NodeGroup: model.NodeGroupBounds{Min: 2, Desired: 3, Max: 10},
					Zones:     []string{"us-east-1a"},
				},
				bundle,
				releaseSpecs(),
			)

			result := orch.Run(context.Background())

			Expect(result.State).To(Equal(StateFailed))
			Expect(result.Reason).To(ContainSubstring("recording backend rollout"))
			// the database record made it in before the sink broke
			Expect(history.All()).To(HaveLen(1))
		})
	})

	Describe("manual rollback", func() {
		It("restores the tier's last known good image", func() {
			Expect(history.Append(context.Background(),
				model.NewRolloutRecord(model.TierBackend, "registry.example.com/backend@sha256:b0", model.OutcomeSucceeded, ""),
			)).To(Succeed())

			result := newOrchestrator().Rollback(context.Background(), model.TierBackend)

			Expect(result.State).To(Equal(StateRolledBack))
			calls := releaser.rolloutsFor(model.TierBackend)
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Image).To(Equal("registry.example.com/backend@sha256:b0"))
		})
	})
})
