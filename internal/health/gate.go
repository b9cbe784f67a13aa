package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/deployer/internal/model"
)

// sample is one point-in-time readiness observation for a tier.
type sample struct {
	ready   int32
	desired int32
	err     error
	at      time.Time
}

func (s sample) fullyReady() bool {
	return s.err == nil && s.desired > 0 && s.ready >= s.desired
}

type sampleFunc func(ctx context.Context, tier model.Tier) sample

// Gate polls tier readiness and aggregates samples into a HealthVerdict.
// It never mutates cluster state.
type Gate struct {
	client    client.Client
	namespace string

	// PollInterval is the fixed sampling cadence.
	PollInterval time.Duration
	// ConfirmWindow is how long readiness must hold across consecutive
	// samples before the verdict flips to Healthy. A single good sample
	// never promotes.
	ConfirmWindow time.Duration
	// GracePeriod is how long zero readiness or probe errors may persist
	// before the verdict hardens to Unhealthy.
	GracePeriod time.Duration

	sample sampleFunc
}

// NewGate creates a health gate observing workloads in the given namespace.
func NewGate(c client.Client, namespace string) *Gate {
	g := &Gate{
		client:        c,
		namespace:     namespace,
		PollInterval:  5 * time.Second,
		ConfirmWindow: 30 * time.Second,
		GracePeriod:   15 * time.Second,
	}
	g.sample = g.samplePods
	return g
}

// Evaluate samples the tier across the window at the gate's polling interval
// and returns the aggregated verdict. It returns early once readiness has
// held for the full confirmation window.
func (g *Gate) Evaluate(ctx context.Context, tier model.Tier, window time.Duration) model.HealthVerdict {
	logger := log.FromContext(ctx).WithName("health-gate").WithValues("tier", tier)

	ticker := time.NewTicker(g.PollInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(window)
	samples := []sample{g.sample(ctx, tier)}
	readySince := streakStart(samples[0], time.Time{})

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return g.verdict(tier, samples, readySince, logger)
		case <-ticker.C:
			s := g.sample(ctx, tier)
			samples = append(samples, s)
			readySince = streakStart(s, readySince)
			if !readySince.IsZero() && s.at.Sub(readySince) >= g.ConfirmWindow {
				return verdictFrom(tier, s, model.StatusHealthy, "")
			}
		}
	}
	return g.verdict(tier, samples, readySince, logger)
}

// streakStart tracks when the current run of fully-ready samples began.
// Any non-ready sample resets the streak.
func streakStart(s sample, current time.Time) time.Time {
	if !s.fullyReady() {
		return time.Time{}
	}
	if current.IsZero() {
		return s.at
	}
	return current
}

// verdict aggregates a finished sampling window that never confirmed Healthy.
func (g *Gate) verdict(tier model.Tier, samples []sample, readySince time.Time, logger logr.Logger) model.HealthVerdict {
	last := samples[len(samples)-1]

	if !readySince.IsZero() && last.at.Sub(readySince) >= g.ConfirmWindow {
		return verdictFrom(tier, last, model.StatusHealthy, "")
	}

	if d := trailing(samples, func(s sample) bool { return s.err != nil }); d >= g.GracePeriod {
		// Probe infrastructure failures gate exactly like application
		// unhealthiness, but keep the distinct reason for the audit trail.
		reason := fmt.Sprintf("probe errors persisted for %s: %v", d.Round(time.Second), last.err)
		logger.Error(last.err, "probe infrastructure unreachable past grace period")
		return verdictFrom(tier, last, model.StatusUnhealthy, reason)
	}

	if d := trailing(samples, func(s sample) bool { return s.err == nil && s.ready == 0 }); d >= g.GracePeriod {
		return verdictFrom(tier, last, model.StatusUnhealthy,
			fmt.Sprintf("zero ready replicas for %s", d.Round(time.Second)))
	}

	return verdictFrom(tier, last, model.StatusDegraded,
		fmt.Sprintf("%d/%d replicas ready without a confirmed window", last.ready, last.desired))
}

// trailing returns how long the predicate has held across the most recent
// consecutive samples.
func trailing(samples []sample, pred func(sample) bool) time.Duration {
	var start time.Time
	for i := len(samples) - 1; i >= 0; i-- {
		if !pred(samples[i]) {
			break
		}
		start = samples[i].at
	}
	if start.IsZero() {
		return 0
	}
	return samples[len(samples)-1].at.Sub(start)
}

func verdictFrom(tier model.Tier, s sample, status model.HealthStatus, reason string) model.HealthVerdict {
	return model.HealthVerdict{
		Tier:      tier,
		Status:    status,
		Ready:     s.ready,
		Desired:   s.desired,
		SampledAt: s.at,
		Reason:    reason,
	}
}

// samplePods reads the tier's desired replica count from its deployment and
// fans out across its pods concurrently; replicas are independent, so their
// readiness reads are too.
func (g *Gate) samplePods(ctx context.Context, tier model.Tier) sample {
	at := time.Now()

	deployment := &appsv1.Deployment{}
	key := types.NamespacedName{Name: tier.String(), Namespace: g.namespace}
	if err := g.client.Get(ctx, key, deployment); err != nil {
		return sample{err: err, at: at}
	}
	desired := int32(1)
	if deployment.Spec.Replicas != nil {
		desired = *deployment.Spec.Replicas
	}

	pods := &corev1.PodList{}
	err := g.client.List(ctx, pods,
		client.InNamespace(g.namespace),
		client.MatchingLabels{"app.kubernetes.io/name": tier.String()},
	)
	if err != nil {
		return sample{err: err, at: at}
	}

	results := make(chan bool, len(pods.Items))
	var wg sync.WaitGroup
	for i := range pods.Items {
		wg.Add(1)
		go func(pod *corev1.Pod) {
			defer wg.Done()
			results <- podReady(pod)
		}(&pods.Items[i])
	}
	wg.Wait()
	close(results)

	var ready int32
	for ok := range results {
		if ok {
			ready++
		}
	}
	return sample{ready: ready, desired: desired, at: at}
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}
