package release

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/apptrail-sh/deployer/internal/model"
)

const tierImageMetricName = "deployer_tier_image"

var (
	tierImageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: tierImageMetricName,
		Help: "Image currently rolled out for a given tier",
	}, []string{
		"namespace",
		"tier",
		"image",
		"last_updated",
	})

	metricsRegistered = false
)

// Error is a failed rollout attempt. TimedOut distinguishes a rollout that
// never reached its minimum replica count from a rejected manifest.
type Error struct {
	Tier     model.Tier
	TimedOut bool
	Reason   string
}

func (e *Error) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("rollout of %s timed out: %s", e.Tier, e.Reason)
	}
	return fmt.Sprintf("rollout of %s failed: %s", e.Tier, e.Reason)
}

// RollingUpdate bounds how many replicas may be unavailable or surged while
// old replicas are replaced by new ones.
type RollingUpdate struct {
	MaxUnavailable int32
	MaxSurge       int32
}

// DefaultRollingUpdate guarantees zero downtime: never take a replica away
// before its replacement is Ready.
func DefaultRollingUpdate() RollingUpdate {
	return RollingUpdate{MaxUnavailable: 0, MaxSurge: 1}
}

// Controller applies per-tier workload manifests to the cluster and waits
// for the new generation to reach its minimum replica count. It never rolls
// back on its own; that decision belongs to the orchestrator.
type Controller struct {
	client    client.Client
	namespace string

	// PollInterval is how often deployment status is re-read while waiting
	// for rollout completion.
	PollInterval time.Duration
}

// NewController creates a release controller targeting the given namespace.
func NewController(c client.Client, namespace string) *Controller {
	if !metricsRegistered {
		metrics.Registry.MustRegister(tierImageGauge)
		metricsRegistered = true
	}
	return &Controller{
		client:       c,
		namespace:    namespace,
		PollInterval: 5 * time.Second,
	}
}

// Rollout applies the tier's manifest with the given strategy and blocks
// until the new generation reaches spec.Replicas.Min ready replicas or ctx
// expires, whichever comes first. The returned record reflects the attempt;
// the caller owns appending it to history.
func (c *Controller) Rollout(ctx context.Context, spec model.ReleaseSpec, strategy RollingUpdate) (model.RolloutRecord, error) {
	logger := log.FromContext(ctx).WithName("release").WithValues("tier", spec.Tier, "image", spec.Image)

	if err := spec.Validate(); err != nil {
		rerr := &Error{Tier: spec.Tier, Reason: err.Error()}
		return model.NewRolloutRecord(spec.Tier, spec.Image, model.OutcomeFailed, rerr.Reason), rerr
	}

	deployment := c.buildDeployment(spec, strategy)
	if err := c.applyDeployment(ctx, deployment); err != nil {
		rerr := &Error{Tier: spec.Tier, Reason: fmt.Sprintf("manifest rejected: %v", err)}
		return model.NewRolloutRecord(spec.Tier, spec.Image, model.OutcomeFailed, rerr.Reason), rerr
	}
	if err := c.applyAutoscaler(ctx, spec); err != nil {
		rerr := &Error{Tier: spec.Tier, Reason: fmt.Sprintf("autoscaler rejected: %v", err)}
		return model.NewRolloutRecord(spec.Tier, spec.Image, model.OutcomeFailed, rerr.Reason), rerr
	}

	logger.Info("manifest applied, waiting for rollout",
		"minReplicas", spec.Replicas.Min,
		"maxUnavailable", strategy.MaxUnavailable,
		"maxSurge", strategy.MaxSurge,
	)

	if err := c.awaitRollout(ctx, spec); err != nil {
		return model.NewRolloutRecord(spec.Tier, spec.Image, model.OutcomeFailed, err.Error()), err
	}

	c.recordTierImage(spec)
	logger.Info("rollout complete")
	return model.NewRolloutRecord(spec.Tier, spec.Image, model.OutcomeSucceeded, ""), nil
}

// awaitRollout polls deployment status until the new generation is ready.
func (c *Controller) awaitRollout(ctx context.Context, spec model.ReleaseSpec) error {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &Error{
				Tier:     spec.Tier,
				TimedOut: true,
				Reason:   fmt.Sprintf("did not reach %d ready replicas in time", spec.Replicas.Min),
			}
		case <-ticker.C:
			deployment := &appsv1.Deployment{}
			key := types.NamespacedName{Name: spec.Tier.String(), Namespace: c.namespace}
			if err := c.client.Get(ctx, key, deployment); err != nil {
				// transient read failure, keep polling until ctx expires
				continue
			}
			if deploymentFailed(deployment) {
				return &Error{
					Tier:     spec.Tier,
					TimedOut: true,
					Reason:   "progress deadline exceeded",
				}
			}
			if deploymentReady(deployment, spec.Replicas.Min) {
				return nil
			}
		}
	}
}

// deploymentReady reports whether the current generation has been observed
// and at least min replicas are updated and ready.
func deploymentReady(d *appsv1.Deployment, min int32) bool {
	if d.Status.ObservedGeneration < d.Generation {
		return false
	}
	return d.Status.UpdatedReplicas >= min && d.Status.ReadyReplicas >= min
}

// deploymentFailed mirrors the Progressing=False / ProgressDeadlineExceeded
// signal Kubernetes raises when a rollout stalls.
func deploymentFailed(d *appsv1.Deployment) bool {
	for _, condition := range d.Status.Conditions {
		if condition.Type == appsv1.DeploymentProgressing {
			if condition.Status == corev1.ConditionFalse {
				return true
			}
			if condition.Reason == "ProgressDeadlineExceeded" {
				return true
			}
		}
	}
	return false
}

func (c *Controller) applyDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	err := c.client.Create(ctx, deployment)
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return err
	}

	existing := &appsv1.Deployment{}
	key := types.NamespacedName{Name: deployment.Name, Namespace: deployment.Namespace}
	if err := c.client.Get(ctx, key, existing); err != nil {
		return err
	}
	existing.Labels = deployment.Labels
	existing.Spec = deployment.Spec
	return c.client.Update(ctx, existing)
}

func (c *Controller) recordTierImage(spec model.ReleaseSpec) {
	labelsToDelete := map[string]string{
		"namespace": c.namespace,
		"tier":      spec.Tier.String(),
	}
	tierImageGauge.DeletePartialMatch(labelsToDelete)
	tierImageGauge.WithLabelValues(
		c.namespace,
		spec.Tier.String(),
		spec.Image,
		time.Now().UTC().Format(time.RFC3339),
	).Set(1)
}

func (c *Controller) buildDeployment(spec model.ReleaseSpec, strategy RollingUpdate) *appsv1.Deployment {
	labels := map[string]string{
		"app.kubernetes.io/name":       spec.Tier.String(),
		"app.kubernetes.io/managed-by": "deployer",
	}
	replicas := spec.Replicas.Min
	maxUnavailable := intstr.FromInt32(strategy.MaxUnavailable)
	maxSurge := intstr.FromInt32(strategy.MaxSurge)

	container := corev1.Container{
		Name:      spec.Tier.String(),
		Image:     spec.Image,
		Resources: spec.Resources,
		Ports: []corev1.ContainerPort{
			{Name: "http", ContainerPort: spec.Port},
		},
	}
	if spec.LivenessPath != "" {
		container.LivenessProbe = httpProbe(spec.LivenessPath, spec.Port)
	}
	if spec.ReadinessPath != "" {
		container.ReadinessProbe = httpProbe(spec.ReadinessPath, spec.Port)
	}
	if spec.SecretName != "" {
		container.EnvFrom = []corev1.EnvFromSource{
			{
				SecretRef: &corev1.SecretEnvSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: spec.SecretName},
				},
			},
		}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Tier.String(),
			Namespace: c.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app.kubernetes.io/name": spec.Tier.String()},
			},
			Strategy: appsv1.DeploymentStrategy{
				Type: appsv1.RollingUpdateDeploymentStrategyType,
				RollingUpdate: &appsv1.RollingUpdateDeployment{
					MaxUnavailable: &maxUnavailable,
					MaxSurge:       &maxSurge,
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}
}

func httpProbe(path string, port int32) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: path,
				Port: intstr.FromInt32(port),
			},
		},
		PeriodSeconds:    5,
		FailureThreshold: 3,
	}
}
