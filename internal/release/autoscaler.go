package release

import (
	"context"

	autoscalingv2 "k8s.io/api/autoscaling/v2"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/apptrail-sh/deployer/internal/model"
)

const defaultCPUTargetPercent = int32(80)

// applyAutoscaler binds the tier's replica bounds to a HorizontalPodAutoscaler
// so the workload may scale between Min and Max after the rollout completes.
func (c *Controller) applyAutoscaler(ctx context.Context, spec model.ReleaseSpec) error {
	hpa := c.buildAutoscaler(spec)

	err := c.client.Create(ctx, hpa)
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return err
	}

	existing := &autoscalingv2.HorizontalPodAutoscaler{}
	key := types.NamespacedName{Name: hpa.Name, Namespace: hpa.Namespace}
	if err := c.client.Get(ctx, key, existing); err != nil {
		return err
	}
	existing.Spec = hpa.Spec
	return c.client.Update(ctx, existing)
}

func (c *Controller) buildAutoscaler(spec model.ReleaseSpec) *autoscalingv2.HorizontalPodAutoscaler {
	minReplicas := spec.Replicas.Min
	cpuTarget := defaultCPUTargetPercent

	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Tier.String(),
			Namespace: c.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name":       spec.Tier.String(),
				"app.kubernetes.io/managed-by": "deployer",
			},
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       spec.Tier.String(),
			},
			MinReplicas: &minReplicas,
			MaxReplicas: spec.Replicas.Max,
			Metrics: []autoscalingv2.MetricSpec{
				{
					Type: autoscalingv2.ResourceMetricSourceType,
					Resource: &autoscalingv2.ResourceMetricSource{
						Name: "cpu",
						Target: autoscalingv2.MetricTarget{
							Type:               autoscalingv2.UtilizationMetricType,
							AverageUtilization: &cpuTarget,
						},
					},
				},
			},
		},
	}
}
