package model

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// ReplicaBounds is the replica count range a tier may run at. Min is the
// rollout completion threshold; Max bounds autoscaling.
type ReplicaBounds struct {
	Min int32 `json:"min"`
	Max int32 `json:"max"`
}

// ReleaseSpec is the desired workload state for one tier in one deployment
// attempt. Image must be digest-pinned so the same spec always resolves to
// the same content.
type ReleaseSpec struct {
	Tier      Tier                        `json:"tier"`
	Image     string                      `json:"image"`
	Replicas  ReplicaBounds               `json:"replicas"`
	Port      int32                       `json:"port"`
	Resources corev1.ResourceRequirements `json:"resources,omitempty"`
	// LivenessPath and ReadinessPath are HTTP probe paths served on Port.
	LivenessPath  string `json:"livenessPath"`
	ReadinessPath string `json:"readinessPath"`
	// DependsOn names the tier that must hold a Healthy verdict immediately
	// before this spec is applied. Empty for the first tier.
	DependsOn Tier `json:"dependsOn,omitempty"`
	// SecretName, when set, is mounted into the workload's environment.
	SecretName string `json:"secretName,omitempty"`
}

// Validate checks the spec before it is handed to the release controller.
func (s ReleaseSpec) Validate() error {
	if s.Tier == "" {
		return fmt.Errorf("release spec: tier must not be empty")
	}
	if s.Image == "" {
		return fmt.Errorf("release spec for %s: image must not be empty", s.Tier)
	}
	if !strings.Contains(s.Image, "@sha256:") {
		return fmt.Errorf("release spec for %s: image %q must be digest-pinned, not a mutable tag", s.Tier, s.Image)
	}
	if s.Replicas.Min < 1 || s.Replicas.Min > s.Replicas.Max {
		return fmt.Errorf("release spec for %s: replica bounds must satisfy 1 <= min <= max, got min=%d max=%d",
			s.Tier, s.Replicas.Min, s.Replicas.Max)
	}
	return nil
}
