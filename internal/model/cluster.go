package model

import (
	"fmt"
	"net"
)

// NodeGroupBounds declares how many nodes the cluster's node group may run.
type NodeGroupBounds struct {
	Min     int32 `json:"min"`
	Desired int32 `json:"desired"`
	Max     int32 `json:"max"`
}

// ClusterSpec is the desired cluster topology for one deployment attempt.
// It is immutable once the attempt starts; the provisioning engine compares
// it against live state and decides no-op vs apply.
type ClusterSpec struct {
	// Name keys provisioning idempotency: re-applying under the same name
	// must never duplicate resources.
	Name              string          `json:"name"`
	KubernetesVersion string          `json:"kubernetesVersion"`
	NodeGroup         NodeGroupBounds `json:"nodeGroup"`
	InstanceClass     string          `json:"instanceClass"`
	Zones             []string        `json:"zones"`
	NetworkCIDR       string          `json:"networkCIDR"`
	PrivateEndpoint   bool            `json:"privateEndpoint"`
}

// Validate checks the spec's structural constraints before any apply is issued.
func (s ClusterSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("cluster name must not be empty")
	}
	ng := s.NodeGroup
	if ng.Min < 0 || ng.Min > ng.Desired || ng.Desired > ng.Max {
		return fmt.Errorf("node group bounds must satisfy 0 <= min <= desired <= max, got min=%d desired=%d max=%d",
			ng.Min, ng.Desired, ng.Max)
	}
	if len(s.Zones) == 0 {
		return fmt.Errorf("cluster %s: at least one availability zone is required", s.Name)
	}
	if s.NetworkCIDR != "" {
		if _, _, err := net.ParseCIDR(s.NetworkCIDR); err != nil {
			return fmt.Errorf("cluster %s: invalid network CIDR %q: %w", s.Name, s.NetworkCIDR, err)
		}
	}
	return nil
}
