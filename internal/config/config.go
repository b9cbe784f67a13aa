package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/apptrail-sh/deployer/internal/model"
)

// Tunables are the run's timeout, patience and retry knobs. Defaults are
// reasonable, not mandated; environments override them freely.
type Tunables struct {
	ProvisionTimeout  metav1.Duration `json:"provisionTimeout,omitempty"`
	ProvisionAttempts uint64          `json:"provisionAttempts,omitempty"`
	ProvisionBackoff  metav1.Duration `json:"provisionBackoff,omitempty"`
	SecretSyncTimeout metav1.Duration `json:"secretSyncTimeout,omitempty"`
	RolloutTimeout    metav1.Duration `json:"rolloutTimeout,omitempty"`
	GateWindow        metav1.Duration `json:"gateWindow,omitempty"`
	ConfirmWindow     metav1.Duration `json:"confirmWindow,omitempty"`
	ProbeInterval     metav1.Duration `json:"probeInterval,omitempty"`
	GracePeriod       metav1.Duration `json:"gracePeriod,omitempty"`
	DegradedPatience  metav1.Duration `json:"degradedPatience,omitempty"`
}

// DefaultTunables returns the recommended budgets.
func DefaultTunables() Tunables {
	return Tunables{
		ProvisionTimeout:  metav1.Duration{Duration: 20 * time.Minute},
		ProvisionAttempts: 3,
		ProvisionBackoff:  metav1.Duration{Duration: 5 * time.Second},
		SecretSyncTimeout: metav1.Duration{Duration: 1 * time.Minute},
		RolloutTimeout:    metav1.Duration{Duration: 5 * time.Minute},
		GateWindow:        metav1.Duration{Duration: 1 * time.Minute},
		ConfirmWindow:     metav1.Duration{Duration: 30 * time.Second},
		ProbeInterval:     metav1.Duration{Duration: 5 * time.Second},
		GracePeriod:       metav1.Duration{Duration: 15 * time.Second},
		DegradedPatience:  metav1.Duration{Duration: 2 * time.Minute},
	}
}

// SecretsConfig declares the environment's secret bundle.
type SecretsConfig struct {
	Name            string            `json:"name"`
	RefreshInterval metav1.Duration   `json:"refreshInterval"`
	Refs            []model.SecretRef `json:"refs"`
}

// Bundle converts the declaration into a runtime bundle at revision zero.
func (s SecretsConfig) Bundle() *model.SecretBundle {
	return &model.SecretBundle{
		Name:            s.Name,
		RefreshInterval: s.RefreshInterval.Duration,
		Refs:            s.Refs,
	}
}

// Environment is one deployable environment's full declaration.
type Environment struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`

	ProvisionerURL string `json:"provisionerURL"`
	SecretStoreURL string `json:"secretStoreURL"`

	// Optional audit fan-out targets.
	ControlPlaneURL string `json:"controlPlaneURL,omitempty"`
	PubSubTopic     string `json:"pubsubTopic,omitempty"`
	AuditLogPath    string `json:"auditLogPath,omitempty"`

	Cluster  model.ClusterSpec   `json:"cluster"`
	Secrets  SecretsConfig       `json:"secrets"`
	Releases []model.ReleaseSpec `json:"releases"`
	Tunables Tunables            `json:"tunables,omitempty"`
}

// Load reads and validates one environment file.
func Load(path string) (*Environment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environment file %s: %w", path, err)
	}

	env := &Environment{Tunables: DefaultTunables()}
	if err := yaml.UnmarshalStrict(raw, env); err != nil {
		return nil, fmt.Errorf("parse environment file %s: %w", path, err)
	}
	env.applyDefaults()

	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("environment file %s: %w", path, err)
	}
	return env, nil
}

func (e *Environment) applyDefaults() {
	defaults := DefaultTunables()
	if e.Tunables.ProvisionTimeout.Duration == 0 {
		e.Tunables.ProvisionTimeout = defaults.ProvisionTimeout
	}
	if e.Tunables.ProvisionAttempts == 0 {
		e.Tunables.ProvisionAttempts = defaults.ProvisionAttempts
	}
	if e.Tunables.ProvisionBackoff.Duration == 0 {
		e.Tunables.ProvisionBackoff = defaults.ProvisionBackoff
	}
	if e.Tunables.SecretSyncTimeout.Duration == 0 {
		e.Tunables.SecretSyncTimeout = defaults.SecretSyncTimeout
	}
	if e.Tunables.RolloutTimeout.Duration == 0 {
		e.Tunables.RolloutTimeout = defaults.RolloutTimeout
	}
	if e.Tunables.GateWindow.Duration == 0 {
		e.Tunables.GateWindow = defaults.GateWindow
	}
	if e.Tunables.ConfirmWindow.Duration == 0 {
		e.Tunables.ConfirmWindow = defaults.ConfirmWindow
	}
	if e.Tunables.ProbeInterval.Duration == 0 {
		e.Tunables.ProbeInterval = defaults.ProbeInterval
	}
	if e.Tunables.GracePeriod.Duration == 0 {
		e.Tunables.GracePeriod = defaults.GracePeriod
	}
	if e.Tunables.DegradedPatience.Duration == 0 {
		e.Tunables.DegradedPatience = defaults.DegradedPatience
	}
	if e.Namespace == "" {
		e.Namespace = "app-" + e.Name
	}
	if e.Secrets.RefreshInterval.Duration == 0 {
		e.Secrets.RefreshInterval = metav1.Duration{Duration: time.Hour}
	}
	// Releases run in tier dependency order regardless of file order.
	order := map[model.Tier]int{}
	for i, tier := range model.TierOrder {
		order[tier] = i
	}
	sort.SliceStable(e.Releases, func(i, j int) bool {
		return order[e.Releases[i].Tier] < order[e.Releases[j].Tier]
	})
}

// Validate checks the environment for configuration defects that would
// otherwise only surface mid-deployment.
func (e *Environment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("environment name must not be empty")
	}
	if e.ProvisionerURL == "" {
		return fmt.Errorf("provisionerURL must not be empty")
	}
	if e.SecretStoreURL == "" && len(e.Secrets.Refs) > 0 {
		return fmt.Errorf("secretStoreURL must be set when secret refs are declared")
	}
	if e.Secrets.Name == "" && len(e.Secrets.Refs) > 0 {
		return fmt.Errorf("secrets.name must be set when secret refs are declared")
	}
	if err := e.Cluster.Validate(); err != nil {
		return err
	}
	if len(e.Releases) == 0 {
		return fmt.Errorf("at least one release must be declared")
	}
	seen := map[model.Tier]bool{}
	for _, spec := range e.Releases {
		if err := spec.Validate(); err != nil {
			return err
		}
		if seen[spec.Tier] {
			return fmt.Errorf("tier %s declared more than once", spec.Tier)
		}
		seen[spec.Tier] = true
		if spec.DependsOn != "" && !seen[spec.DependsOn] {
			return fmt.Errorf("tier %s depends on %s, which is not declared before it", spec.Tier, spec.DependsOn)
		}
	}
	return nil
}
