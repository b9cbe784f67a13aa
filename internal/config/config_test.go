package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apptrail-sh/deployer/internal/model"
)

const validEnvironment = `
name: staging
provisionerURL: https://provisioner.internal
secretStoreURL: https://secrets.internal
cluster:
  name: staging-eu
  kubernetesVersion: "1.31"
  instanceClass: n2-standard-4
  zones: [europe-west1-b]
  networkCIDR: 10.64.0.0/16
  nodeGroup:
    min: 1
    desired: 3
    max: 6
secrets:
  name: app-secrets
  refreshInterval: 30m
  refs:
    - key: staging/database
      property: url
      slot: DATABASE_URL
releases:
  - tier: frontend
    image: registry.internal/frontend@sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
    replicas: {min: 2, max: 4}
    port: 8080
    livenessPath: /healthz
    readinessPath: /readyz
    dependsOn: backend
  - tier: database
    image: registry.internal/database@sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
    replicas: {min: 1, max: 1}
    port: 5432
    livenessPath: /healthz
    readinessPath: /readyz
  - tier: backend
    image: registry.internal/backend@sha256:cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc
    replicas: {min: 2, max: 6}
    port: 9000
    livenessPath: /healthz
    readinessPath: /readyz
    dependsOn: database
    secretName: app-secrets
tunables:
  rolloutTimeout: 10m
`

func writeEnvFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "env.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadValidEnvironment(t *testing.T) {
	env, err := Load(writeEnvFile(t, validEnvironment))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if env.Namespace != "app-staging" {
		t.Errorf("expected defaulted namespace app-staging, got %s", env.Namespace)
	}
	if got := env.Tunables.RolloutTimeout.Duration; got != 10*time.Minute {
		t.Errorf("expected overridden rollout timeout 10m, got %s", got)
	}
	if got := env.Tunables.ProvisionTimeout.Duration; got != 20*time.Minute {
		t.Errorf("expected default provision timeout 20m, got %s", got)
	}
	if got := env.Tunables.ProvisionAttempts; got != 3 {
		t.Errorf("expected default provision attempts 3, got %d", got)
	}
	if got := env.Tunables.GracePeriod.Duration; got != 15*time.Second {
		t.Errorf("expected default grace period 15s, got %s", got)
	}

	want := []model.Tier{model.TierDatabase, model.TierBackend, model.TierFrontend}
	for i, spec := range env.Releases {
		if spec.Tier != want[i] {
			t.Fatalf("release %d: expected tier %s, got %s", i, want[i], spec.Tier)
		}
	}

	bundle := env.Secrets.Bundle()
	if bundle.RefreshInterval != 30*time.Minute {
		t.Errorf("expected refresh interval 30m, got %s", bundle.RefreshInterval)
	}
	if bundle.Revision != 0 {
		t.Errorf("expected fresh bundle at revision 0, got %d", bundle.Revision)
	}
}

func TestLoadRejectsInvalidEnvironments(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "empty name",
			mutate:  func(s string) string { return strings.Replace(s, "name: staging", `name: ""`, 1) },
			wantErr: "name must not be empty",
		},
		{
			name:    "missing provisioner",
			mutate:  func(s string) string { return strings.Replace(s, "provisionerURL: https://provisioner.internal", `provisionerURL: ""`, 1) },
			wantErr: "provisionerURL",
		},
		{
			name:    "secret refs without store",
			mutate:  func(s string) string { return strings.Replace(s, "secretStoreURL: https://secrets.internal", `secretStoreURL: ""`, 1) },
			wantErr: "secretStoreURL",
		},
		{
			name:    "secret refs without bundle name",
			mutate:  func(s string) string { return strings.Replace(s, "name: app-secrets", `name: ""`, 1) },
			wantErr: "secrets.name",
		},
		{
			name:    "mutable image tag",
			mutate:  func(s string) string { return strings.Replace(s, "registry.internal/backend@sha256:cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc", "registry.internal/backend:latest", 1) },
			wantErr: "digest",
		},
		{
			name: "duplicate tier",
			mutate: func(s string) string {
				return strings.Replace(s, "- tier: backend", "- tier: database", 1)
			},
			wantErr: "more than once",
		},
		{
			name:    "unknown field",
			mutate:  func(s string) string { return s + "\nshardCount: 4\n" },
			wantErr: "parse environment file",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeEnvFile(t, tc.mutate(validEnvironment)))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %q", tc.wantErr, err)
			}
		})
	}
}

func TestLoadRejectsDanglingDependency(t *testing.T) {
	body := strings.Replace(validEnvironment, `  - tier: database
    image: registry.internal/database@sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
    replicas: {min: 1, max: 1}
    port: 5432
    livenessPath: /healthz
    readinessPath: /readyz
`, "", 1)

	_, err := Load(writeEnvFile(t, body))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "depends on") {
		t.Errorf("expected dependency error, got %q", err)
	}
}
