package orchestrator

import "github.com/apptrail-sh/deployer/internal/model"

// State is the orchestrator's position in the deployment state machine.
type State string

const (
	StateInit           State = "Init"
	StateProvisioning   State = "Provisioning"
	StateSyncingSecrets State = "SyncingSecrets"
	StateReleasing      State = "Releasing"
	StateGating         State = "Gating"
	StatePromoted       State = "Promoted"
	StateRollingBack    State = "RollingBack"
	StateRolledBack     State = "RolledBack"
	StateFailed         State = "Failed"
)

// Terminal reports whether the state machine has finished.
func (s State) Terminal() bool {
	switch s {
	case StatePromoted, StateRolledBack, StateFailed:
		return true
	}
	return false
}

// Result is the terminal outcome of one orchestration run.
type Result struct {
	State  State
	Reason string
}

// ExitCode maps terminal states onto the command surface contract:
// Promoted 0, Failed 1, RolledBack 2.
func (r Result) ExitCode() int {
	switch r.State {
	case StatePromoted:
		return 0
	case StateRolledBack:
		return 2
	default:
		return 1
	}
}

// Snapshot is a point-in-time view of the state machine for the status
// surface.
type Snapshot struct {
	State State
	Tier  model.Tier
}
