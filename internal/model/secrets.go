package model

import "time"

// SecretRef names one credential in the remote store and the runtime slot
// it materializes into.
type SecretRef struct {
	// Key identifies the secret in the remote store.
	Key string `json:"key"`
	// Property is the named field within the stored secret.
	Property string `json:"property"`
	// Slot is the key the resolved value is written under in the runtime.
	Slot string `json:"slot"`
}

// SecretBundle is a versioned set of SecretRefs. Revision strictly increases
// on every successful sync; a bundle older than RefreshInterval is stale and
// must be re-fetched before a new release consumes it.
type SecretBundle struct {
	Name            string        `json:"name"`
	Refs            []SecretRef   `json:"refs"`
	RefreshInterval time.Duration `json:"refreshInterval"`
	Revision        int64         `json:"revision"`
	FetchedAt       time.Time     `json:"fetchedAt"`
}

// Stale reports whether the bundle must be re-fetched before use.
// A bundle that has never been synced is always stale.
func (b SecretBundle) Stale(now time.Time) bool {
	if b.Revision == 0 || b.FetchedAt.IsZero() {
		return true
	}
	return now.Sub(b.FetchedAt) > b.RefreshInterval
}

// MaterializedBundle is the runtime-visible form of a SecretBundle after a
// successful all-or-nothing sync.
type MaterializedBundle struct {
	SecretName string
	Revision   int64
	FetchedAt  time.Time
	// Slots maps runtime slot names to the keys written into the runtime
	// secret. Values never leave the synchronizer.
	Slots []string
}
