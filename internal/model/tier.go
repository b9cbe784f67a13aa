package model

import (
	"fmt"
	"strings"
)

// Tier is one of the three deployable layers of an environment.
type Tier string

const (
	TierDatabase Tier = "database"
	TierBackend  Tier = "backend"
	TierFrontend Tier = "frontend"
)

// TierOrder is the release order: each tier depends on the one before it.
var TierOrder = []Tier{TierDatabase, TierBackend, TierFrontend}

// ParseTier converts a user-supplied tier name into a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierDatabase:
		return TierDatabase, nil
	case TierBackend:
		return TierBackend, nil
	case TierFrontend:
		return TierFrontend, nil
	default:
		return "", fmt.Errorf("unknown tier %q: expected one of database, backend, frontend", s)
	}
}

func (t Tier) String() string {
	return string(t)
}
