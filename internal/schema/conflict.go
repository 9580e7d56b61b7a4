package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the current authoritative value of an entity as observed from
// the remote store.
type Snapshot struct {
	EntityID       string          `json:"entity_id"`
	Value          json.RawMessage `json:"value,omitempty"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
}

// Version is one side of a conflict.
type Version struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Conflict records divergence between a queued local change and a newer
// remote value of the same entity.
type Conflict struct {
	ID            string    `json:"id"`
	MutationID    string    `json:"mutation_id"`
	EntityID      string    `json:"entity_id"`
	Kind          Kind      `json:"kind"`
	LocalVersion  Version   `json:"local_version"`
	RemoteVersion Version   `json:"remote_version"`
	DetectedAt    time.Time `json:"detected_at"`
}

// Strategy selects the winning value when resolving a conflict.
type Strategy string

const (
	// StrategyMine keeps the local value.
	StrategyMine Strategy = "mine"
	// StrategyTheirs keeps the remote value.
	StrategyTheirs Strategy = "theirs"
	// StrategyManual uses a value supplied by the user.
	StrategyManual Strategy = "manual"
)

// ParseStrategy converts user input to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyMine, StrategyTheirs, StrategyManual:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want mine, theirs or manual)", s)
	}
}
