package store

import (
	"encoding/json"
	"os"
	"time"
)

// State is the sync bookkeeping persisted next to the working copy, so a
// pending change survives a restart of the process that wrote it.
type State struct {
	Pending      bool      `json:"pending"`
	Message      string    `json:"message,omitempty"`
	Digest       string    `json:"digest,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// LoadState reads a state file. A missing file yields an empty state.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}

	return &state, nil
}

// saveState persists the state to disk
func saveState(path string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return atomicWrite(path, data, 0644)
}
