package mender

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/mender-agent/pkg/store"
	"github.com/cuemby/mender-agent/pkg/types"
)

// loadDeploymentRecord reads the persisted deployment record, returning
// (nil, nil) when none is present. A record is persisted before any
// state transition whose undo requires knowing the prior state, so that
// a restart after power loss can resume from exactly what was durable.
func loadDeploymentRecord(s store.Store) (*types.DeploymentRecord, error) {
	data, err := s.Get(store.KeyDeploymentData)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mender: reading deployment record: %w", err)
	}
	var rec types.DeploymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("mender: decoding deployment record: %w", err)
	}
	return &rec, nil
}

func saveDeploymentRecord(s store.Store, rec *types.DeploymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mender: encoding deployment record: %w", err)
	}
	return s.Set(store.KeyDeploymentData, data)
}

func clearDeploymentRecord(s store.Store) error {
	return s.Delete(store.KeyDeploymentData)
}

// setAllState advances every payload sub-record of rec to state and
// persists the result, preserving the spec's "persist before advancing"
// rule at the single call site every state transition goes through.
func setAllState(s store.Store, rec *types.DeploymentRecord, state types.State) error {
	for i := range rec.Types {
		rec.Types[i].State = state
	}
	return saveDeploymentRecord(s, rec)
}
