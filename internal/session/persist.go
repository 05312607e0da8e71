package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"execution-core/internal/model"
)

const stateFile = "session.json"

// persisted is the on-disk form of a session in the profile directory.
type persisted struct {
	AccountID       string             `json:"account_id"`
	SessionID       string             `json:"session_id"`
	State           model.SessionState `json:"state"`
	CreatedAt       time.Time          `json:"created_at"`
	LastValidatedAt time.Time          `json:"last_validated_at"`
}

func saveState(dir string, p persisted) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, stateFile))
}

// loadState returns the persisted session, or ok=false when none exists.
func loadState(dir string) (persisted, bool, error) {
	var p persisted
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, false, fmt.Errorf("decode session state: %w", err)
	}
	return p, true, nil
}
