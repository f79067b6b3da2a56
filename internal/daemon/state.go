package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PersistedState is the crash-recovery record written to the state file.
// Clean is only true once a shutdown completed.
type PersistedState struct {
	PID        int                  `json:"pid"`
	StartedAt  time.Time            `json:"startedAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
	Clean      bool                 `json:"clean"`
	Workspaces []PersistedWorkspace `json:"workspaces"`
}

// PersistedWorkspace is one workspace entry of the state file.
type PersistedWorkspace struct {
	Root         string    `json:"root"`
	LastActivity time.Time `json:"lastActivity"`
	Subscribers  int       `json:"subscribers"`
}

// ReadState loads the state file. A missing file yields nil, nil.
func ReadState(path string) (*PersistedState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	return &st, nil
}

// WriteState replaces the state file atomically.
func WriteState(path string, st *PersistedState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
