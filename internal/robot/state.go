package robot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// robotState is persisted to disk after the first run so the robot presents
// the same robot_id on every reconnect and the orchestrator matches it to
// the existing record instead of creating a duplicate.
type robotState struct {
	RobotID string `json:"robot_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "robot-state.json")
}

// loadState reads the persisted state. Returns an empty state if the file
// does not exist yet.
func loadState(stateDir string) (robotState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return robotState{}, nil
		}
		return robotState{}, fmt.Errorf("robot: failed to read state file: %w", err)
	}
	var s robotState
	if err := json.Unmarshal(data, &s); err != nil {
		return robotState{}, fmt.Errorf("robot: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes the state atomically via temp file + rename.
func saveState(stateDir string, s robotState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("robot: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("robot: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "robot-state.*.tmp")
	if err != nil {
		return fmt.Errorf("robot: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("robot: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("robot: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("robot: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}
