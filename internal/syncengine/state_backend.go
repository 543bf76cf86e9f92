package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const stateSnapshotVersion = 1

// StateBackend persists MemoryStore snapshots so a single-node deployment
// keeps its sync rows, log, queue and webhook receipts across restarts.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

// JSONFileStateBackend writes the whole snapshot to one file. Writes go to a
// temp file in the same directory and are renamed over the old snapshot.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state snapshot: %w", err)
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode state snapshot %s: %w", b.Path, err)
	}
	if snapshot.Version > stateSnapshotVersion {
		return nil, fmt.Errorf("%w: state snapshot %s has version %d, this build reads up to %d",
			ErrInvalidInput, b.Path, snapshot.Version, stateSnapshotVersion)
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	state.Version = stateSnapshotVersion
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.Path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.Path)
}

// Ping reports whether the snapshot directory is still writable.
func (b *JSONFileStateBackend) Ping(ctx context.Context) error {
	if b == nil || b.Path == "" {
		return nil
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state directory unavailable: %w", err)
	}
	scratch, err := os.CreateTemp(dir, ".ping-*")
	if err != nil {
		return fmt.Errorf("state directory %s is not writable: %w", dir, err)
	}
	_ = scratch.Close()
	return os.Remove(scratch.Name())
}
