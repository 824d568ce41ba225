package procdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wllclngn/schedtuned/internal/engine"
)

// DefaultStatePath is where learned profiles survive daemon restarts.
const DefaultStatePath = "/var/lib/schedtuned/procdb.json"

type savedProfile struct {
	Comm         string    `json:"comm"`
	Votes        [3]uint64 `json:"votes"`
	Observations uint64    `json:"observations"`
	AvgRuntimeNs uint64    `json:"avg_runtime_ns"`
	LastSeenTick uint64    `json:"last_seen_tick"`
	Published    bool      `json:"published"`
}

type stateFile struct {
	Tick     uint64         `json:"tick"`
	Profiles []savedProfile `json:"profiles"`
}

// Save writes the store to path atomically via a temp file rename.
func (db *DB) Save(path string) error {
	db.mu.Lock()
	state := stateFile{Tick: db.tick}
	for comm, p := range db.profiles {
		state.Profiles = append(state.Profiles, savedProfile{
			Comm:         comm.String(),
			Votes:        p.Votes,
			Observations: p.Observations,
			AvgRuntimeNs: p.AvgRuntimeNs,
			LastSeenTick: p.LastSeenTick,
			Published:    p.Published,
		})
	}
	db.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode profile state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write profile state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit profile state: %w", err)
	}
	db.logger.Info("profile state saved",
		zap.String("path", path), zap.Int("profiles", len(state.Profiles)))
	return nil
}

// Load replaces the store's contents from a previous Save. A missing file is
// not an error; the store starts empty. Loaded profiles are marked dirty so
// the next flush repopulates the engine's prediction table, which does not
// survive an engine reload.
func (db *DB) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read profile state: %w", err)
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to decode profile state: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.tick = state.Tick
	db.profiles = make(map[engine.CommKey]*Profile, len(state.Profiles))
	for _, s := range state.Profiles {
		db.profiles[engine.MakeCommKey(s.Comm)] = &Profile{
			Votes:        s.Votes,
			Observations: s.Observations,
			AvgRuntimeNs: s.AvgRuntimeNs,
			LastSeenTick: s.LastSeenTick,
			Published:    false,
			dirty:        true,
		}
	}
	db.logger.Info("profile state loaded",
		zap.String("path", path), zap.Int("profiles", len(state.Profiles)))
	return nil
}
