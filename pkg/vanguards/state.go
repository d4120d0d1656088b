// Package vanguards - state persistence.
//
// The guard sets and the rendezvous counter survive restarts in a single
// versioned JSON file, rewritten atomically on every consensus.
package vanguards

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opd-ai/go-vanguards/pkg/config"
	guarderrors "github.com/opd-ai/go-vanguards/pkg/errors"
	"github.com/opd-ai/go-vanguards/pkg/logger"
	"github.com/opd-ai/go-vanguards/pkg/rendguard"
)

// stateRevision is the current on-disk schema revision. Files with an
// unknown revision start the tool from an empty state.
const stateRevision = 1

type stateFile struct {
	Version int             `json:"version"`
	Layer2  []GuardNode     `json:"layer2"`
	Layer3  []GuardNode     `json:"layer3"`
	Rend    json.RawMessage `json:"rend_counter"`
}

// LoadState reads persisted state from path. Read and parse failures are
// recoverable: the tool starts from an empty state and rebuilds it on the
// next consensus.
func LoadState(path string, cfg *config.Vanguards, rcfg *config.Rendguard, log *logger.Logger) *State {
	if log == nil {
		log = logger.NewDefault()
	}
	s := NewState(path, cfg, rcfg, log)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Notice("Can't read state file; starting fresh", "path", path, "error", err)
		} else {
			log.Notice("Creating new vanguard state file", "path", path)
		}
		return s
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		log.Notice("State file is unreadable; starting fresh", "path", path, "error", err)
		return s
	}
	if sf.Version != stateRevision {
		log.Notice("State file has unknown revision; starting fresh",
			"path", path, "revision", sf.Version)
		return s
	}

	s.Layer2 = sf.Layer2
	s.Layer3 = sf.Layer3
	if len(sf.Rend) > 0 {
		if err := json.Unmarshal(sf.Rend, s.Rend); err != nil {
			log.Notice("Rend counter state is unreadable; resetting it",
				"path", path, "error", err)
			s.Rend = rendguard.New(rcfg, log)
		}
	}

	log.Info("Loaded vanguard state",
		"layer2", s.Layer2Guardset(), "layer3", s.Layer3Guardset())
	return s
}

// Save writes the state atomically (temp file then rename). Persistence
// failure is fatal to the caller: running without durable state defeats the
// rotation schedule.
func (s *State) Save() error {
	rendData, err := json.Marshal(s.Rend)
	if err != nil {
		return guarderrors.Fatal(guarderrors.CategoryState, "cannot encode state", err)
	}
	data, err := json.MarshalIndent(stateFile{
		Version: stateRevision,
		Layer2:  s.Layer2,
		Layer3:  s.Layer3,
		Rend:    rendData,
	}, "", "  ")
	if err != nil {
		return guarderrors.Fatal(guarderrors.CategoryState, "cannot encode state", err)
	}

	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return guarderrors.Fatal(guarderrors.CategoryState,
			fmt.Sprintf("cannot write state to %s", tmp), err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return guarderrors.Fatal(guarderrors.CategoryState,
			fmt.Sprintf("cannot rename state into %s", s.statePath), err)
	}
	return nil
}

// StatePath returns the bound state file location.
func (s *State) StatePath() string {
	return s.statePath
}
