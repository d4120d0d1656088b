// Package vanguards maintains the layer2 and layer3 pinned relay sets.
// Members rotate on staggered randomized lifetimes, are replaced from a
// bandwidth-weighted generator when they expire or fall out of the
// consensus, and are pushed into tor's configuration on every consensus.
package vanguards

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/opd-ai/go-vanguards/pkg/config"
	"github.com/opd-ai/go-vanguards/pkg/directory"
	guarderrors "github.com/opd-ai/go-vanguards/pkg/errors"
	"github.com/opd-ai/go-vanguards/pkg/exclusion"
	"github.com/opd-ai/go-vanguards/pkg/logger"
	"github.com/opd-ai/go-vanguards/pkg/nodesel"
	"github.com/opd-ai/go-vanguards/pkg/rendguard"
)

const secsPerHour = 60 * 60

// Controller is the slice of the control connection the guard-set manager
// needs to push configuration.
type Controller interface {
	SetConf(entries ...KeyVal) error
	SaveConf() error
}

// KeyVal mirrors the control package's configuration pair without importing
// it, so tests can drive the manager with a bare mock.
type KeyVal struct {
	Key string
	Val string
}

// GuardNode is one pinned relay with its rotation window.
type GuardNode struct {
	Fingerprint string `json:"fingerprint"`
	ChosenAt    int64  `json:"chosen_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

// State holds both vanguard layers and the rendezvous use counter. It is
// persisted across restarts; see state.go.
type State struct {
	Layer2 []GuardNode          `json:"layer2"`
	Layer3 []GuardNode          `json:"layer3"`
	Rend   *rendguard.RendGuard `json:"rend_counter"`

	statePath string
	cfg       *config.Vanguards
	logger    *logger.Logger

	// now and rng are swappable for tests.
	now func() time.Time
	rng *rand.Rand
}

// NewState creates an empty vanguard state bound to a state file path.
func NewState(statePath string, cfg *config.Vanguards, rcfg *config.Rendguard, log *logger.Logger) *State {
	if log == nil {
		log = logger.NewDefault()
	}
	return &State{
		Rend:      rendguard.New(rcfg, log),
		statePath: statePath,
		cfg:       cfg,
		logger:    log.Component("vanguards"),
		now:       time.Now,
	}
}

// WithRand sets a deterministic random source for lifetime draws.
func (s *State) WithRand(rng *rand.Rand) *State {
	s.rng = rng
	return s
}

// WithClock sets a deterministic clock.
func (s *State) WithClock(now func() time.Time) *State {
	s.now = now
	return s
}

// Layer2Guardset returns the layer2 fingerprints as a SETCONF value.
func (s *State) Layer2Guardset() string {
	return guardsetString(s.Layer2)
}

// Layer3Guardset returns the layer3 fingerprints as a SETCONF value.
func (s *State) Layer3Guardset() string {
	return guardsetString(s.Layer3)
}

func guardsetString(layer []GuardNode) string {
	fps := make([]string, len(layer))
	for i, g := range layer {
		fps[i] = g.Fingerprint
	}
	return strings.Join(fps, ",")
}

// ConsensusUpdate refreshes both layers against a new directory view: relays
// that fell out of the consensus, became excluded, or expired are replaced
// from a fresh bandwidth-weighted generator, and the rendezvous counter is
// re-weighted from the same generator.
func (s *State) ConsensusUpdate(view *directory.View, excl *exclusion.ExcludeNodes) error {
	rstr := nodesel.RestrictionList{
		&nodesel.FlagsRestriction{
			Mandatory: []string{"Fast", "Stable", "Valid"},
			Forbidden: []string{"Authority"},
		},
		&nodesel.ExcludeRestriction{Excluded: excl.IsExcluded},
	}
	gen, err := nodesel.NewBwWeightedGenerator(view.Relays, rstr,
		view.Weights, nodesel.PositionMiddle)
	if err != nil {
		return err
	}
	if s.rng != nil {
		gen.WithRand(s.rng)
	}

	s.removeDown(view, excl)
	s.removeExpired()

	// Config may have shrunk since the state was written.
	if len(s.Layer2) > s.cfg.NumLayer2Guards {
		s.Layer2 = s.Layer2[:s.cfg.NumLayer2Guards]
	}
	if len(s.Layer3) > s.cfg.NumLayer3Guards {
		s.Layer3 = s.Layer3[:s.cfg.NumLayer3Guards]
	}

	if err := s.refill(gen); err != nil {
		return err
	}

	s.Rend.XferUseCounts(gen)
	return nil
}

// removeDown drops members that no longer resolve in the directory or that
// are now excluded.
func (s *State) removeDown(view *directory.View, excl *exclusion.ExcludeNodes) {
	keep := func(layer []GuardNode, name string) []GuardNode {
		out := layer[:0]
		for _, g := range layer {
			r, ok := view.ByFingerprint[g.Fingerprint]
			switch {
			case !ok:
				s.logger.Info("Removing down guard", "layer", name, "fingerprint", g.Fingerprint)
			case excl.IsExcluded(r):
				s.logger.Info("Removing excluded guard", "layer", name, "fingerprint", g.Fingerprint)
			default:
				out = append(out, g)
			}
		}
		return out
	}
	s.Layer2 = keep(s.Layer2, "layer2")
	s.Layer3 = keep(s.Layer3, "layer3")
}

// removeExpired drops members whose rotation window has closed.
func (s *State) removeExpired() {
	now := s.now().Unix()
	keep := func(layer []GuardNode, name string) []GuardNode {
		out := layer[:0]
		for _, g := range layer {
			if g.ExpiresAt < now {
				s.logger.Info("Removing expired guard", "layer", name, "fingerprint", g.Fingerprint)
				continue
			}
			out = append(out, g)
		}
		return out
	}
	s.Layer2 = keep(s.Layer2, "layer2")
	s.Layer3 = keep(s.Layer3, "layer3")
}

// refill draws replacements until both layers are full. Draws that would
// duplicate a fingerprint already pinned in either layer are rejected, with
// the retry budget bounded by the directory size.
func (s *State) refill(gen *nodesel.BwWeightedGenerator) error {
	maxTries := 2 * len(gen.SortedRelays())

	for len(s.Layer2) < s.cfg.NumLayer2Guards {
		g, err := s.drawNew(gen, maxTries,
			s.cfg.MinLayer2LifetimeHours, s.cfg.MaxLayer2LifetimeHours)
		if err != nil {
			return err
		}
		s.Layer2 = append(s.Layer2, g)
		s.logger.Info("New layer2 guard", "fingerprint", g.Fingerprint)
	}
	for len(s.Layer3) < s.cfg.NumLayer3Guards {
		g, err := s.drawNew(gen, maxTries,
			s.cfg.MinLayer3LifetimeHours, s.cfg.MaxLayer3LifetimeHours)
		if err != nil {
			return err
		}
		s.Layer3 = append(s.Layer3, g)
		s.logger.Info("New layer3 guard", "fingerprint", g.Fingerprint)
	}
	return nil
}

// drawNew samples a relay not already pinned in either layer and assigns it
// a randomized lifetime.
func (s *State) drawNew(gen *nodesel.BwWeightedGenerator, maxTries, minHours, maxHours int) (GuardNode, error) {
	for try := 0; try < maxTries; try++ {
		relay := gen.Next()
		if s.pinned(relay.Fingerprint) {
			continue
		}
		now := s.now().Unix()
		return GuardNode{
			Fingerprint: relay.Fingerprint,
			ChosenAt:    now,
			ExpiresAt:   now + s.drawLifetime(minHours, maxHours),
		}, nil
	}
	return GuardNode{}, fmt.Errorf("%w: %d draws exhausted",
		guarderrors.ErrInsufficientRelays, maxTries)
}

func (s *State) pinned(fingerprint string) bool {
	for _, g := range s.Layer2 {
		if g.Fingerprint == fingerprint {
			return true
		}
	}
	for _, g := range s.Layer3 {
		if g.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// drawLifetime draws a lifetime in seconds as the max of two uniform draws,
// biasing rotation toward the upper end of the window.
func (s *State) drawLifetime(minHours, maxHours int) int64 {
	lo := float64(minHours * secsPerHour)
	hi := float64(maxHours * secsPerHour)
	a := lo + s.float64()*(hi-lo)
	b := lo + s.float64()*(hi-lo)
	return int64(max(a, b))
}

func (s *State) float64() float64 {
	if s.rng != nil {
		return s.rng.Float64()
	}
	return rand.Float64()
}

// ConfigureTor pushes the current guard sets and layer1 knobs into tor and
// requests a config save. Rejection of the layer configuration keys is
// fatal: the tor on the other end predates layered guard support.
func (s *State) ConfigureTor(ctrl Controller) error {
	if s.cfg.NumLayer1Guards > 0 {
		n := fmt.Sprintf("%d", s.cfg.NumLayer1Guards)
		if err := ctrl.SetConf(KeyVal{"NumEntryGuards", n}); err != nil {
			return guarderrors.Fatal(guarderrors.CategoryControl,
				"tor rejected NumEntryGuards", err)
		}
		// Older tors don't know this knob; that's fine.
		if err := ctrl.SetConf(KeyVal{"NumPrimaryGuards", n}); err != nil {
			if errors.Is(err, guarderrors.ErrInvalidArguments) {
				s.logger.Notice("Tor does not support NumPrimaryGuards; continuing")
			} else {
				return guarderrors.Fatal(guarderrors.CategoryControl,
					"tor rejected NumPrimaryGuards", err)
			}
		}
	}

	if s.cfg.Layer1LifetimeDays > 0 {
		days := fmt.Sprintf("%d days", s.cfg.Layer1LifetimeDays)
		if err := ctrl.SetConf(KeyVal{"GuardLifetime", days}); err != nil {
			return guarderrors.Fatal(guarderrors.CategoryControl,
				"tor rejected GuardLifetime", err)
		}
	}

	entries := []KeyVal{{"HSLayer2Nodes", s.Layer2Guardset()}}
	if s.cfg.NumLayer3Guards > 0 {
		entries = append(entries, KeyVal{"HSLayer3Nodes", s.Layer3Guardset()})
	}
	if err := ctrl.SetConf(entries...); err != nil {
		return guarderrors.Fatal(guarderrors.CategoryControl,
			fmt.Sprintf("%v (vanguards requires Tor 0.3.3.x or newer)",
				guarderrors.ErrUnsupportedTor), err)
	}

	// Not fatal: some deployments feed tor its config on stdin and can't
	// save. Let the user know and move on.
	if err := ctrl.SaveConf(); err != nil {
		s.logger.Notice("Tor can't save its own config file", "error", err)
	}
	return nil
}
