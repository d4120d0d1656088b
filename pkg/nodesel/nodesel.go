// Package nodesel provides restriction predicates and the bandwidth-weighted
// relay generator used to pick vanguards.
package nodesel

import (
	"fmt"
	"math/rand/v2"

	"github.com/opd-ai/go-vanguards/pkg/directory"
	guarderrors "github.com/opd-ai/go-vanguards/pkg/errors"
)

// Circuit positions for weight selection.
const (
	PositionGuard  = "g"
	PositionMiddle = "m"
	PositionExit   = "e"
)

// Restriction is a predicate over relays.
type Restriction interface {
	RelayOK(r *directory.Relay) bool
}

// FlagsRestriction requires mandatory flags and rejects forbidden ones.
type FlagsRestriction struct {
	Mandatory []string
	Forbidden []string
}

// RelayOK reports whether the relay carries every mandatory flag and none of
// the forbidden ones.
func (f *FlagsRestriction) RelayOK(r *directory.Relay) bool {
	for _, m := range f.Mandatory {
		if !r.HasFlag(m) {
			return false
		}
	}
	for _, fb := range f.Forbidden {
		if r.HasFlag(fb) {
			return false
		}
	}
	return true
}

// ExcludeRestriction rejects relays matched by an exclusion predicate.
type ExcludeRestriction struct {
	Excluded func(r *directory.Relay) bool
}

func (e *ExcludeRestriction) RelayOK(r *directory.Relay) bool {
	return !e.Excluded(r)
}

// RestrictionList is the conjunction of its restrictions.
type RestrictionList []Restriction

// RelayOK reports whether the relay passes every contained restriction.
func (l RestrictionList) RelayOK(r *directory.Relay) bool {
	for _, rs := range l {
		if !rs.RelayOK(r) {
			return false
		}
	}
	return true
}

// BwWeightedGenerator yields an infinite bandwidth-weighted stream of relays
// satisfying a restriction list. There is no removal between draws; callers
// handle deduplication.
type BwWeightedGenerator struct {
	sortedRelays []*directory.Relay
	eligible     []*directory.Relay
	nodeWeights  []float64
	weightTotal  float64
	position     string

	// rng overrides the package-level source when set, for deterministic
	// tests.
	rng *rand.Rand
}

// NewBwWeightedGenerator builds a generator over relays already sorted
// descending by measured bandwidth. It fails with ErrNoRelaysRemain when the
// restriction eliminates the whole directory.
func NewBwWeightedGenerator(sorted []*directory.Relay, rstr RestrictionList,
	weights map[string]int64, position string) (*BwWeightedGenerator, error) {

	g := &BwWeightedGenerator{
		sortedRelays: sorted,
		position:     position,
	}
	for _, r := range sorted {
		if !rstr.RelayOK(r) {
			continue
		}
		w := float64(r.Measured) * positionWeight(r, weights, position)
		g.eligible = append(g.eligible, r)
		g.nodeWeights = append(g.nodeWeights, w)
		g.weightTotal += w
	}
	if len(g.eligible) == 0 {
		return nil, fmt.Errorf("%w after filtering %d relays",
			guarderrors.ErrNoRelaysRemain, len(sorted))
	}
	return g, nil
}

// positionWeight returns the consensus weight fraction for using the relay
// in the given position, based on its Guard/Exit flags.
func positionWeight(r *directory.Relay, weights map[string]int64, position string) float64 {
	key := "Wmm"
	switch {
	case r.IsGuard() && r.IsExit():
		key = "W" + position + "d"
	case r.IsExit():
		key = "W" + position + "e"
	case r.IsGuard():
		key = "W" + position + "g"
	}
	return float64(weights[key]) / directory.WeightScale
}

// WithRand sets a deterministic random source.
func (g *BwWeightedGenerator) WithRand(rng *rand.Rand) *BwWeightedGenerator {
	g.rng = rng
	return g
}

func (g *BwWeightedGenerator) float64() float64 {
	if g.rng != nil {
		return g.rng.Float64()
	}
	return rand.Float64()
}

// Next draws the next bandwidth-weighted relay. The draw uses a strict upper
// bound so the cumulative walk terminates on the last relay even under
// floating-point rounding.
func (g *BwWeightedGenerator) Next() *directory.Relay {
	choiceVal := g.float64() * g.weightTotal
	var chooseTotal float64
	for i, w := range g.nodeWeights {
		chooseTotal += w
		if choiceVal < chooseTotal {
			return g.eligible[i]
		}
	}
	return g.eligible[len(g.eligible)-1]
}

// SortedRelays returns the full bandwidth-sorted directory the generator was
// built over (not just the eligible subset).
func (g *BwWeightedGenerator) SortedRelays() []*directory.Relay {
	return g.sortedRelays
}

// Eligible returns the relays passing the restriction, in sorted order.
func (g *BwWeightedGenerator) Eligible() []*directory.Relay {
	return g.eligible
}

// NodeWeights returns the per-eligible-relay weights, aligned with Eligible.
func (g *BwWeightedGenerator) NodeWeights() []float64 {
	return g.nodeWeights
}

// WeightTotal returns the sum of all eligible weights.
func (g *BwWeightedGenerator) WeightTotal() float64 {
	return g.weightTotal
}
