// Package rendguard tracks how often each relay is chosen as the rendezvous
// point on service-side rendezvous circuits, and requests circuit closes for
// relays that are over-used relative to their consensus bandwidth weight.
package rendguard

import (
	"math"

	"github.com/opd-ai/go-vanguards/pkg/config"
	"github.com/opd-ai/go-vanguards/pkg/logger"
	"github.com/opd-ai/go-vanguards/pkg/nodesel"
)

// UnknownRelay is the sentinel fingerprint charged for rendezvous points
// that are not in the current consensus.
const UnknownRelay = "<not-in-consensus>"

// UseCount is the per-relay rendezvous accounting record.
type UseCount struct {
	Used   float64 `json:"used"`
	Weight float64 `json:"weight"`
}

// RendGuard is the weight-aware rendezvous histogram. Exported fields are
// what persists in the state file.
type RendGuard struct {
	UseCounts      map[string]*UseCount `json:"use_counts"`
	TotalUseCounts float64              `json:"total_use_counts"`

	cfg    *config.Rendguard
	logger *logger.Logger

	warnedUnknown bool
}

// New creates an empty rendezvous counter.
func New(cfg *config.Rendguard, log *logger.Logger) *RendGuard {
	if log == nil {
		log = logger.NewDefault()
	}
	return &RendGuard{
		UseCounts: make(map[string]*UseCount),
		cfg:       cfg,
		logger:    log.Component("rendguard"),
	}
}

// Rebind reattaches configuration and logging after the counter was
// deserialized from the state file.
func (rg *RendGuard) Rebind(cfg *config.Rendguard, log *logger.Logger) {
	rg.cfg = cfg
	rg.logger = log.Component("rendguard")
	if rg.UseCounts == nil {
		rg.UseCounts = make(map[string]*UseCount)
	}
}

// RendNode extracts the rendezvous hop fingerprint from a service-side
// rendezvous path: the fifth hop (index 4) when layer3 pinning is on, else
// the fourth hop (index 3).
func RendNode(path []string, layer3Enabled bool) (string, bool) {
	idx := 3
	if layer3Enabled {
		idx = 4
	}
	if len(path) <= idx {
		return "", false
	}
	return path[idx], true
}

// ValidRendUse counts one use of the given rendezvous relay and reports
// whether the use is within policy. A false return means the relay is
// over-used and the circuit should be closed.
func (rg *RendGuard) ValidRendUse(fingerprint string) bool {
	uc, ok := rg.UseCounts[fingerprint]
	if !ok {
		if fingerprint == UnknownRelay {
			if !rg.warnedUnknown {
				rg.logger.Notice("Rendezvous relay is not in our consensus, but someone is using it")
				rg.warnedUnknown = true
			}
		} else {
			rg.logger.Notice("Relay is not in our consensus, but someone is using it",
				"fingerprint", fingerprint)
		}
		uc = &UseCount{}
		rg.UseCounts[fingerprint] = uc
	}

	uc.Used++
	rg.TotalUseCounts++

	if rg.TotalUseCounts > float64(rg.cfg.RendUseGlobalStartCount) &&
		uc.Used >= float64(rg.cfg.RendUseRelayStartCount) {
		rg.logger.Info("Relay used as rendezvous point",
			"fingerprint", fingerprint,
			"used", uc.Used, "total", math.Floor(rg.TotalUseCounts))
		if uc.Used/rg.TotalUseCounts > uc.Weight*rg.cfg.RendUseMaxUseToBwRatio {
			rg.logger.Warn("Relay is being used as a rendezvous point above its weight",
				"fingerprint", fingerprint,
				"used", uc.Used, "total", math.Floor(rg.TotalUseCounts),
				"weight", uc.Weight)
			return false
		}
	}
	return true
}

// XferUseCounts replaces the weight table from a fresh generator, carrying
// previous use counts over by fingerprint. When the total crosses the scale
// threshold, all counts are halved so long-lived relays don't accumulate an
// unfair history. The halving is atomic with the rebuild: the sum invariant
// holds again before this returns.
func (rg *RendGuard) XferUseCounts(gen *nodesel.BwWeightedGenerator) {
	old := rg.UseCounts
	scale := rg.TotalUseCounts > float64(rg.cfg.RendUseScaleAtCount)

	rg.UseCounts = make(map[string]*UseCount, len(gen.SortedRelays()))
	for _, r := range gen.SortedRelays() {
		rg.UseCounts[r.Fingerprint] = &UseCount{}
	}

	eligible := gen.Eligible()
	weights := gen.NodeWeights()
	total := gen.WeightTotal()
	if total > 0 {
		for i, r := range eligible {
			rg.UseCounts[r.Fingerprint].Weight = weights[i] / total
		}
	}

	rg.TotalUseCounts = 0
	for fp, uc := range old {
		cur, ok := rg.UseCounts[fp]
		if !ok {
			continue
		}
		cur.Used = uc.Used
		if scale {
			cur.Used /= 2
		}
		rg.TotalUseCounts += cur.Used
	}

	rg.warnedUnknown = false
}
