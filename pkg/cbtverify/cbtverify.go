// Package cbtverify monitors circuit build timeouts, comparing our observed
// timeout rate against the one tor computes. It is diagnostic only.
package cbtverify

import (
	"strings"

	"github.com/opd-ai/go-vanguards/pkg/control"
	"github.com/opd-ai/go-vanguards/pkg/logger"
)

type circuitStat struct {
	id   string
	isHS bool
}

// TimeoutStats counts launched, built and timed-out circuits overall and
// for the hidden-service subset.
type TimeoutStats struct {
	logger *logger.Logger

	circuits map[string]*circuitStat

	allLaunched int
	allBuilt    int
	allTimeout  int
	hsLaunched  int
	hsBuilt     int
	hsTimeout   int
	hsChanged   int
}

// New creates an empty timeout tracker.
func New(log *logger.Logger) *TimeoutStats {
	if log == nil {
		log = logger.NewDefault()
	}
	return &TimeoutStats{
		logger:   log.Component("cbtverify"),
		circuits: make(map[string]*circuitStat),
	}
}

// CircEvent folds a circuit status change into the counters.
func (t *TimeoutStats) CircEvent(ev *control.CircEvent) {
	isHS := ev.HSState != "" || strings.HasPrefix(ev.Purpose, "HS")

	switch {
	case ev.Status == "LAUNCHED":
		t.addCircuit(ev.ID, isHS)
	case ev.Status == "BUILT":
		t.builtCircuit(ev.ID)
	case ev.Reason == "TIMEOUT":
		t.timeoutCircuit(ev.ID)
	}
	t.updateCircuit(ev.ID, isHS)
}

// BuildTimeoutSetEvent logs tor's computed timeout rate next to ours.
func (t *TimeoutStats) BuildTimeoutSetEvent(ev *control.BuildTimeoutSetEvent) {
	t.logger.Info("Circuit build timeout recomputed",
		"tor_timeout_rate", ev.TimeoutRate,
		"our_timeout_rate", t.TimeoutRateAll(),
		"our_hs_timeout_rate", t.TimeoutRateHS(),
		"timeout_ms", ev.TimeoutMS)
}

func (t *TimeoutStats) addCircuit(id string, isHS bool) {
	if _, ok := t.circuits[id]; ok {
		t.logger.Warn("Circuit already exists in map", "circuit_id", id)
	}
	t.circuits[id] = &circuitStat{id: id, isHS: isHS}
	t.allLaunched++
	if isHS {
		t.hsLaunched++
	}
}

func (t *TimeoutStats) updateCircuit(id string, isHS bool) {
	c, ok := t.circuits[id]
	if !ok || c.isHS == isHS {
		return
	}
	t.hsChanged++
	t.hsLaunched++
	c.isHS = isHS
}

func (t *TimeoutStats) builtCircuit(id string) {
	if c, ok := t.circuits[id]; ok {
		t.allBuilt++
		if c.isHS {
			t.hsBuilt++
		}
		delete(t.circuits, id)
	}
}

func (t *TimeoutStats) timeoutCircuit(id string) {
	if c, ok := t.circuits[id]; ok {
		t.allTimeout++
		if c.isHS {
			t.hsTimeout++
		}
		delete(t.circuits, id)
	}
}

// TimeoutRateAll is the observed timeout fraction across all circuits.
func (t *TimeoutStats) TimeoutRateAll() float64 {
	if t.allLaunched == 0 {
		return 0
	}
	return float64(t.allTimeout) / float64(t.allLaunched)
}

// TimeoutRateHS is the observed timeout fraction for hidden-service
// circuits.
func (t *TimeoutStats) TimeoutRateHS() float64 {
	if t.hsLaunched == 0 {
		return 0
	}
	return float64(t.hsTimeout) / float64(t.hsLaunched)
}
