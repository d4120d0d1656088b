// Package bandguards polices per-circuit bandwidth side channels: dropped
// cells, oversized circuits, overlong circuit lifetimes, and the correlation
// between guard connection teardowns and circuit destroys.
package bandguards

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cretz/bine/torutil"

	"github.com/opd-ai/go-vanguards/pkg/config"
	"github.com/opd-ai/go-vanguards/pkg/control"
	guarderrors "github.com/opd-ai/go-vanguards/pkg/errors"
	"github.com/opd-ai/go-vanguards/pkg/logger"
	"github.com/opd-ai/go-vanguards/pkg/metrics"
)

// Controller is the slice of the control connection the bandwidth guard
// needs.
type Controller interface {
	CloseCircuit(id string) error
	GetInfo(keys ...string) (map[string]string, error)
}

const (
	cellPayloadSize = 509
	relayHeaderSize = 11

	// cellDataRate is the fraction of a cell that can carry relay payload.
	cellDataRate = float64(cellPayloadSize-relayHeaderSize) / cellPayloadSize

	// Stream-level flow control: one sendme per increment, up to a window's
	// worth in flight at stream teardown.
	sendmeIncrement = 50
	sendmeWindow    = 500

	// A circuit destroy within this many seconds of its guard connection
	// closing is attributed to the connection loss.
	maxCircDestroyLagSecs = 2

	// Extra dropped cells tolerated on circuits repurposed for path-bias
	// testing.
	maxPathBiasCellsClient  = 4
	maxPathBiasCellsService = 2

	bytesPerKB  = 1024
	bytesPerMB  = 1024 * 1024
	secsPerHour = 60 * 60
)

// CircStat is the per-circuit accounting record.
type CircStat struct {
	ID        string
	IsHS      bool
	IsService bool
	IsHSDir   bool
	InUse     bool
	PathBias  bool
	CreatedAt int64

	// ReadBytes and SentBytes scale the raw cell counts by the data rate;
	// the delivered and overhead counters accumulate verbatim.
	ReadBytes          float64
	SentBytes          float64
	DeliveredReadBytes int64
	DeliveredSentBytes int64
	OverheadReadBytes  int64
	OverheadSentBytes  int64

	GuardFP             string
	PossiblyDestroyedAt int64
}

// TotalBytes is all traffic in both directions.
func (c *CircStat) TotalBytes() float64 {
	return c.ReadBytes + c.SentBytes
}

// DroppedReadBytes is the read traffic that was neither delivered to the
// application nor accounted protocol overhead.
func (c *CircStat) DroppedReadBytes() float64 {
	return c.ReadBytes - float64(c.DeliveredReadBytes+c.OverheadReadBytes)
}

// sendmeAllowanceBytes is the dropped-byte budget for flow-control cells
// that can legitimately be in flight at stream teardown.
func (c *CircStat) sendmeAllowanceBytes() float64 {
	cellsSent := c.SentBytes / (cellDataRate * cellPayloadSize)
	allowedCells := 1 + math.Min(cellsSent/sendmeIncrement, sendmeWindow/sendmeIncrement)
	if c.PathBias {
		if c.IsService {
			allowedCells += maxPathBiasCellsService
		} else {
			allowedCells += maxPathBiasCellsClient
		}
	}
	return allowedCells * cellPayloadSize
}

// DroppedReadBytesExtra is the dropped traffic beyond the allowance.
func (c *CircStat) DroppedReadBytesExtra() float64 {
	allowance := c.sendmeAllowanceBytes()
	return math.Max(c.DroppedReadBytes(), allowance) - allowance
}

// DroppedReadRate is the excess dropped fraction of all read traffic.
func (c *CircStat) DroppedReadRate() float64 {
	return c.DroppedReadBytesExtra() / c.ReadBytes
}

// GuardStat is the per-first-hop accounting record.
type GuardStat struct {
	Fingerprint  string
	KilledConns  int
	KilledConnAt int64
	ConnsMade    int
	CloseReasons map[string]int
}

// connStat tracks one OR connection to a guard. Connections discovered from
// the startup orconn-status snapshot have no real id; they get synthetic
// ones, reconciled when a close event names the same guard.
type connStat struct {
	id        string
	toGuard   string
	synthetic bool
}

// BandwidthStats is the circuit and connection tracker plus the policy layer
// that force-closes offenders. All methods run on the dispatcher goroutine.
type BandwidthStats struct {
	ctrl          Controller
	cfg           *config.Bandguards
	closeCircuits bool
	logger        *logger.Logger
	metrics       *metrics.Metrics

	circs          map[string]*CircStat
	guards         map[string]*GuardStat
	liveGuardConns map[string]*connStat
	maxFakeID      int

	circsDestroyedTotal int

	// hasControlSupport drops to false when tor doesn't report delivered
	// byte counts; the guard then disables itself rather than guessing.
	hasControlSupport bool

	noConnsSince      int64
	noCircsSince      int64
	networkDownSince  int64
	disconnectedConns bool
	disconnectedCircs bool

	// warnHook observes heartbeat warnings in tests.
	warnHook func(now int64)
}

// New creates the tracker and primes the connection table from tor's
// orconn-status snapshot.
func New(ctrl Controller, cfg *config.Bandguards, closeCircuits bool,
	log *logger.Logger, m *metrics.Metrics) *BandwidthStats {

	if log == nil {
		log = logger.NewDefault()
	}
	if m == nil {
		m = metrics.New()
	}
	b := &BandwidthStats{
		ctrl:              ctrl,
		cfg:               cfg,
		closeCircuits:     closeCircuits,
		logger:            log.Component("bandguards"),
		metrics:           m,
		circs:             make(map[string]*CircStat),
		guards:            make(map[string]*GuardStat),
		liveGuardConns:    make(map[string]*connStat),
		hasControlSupport: true,
	}
	b.InitConnections()
	return b
}

// InitConnections (re)builds the live connection table from orconn-status.
// Lines in the snapshot carry no connection ids, so synthetic ids are
// assigned in order.
func (b *BandwidthStats) InitConnections() {
	b.liveGuardConns = make(map[string]*connStat)
	b.maxFakeID = 0

	info, err := b.ctrl.GetInfo("orconn-status")
	if err != nil {
		b.logger.Warn("Can't read orconn-status", "error", err)
		return
	}

	idx := 0
	for _, line := range strings.Split(info["orconn-status"], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		target, status, _ := torutil.PartitionStringFromEnd(line, ' ')
		fp, _, _ := torutil.PartitionString(strings.TrimPrefix(target, "$"), '~')
		fp = strings.ToUpper(fp)

		if status == "CONNECTED" {
			id := strconv.Itoa(idx)
			b.liveGuardConns[id] = &connStat{id: id, toGuard: fp, synthetic: true}
		}
		b.maxFakeID = idx
		idx++
	}
	if len(b.liveGuardConns) == 0 && b.noConnsSince == 0 {
		b.noConnsSince = time.Now().Unix()
	}
	b.metrics.TrackedConnections.Set(int64(len(b.liveGuardConns)))
}

// CircsDestroyedTotal reports how many in-use circuits have been attributed
// to guard connection teardowns.
func (b *BandwidthStats) CircsDestroyedTotal() int {
	return b.circsDestroyedTotal
}

// GuardStats returns the accounting record for a first-hop relay, if any.
func (b *BandwidthStats) GuardStats(fingerprint string) *GuardStat {
	return b.guards[fingerprint]
}

func (b *BandwidthStats) guardFor(fingerprint string) *GuardStat {
	g, ok := b.guards[fingerprint]
	if !ok {
		g = &GuardStat{Fingerprint: fingerprint, CloseReasons: make(map[string]int)}
		b.guards[fingerprint] = g
	}
	return g
}

// CircEvent tracks hidden-service circuit lifecycles.
func (b *BandwidthStats) CircEvent(ev *control.CircEvent) {
	if !b.hasControlSupport {
		return
	}

	switch ev.Status {
	case "FAILED", "CLOSED":
		if cs, ok := b.circs[ev.ID]; ok {
			b.checkDestroyed(cs, ev)
			if cs.GuardFP != "" && ev.Reason != "" {
				b.guardFor(cs.GuardFP).CloseReasons[ev.Reason]++
			}
			b.logger.Debug("Closed hs circ", "circuit_id", ev.ID, "status", ev.Status)
			delete(b.circs, ev.ID)
			b.metrics.TrackedCircuits.Set(int64(len(b.circs)))
		}
		if ev.Status == "FAILED" && b.noCircsSince == 0 {
			b.noCircsSince = ev.ArrivedAt.Unix()
		}
	default:
		if ev.HSState != "" || strings.HasPrefix(ev.Purpose, "HS") {
			cs, ok := b.circs[ev.ID]
			if !ok {
				cs = &CircStat{
					ID:        ev.ID,
					IsHS:      true,
					IsService: true,
					CreatedAt: ev.ArrivedAt.Unix(),
				}
				b.circs[ev.ID] = cs
				b.metrics.TrackedCircuits.Set(int64(len(b.circs)))
				b.logger.Debug("Added hs circ", "circuit_id", ev.ID, "purpose", ev.Purpose)
			}
			b.applyPurpose(cs, ev.Purpose)

			if (ev.Status == "BUILT" || ev.Status == "GUARD_WAIT") &&
				(strings.HasPrefix(ev.Purpose, "HS_CLIENT") ||
					strings.HasPrefix(ev.Purpose, "HS_SERVICE")) {
				cs.InUse = true
				if len(ev.Path) > 0 {
					cs.GuardFP = ev.Path[0].Fingerprint
				}
			}
		}
		// Any forward progress means circuits are getting built.
		if ev.Status == "EXTENDED" || ev.Status == "BUILT" || ev.Status == "GUARD_WAIT" {
			b.noCircsSince = 0
			b.disconnectedCircs = false
		}
	}
}

// applyPurpose refreshes the role flags from a circuit purpose tag.
func (b *BandwidthStats) applyPurpose(cs *CircStat, purpose string) {
	switch {
	case strings.HasPrefix(purpose, "HS_CLIENT"):
		cs.IsService = false
	case strings.HasPrefix(purpose, "HS_SERVICE"):
		cs.IsService = true
	}
	if strings.HasSuffix(purpose, "_HSDIR") {
		cs.IsHSDir = true
	}
}

// checkDestroyed applies the destroy correlation: an in-use circuit torn
// down remotely right after its guard connection closed counts against that
// guard.
func (b *BandwidthStats) checkDestroyed(cs *CircStat, ev *control.CircEvent) {
	if !cs.InUse || cs.PossiblyDestroyedAt == 0 {
		return
	}
	if ev.Reason != "DESTROYED" || ev.RemoteReason != "CHANNEL_CLOSED" {
		return
	}
	lag := ev.ArrivedAt.Unix() - cs.PossiblyDestroyedAt
	if lag < 0 {
		lag = -lag
	}
	if lag > maxCircDestroyLagSecs {
		return
	}
	b.guardFor(cs.GuardFP).KilledConns++
	b.circsDestroyedTotal++
	b.metrics.CircuitsDestroyed.Inc()
	b.logger.Notice("Circuit was destroyed by its guard connection closing",
		"circuit_id", cs.ID, "guard", cs.GuardFP)
}

// CircMinorEvent tracks purpose changes and cannibalization.
func (b *BandwidthStats) CircMinorEvent(ev *control.CircMinorEvent) {
	if !b.hasControlSupport {
		return
	}
	cs, ok := b.circs[ev.ID]
	if !ok {
		return
	}

	switch ev.Event {
	case "PURPOSE_CHANGED":
		if ev.OldPurpose == "HS_VANGUARDS" {
			cs.InUse = true
			if len(ev.Path) > 0 {
				cs.GuardFP = ev.Path[0].Fingerprint
			}
		}
		if ev.Purpose == "PATH_BIAS_TESTING" {
			cs.PathBias = true
		}
		b.applyPurpose(cs, ev.Purpose)
	case "CANNIBALIZED":
		b.applyPurpose(cs, ev.Purpose)
	}
}

// CircBWEvent accumulates bandwidth accounting and enforces the per-circuit
// limits.
func (b *BandwidthStats) CircBWEvent(ev *control.CircBWEvent) {
	if !b.hasControlSupport {
		return
	}
	if !ev.HasDelivered {
		b.logger.Notice("In order for bandwidth-based protections to be enabled, " +
			"you must use Tor 0.3.4.0-alpha or newer")
		b.hasControlSupport = false
		return
	}

	b.noCircsSince = 0
	b.disconnectedCircs = false

	cs, ok := b.circs[ev.ID]
	if !ok {
		return
	}

	readBytes := float64(ev.Read) * cellDataRate
	sentBytes := float64(ev.Written) * cellDataRate
	if float64(ev.DeliveredRead+ev.OverheadRead) > readBytes {
		b.logger.Error("Application read data exceeds cell data",
			"circuit_id", ev.ID,
			"delivered", ev.DeliveredRead, "overhead", ev.OverheadRead, "read", ev.Read)
	}
	if float64(ev.DeliveredWritten+ev.OverheadWritten) > sentBytes {
		b.logger.Error("Application written data exceeds cell data",
			"circuit_id", ev.ID,
			"delivered", ev.DeliveredWritten, "overhead", ev.OverheadWritten, "written", ev.Written)
	}

	cs.ReadBytes += readBytes
	cs.SentBytes += sentBytes
	cs.DeliveredReadBytes += ev.DeliveredRead
	cs.DeliveredSentBytes += ev.DeliveredWritten
	cs.OverheadReadBytes += ev.OverheadRead
	cs.OverheadSentBytes += ev.OverheadWritten

	b.checkCircuitLimits(cs)
}

// checkCircuitLimits applies the dropped-cell, total-byte and hsdesc-size
// policies to one hidden-service circuit.
func (b *BandwidthStats) checkCircuitLimits(cs *CircStat) {
	if !cs.IsHS {
		return
	}

	if cs.ReadBytes > 0 &&
		cs.DroppedReadRate() > b.cfg.CircMaxDroppedBytesPercent/100.0 {
		level := logger.LevelNotice
		if cs.IsService {
			level = logger.LevelWarn
		}
		b.limitExceeded(level, "CIRC_MAX_DROPPED_BYTES_PERCENT", cs.ID,
			cs.DroppedReadRate()*100, b.cfg.CircMaxDroppedBytesPercent,
			"dropped", cs.DroppedReadBytes())
		b.tryCloseCircuit(cs.ID, b.metrics.CircuitsClosedDropped)
		return
	}

	if b.cfg.CircMaxMegabytes > 0 &&
		cs.TotalBytes() > float64(b.cfg.CircMaxMegabytes*bytesPerMB) {
		b.limitExceeded(logger.LevelNotice, "CIRC_MAX_MEGABYTES", cs.ID,
			cs.TotalBytes(), float64(b.cfg.CircMaxMegabytes*bytesPerMB))
		b.tryCloseCircuit(cs.ID, b.metrics.CircuitsClosedBytes)
		return
	}

	if b.cfg.CircMaxHSDescKilobytes > 0 && cs.IsHSDir &&
		cs.TotalBytes() > float64(b.cfg.CircMaxHSDescKilobytes*bytesPerKB) {
		b.limitExceeded(logger.LevelWarn, "CIRC_MAX_HSDESC_KILOBYTES", cs.ID,
			cs.TotalBytes(), float64(b.cfg.CircMaxHSDescKilobytes*bytesPerKB))
		b.tryCloseCircuit(cs.ID, b.metrics.CircuitsClosedHSDesc)
	}
}

// BWEvent is the once-a-second tick: expire old circuits and run the
// connectivity heartbeats.
func (b *BandwidthStats) BWEvent(ev *control.BWEvent) {
	now := ev.ArrivedAt.Unix()

	if b.cfg.CircMaxAgeHours > 0 {
		var kill []*CircStat
		for _, cs := range b.circs {
			if now-cs.CreatedAt > b.cfg.CircMaxAgeHours*secsPerHour {
				kill = append(kill, cs)
			}
		}
		for _, cs := range kill {
			b.limitExceeded(logger.LevelNotice, "CIRC_MAX_AGE_HOURS", cs.ID,
				float64(now-cs.CreatedAt), float64(b.cfg.CircMaxAgeHours*secsPerHour))
			b.tryCloseCircuit(cs.ID, b.metrics.CircuitsClosedAge)
		}
	}

	b.checkConnectivity(now)
}

// checkConnectivity warns when tor has had no guard connections or no
// circuit progress for too long. Repeat warnings only fire on multiples of
// the period so a wedged tor doesn't flood the log.
func (b *BandwidthStats) checkConnectivity(now int64) {
	connPeriod := b.cfg.ConnMaxDisconnectedSecs
	circPeriod := b.cfg.CircMaxDisconnectedSecs

	if connPeriod > 0 && b.noConnsSince > 0 {
		elapsed := now - b.noConnsSince
		if elapsed >= connPeriod && (!b.disconnectedConns || elapsed%connPeriod == 0) {
			b.logger.Warn("We've been disconnected from the Tor network",
				"seconds", elapsed)
			b.disconnectedConns = true
			if b.warnHook != nil {
				b.warnHook(now)
			}
		}
		return
	}

	if circPeriod > 0 && b.noCircsSince > 0 {
		elapsed := now - b.noCircsSince
		if elapsed >= circPeriod && (!b.disconnectedCircs || elapsed%circPeriod == 0) {
			b.logger.Warn("Tor has been failing all circuits",
				"seconds", elapsed)
			b.disconnectedCircs = true
			if b.warnHook != nil {
				b.warnHook(now)
			}
		}
	}
}

// ORConnEvent maintains the live connection table and stamps circuits whose
// guard connection just died.
func (b *BandwidthStats) ORConnEvent(ev *control.ORConnEvent) {
	switch ev.Status {
	case "CONNECTED":
		if ev.ID != "" {
			b.liveGuardConns[ev.ID] = &connStat{id: ev.ID, toGuard: ev.Fingerprint}
		}
		b.guardFor(ev.Fingerprint).ConnsMade++
		b.noConnsSince = 0
		b.disconnectedConns = false

	case "CLOSED", "FAILED":
		cs, ok := b.liveGuardConns[ev.ID]
		if ok {
			delete(b.liveGuardConns, ev.ID)
		} else {
			// Startup snapshot connections have synthetic ids; reconcile by
			// endpoint fingerprint.
			for id, conn := range b.liveGuardConns {
				if conn.synthetic && conn.toGuard == ev.Fingerprint {
					cs = conn
					delete(b.liveGuardConns, id)
					break
				}
			}
		}
		if cs != nil {
			now := ev.ArrivedAt.Unix()
			for _, circ := range b.circs {
				if circ.InUse && circ.GuardFP == cs.toGuard {
					circ.PossiblyDestroyedAt = now
				}
			}
			b.guardFor(cs.toGuard).KilledConnAt = now
		}
		if len(b.liveGuardConns) == 0 && b.noConnsSince == 0 {
			b.noConnsSince = ev.ArrivedAt.Unix()
		}
	}
	b.metrics.TrackedConnections.Set(int64(len(b.liveGuardConns)))
}

// NetworkLivenessEvent folds tor's own view of network liveness into the
// heartbeat state.
func (b *BandwidthStats) NetworkLivenessEvent(ev *control.NetworkLivenessEvent) {
	switch strings.ToUpper(ev.Status) {
	case "UP":
		b.networkDownSince = 0
		b.noCircsSince = 0
		b.disconnectedCircs = false
	case "DOWN":
		now := ev.ArrivedAt.Unix()
		b.networkDownSince = now
		if b.noCircsSince == 0 {
			b.noCircsSince = now
		}
	}
}

// tryCloseCircuit force-closes a circuit, best effort. Closes rejected as
// invalid requests drop the circuit from the tracker anyway; it is already
// gone on the tor side.
func (b *BandwidthStats) tryCloseCircuit(id string, counter *metrics.Counter) {
	if !b.closeCircuits {
		b.logger.Notice("Circuit closing disabled; would have closed circuit",
			"circuit_id", id)
		return
	}
	err := b.ctrl.CloseCircuit(id)
	if err == nil {
		counter.Inc()
		b.logger.Notice("We force-closed circuit", "circuit_id", id)
		return
	}
	b.metrics.CloseFailures.Inc()
	if errors.Is(err, guarderrors.ErrInvalidRequest) ||
		errors.Is(err, guarderrors.ErrInvalidArguments) {
		b.logger.Info("Failed to close circuit", "circuit_id", id, "error", err)
		delete(b.circs, id)
		b.metrics.TrackedCircuits.Set(int64(len(b.circs)))
		return
	}
	b.logger.Notice("Failed to close circuit", "circuit_id", id, "error", err)
}

// limitExceeded logs a policy violation in a uniform shape.
func (b *BandwidthStats) limitExceeded(level slog.Level, name, circID string,
	cur, max float64, extra ...any) {

	args := append([]any{"circuit_id", circID, "limit", name,
		"value", cur, "max", max}, extra...)
	b.logger.Log(context.Background(), level, "Circuit exceeded limit", args...)
}
