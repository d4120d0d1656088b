package bandguards

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/opd-ai/go-vanguards/pkg/config"
	"github.com/opd-ai/go-vanguards/pkg/control"
	guarderrors "github.com/opd-ai/go-vanguards/pkg/errors"
	"github.com/opd-ai/go-vanguards/pkg/logger"
	"github.com/opd-ai/go-vanguards/pkg/metrics"
)

const (
	guardA = "5416F3E8F80101A133B1970495B04FDBD1C7446B"
	guardB = "3E53D3979DB07EFD736661C934A1DED14127B684"
	middle = "1F9544C0A80F1C5D8A5117FBFFB50694469CC7F4"
)

// mockController records circuit closes and serves the startup snapshot.
type mockController struct {
	orconnStatus string
	closedCirc   string
	closeErr     error
}

func (m *mockController) CloseCircuit(id string) error {
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closedCirc = id
	return nil
}

func (m *mockController) GetInfo(keys ...string) (map[string]string, error) {
	return map[string]string{"orconn-status": m.orconnStatus}, nil
}

func testLog() *logger.Logger {
	return logger.New(logger.LevelNone, io.Discard)
}

func newTestStats(t *testing.T, ctrl *mockController) (*BandwidthStats, *config.Bandguards) {
	t.Helper()
	cfg := config.DefaultConfig()
	b := New(ctrl, &cfg.Bandguards, true, testLog(), metrics.New())
	return b, &cfg.Bandguards
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0)
}

func builtCirc(id, purpose, guard string) *control.CircEvent {
	return &control.CircEvent{
		ID:     id,
		Status: "BUILT",
		Path: []control.PathEntry{
			{Fingerprint: guard}, {Fingerprint: middle},
			{Fingerprint: "DBD67767640197FF96EC6A87684464FC48F611B6"},
			{Fingerprint: "387B065A38E4DAA16D9D41C2964ECBC4B31D30FF"},
		},
		Purpose:   purpose,
		HSState:   "HSSI_CONNECTING",
		ArrivedAt: at(10),
	}
}

func closedCirc(id string) *control.CircEvent {
	return &control.CircEvent{
		ID: id, Status: "CLOSED", Purpose: "HS_CLIENT_REND",
		Reason: "FINISHED", ArrivedAt: at(20),
	}
}

func failedCirc(id string) *control.CircEvent {
	return &control.CircEvent{
		ID: id, Status: "FAILED", Purpose: "HS_SERVICE_INTRO",
		HSState: "HSSI_CONNECTING", Reason: "FINISHED", ArrivedAt: at(20),
	}
}

func destroyedCirc(id, guard string, sec int64) *control.CircEvent {
	ev := builtCirc(id, "HS_CLIENT_REND", guard)
	ev.Status = "CLOSED"
	ev.Reason = "DESTROYED"
	ev.RemoteReason = "CHANNEL_CLOSED"
	ev.ArrivedAt = at(sec)
	return ev
}

func orconn(id, guard, status string, sec int64) *control.ORConnEvent {
	return &control.ORConnEvent{
		Target:      "$" + guard + "~Unnamed",
		Fingerprint: guard,
		Status:      status,
		ID:          id,
		ArrivedAt:   at(sec),
	}
}

// circBW sends one accounting event carrying cells raw read/written cells,
// with the given delivered/overhead byte counts.
func circBW(id string, readCells, sentCells, deliveredRead, overheadRead int64) *control.CircBWEvent {
	return &control.CircBWEvent{
		ID:            id,
		Read:          readCells * cellPayloadSize,
		Written:       sentCells * cellPayloadSize,
		HasDelivered:  true,
		DeliveredRead: deliveredRead,
		OverheadRead:  overheadRead,
		ArrivedAt:     at(15),
	}
}

// fullCell is the delivered byte count that accounts for one whole read
// cell, leaving nothing dropped.
const fullCell = int64(cellPayloadSize - relayHeaderSize)

func TestCircuitLifecycle(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	b.CircEvent(builtCirc("1", "HS_VANGUARDS", guardA))
	if b.circs["1"] == nil {
		t.Fatal("hs circuit not tracked")
	}
	b.CircEvent(failedCirc("1"))
	if b.circs["1"] != nil {
		t.Fatal("failed circuit still tracked")
	}

	// Terminal events are idempotent: a second CLOSED changes nothing.
	before := b.circsDestroyedTotal
	b.CircEvent(closedCirc("1"))
	b.CircEvent(closedCirc("1"))
	if b.circsDestroyedTotal != before {
		t.Error("duplicate terminal event altered state")
	}

	// Non-HS circuits are ignored.
	general := builtCirc("2", "GENERAL", guardA)
	general.HSState = ""
	b.CircEvent(general)
	if b.circs["2"] != nil {
		t.Error("general circuit tracked")
	}
}

func TestRoleFlags(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	b.CircEvent(builtCirc("1", "HS_SERVICE_HSDIR", guardA))
	cs := b.circs["1"]
	if !cs.IsHSDir || !cs.IsService || !cs.IsHS {
		t.Errorf("hsdir service flags = %+v", cs)
	}

	b.CircEvent(builtCirc("2", "HS_CLIENT_REND", guardA))
	if b.circs["2"].IsService {
		t.Error("client circuit marked service")
	}

	// Cannibalization re-purposes a vanguard circuit.
	b.CircEvent(builtCirc("3", "HS_VANGUARDS", guardA))
	if b.circs["3"].IsHSDir {
		t.Fatal("vanguard circuit marked hsdir")
	}
	b.CircMinorEvent(&control.CircMinorEvent{
		ID: "3", Event: "CANNIBALIZED", Purpose: "HS_CLIENT_HSDIR", ArrivedAt: at(11),
	})
	if !b.circs["3"].IsHSDir || b.circs["3"].IsService {
		t.Errorf("cannibalized flags = %+v", b.circs["3"])
	}
}

func TestInUseOnBuilt(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	// HS_VANGUARDS circuits are pre-built spares: not in use.
	b.CircEvent(builtCirc("1", "HS_VANGUARDS", guardA))
	if b.circs["1"].InUse {
		t.Error("vanguard circuit marked in use")
	}

	b.CircEvent(builtCirc("2", "HS_SERVICE_REND", guardA))
	cs := b.circs["2"]
	if !cs.InUse || cs.GuardFP != guardA {
		t.Errorf("in_use/guard = %v/%s", cs.InUse, cs.GuardFP)
	}

	// A purpose change out of HS_VANGUARDS puts the spare into use.
	b.CircMinorEvent(&control.CircMinorEvent{
		ID: "1", Event: "PURPOSE_CHANGED",
		Purpose: "HS_SERVICE_REND", OldPurpose: "HS_VANGUARDS",
		Path:      []control.PathEntry{{Fingerprint: guardA}},
		ArrivedAt: at(11),
	})
	if !b.circs["1"].InUse || b.circs["1"].GuardFP != guardA {
		t.Error("purpose change did not mark circuit in use")
	}
}

func TestHSDirSizeCap(t *testing.T) {
	ctrl := &mockController{}
	b, cfg := newTestStats(t, ctrl)

	b.CircEvent(builtCirc("7", "HS_SERVICE_HSDIR", guardA))

	// Stay under the cap: 61 fully-delivered cells is the most that fits
	// inside 30 KB of accounted read traffic.
	limit := float64(cfg.CircMaxHSDescKilobytes * bytesPerKB)
	cells := 0
	for float64(cells+1)*float64(cellPayloadSize)*cellDataRate <= limit {
		b.CircBWEvent(circBW("7", 1, 0, fullCell, 0))
		cells++
		if ctrl.closedCirc != "" {
			t.Fatalf("closed at %d cells, under the cap", cells)
		}
	}

	// One more cell goes over.
	b.CircBWEvent(circBW("7", 1, 0, fullCell, 0))
	if ctrl.closedCirc != "7" {
		t.Error("hsdir circuit over the cap was not closed")
	}
}

func TestHSDirSizeCapDisabled(t *testing.T) {
	ctrl := &mockController{}
	b, cfg := newTestStats(t, ctrl)
	cfg.CircMaxHSDescKilobytes = 0

	b.CircEvent(builtCirc("7", "HS_SERVICE_HSDIR", guardA))
	for i := 0; i < 100; i++ {
		b.CircBWEvent(circBW("7", 1, 0, fullCell, 0))
	}
	if ctrl.closedCirc != "" {
		t.Error("disabled hsdir cap closed a circuit")
	}
}

func TestMaxBytes(t *testing.T) {
	ctrl := &mockController{}
	b, cfg := newTestStats(t, ctrl)
	cfg.CircMaxMegabytes = 1

	b.CircEvent(builtCirc("9", "HS_SERVICE_REND", guardA))

	// 1000-cell batches, fully delivered, until the next batch would cross
	// one megabyte of total traffic.
	limit := float64(cfg.CircMaxMegabytes * bytesPerMB)
	batch := float64(1000*cellPayloadSize) * cellDataRate
	total := 0.0
	for total+batch <= limit {
		b.CircBWEvent(circBW("9", 1000, 0, 1000*fullCell, 0))
		total += batch
		if ctrl.closedCirc != "" {
			t.Fatal("closed under the byte limit")
		}
	}
	b.CircBWEvent(circBW("9", 1000, 0, 1000*fullCell, 0))
	if ctrl.closedCirc != "9" {
		t.Error("circuit over the byte limit was not closed")
	}
}

func TestMaxBytesDisabled(t *testing.T) {
	ctrl := &mockController{}
	b, cfg := newTestStats(t, ctrl)
	cfg.CircMaxMegabytes = 0

	b.CircEvent(builtCirc("9", "HS_SERVICE_REND", guardA))
	for i := 0; i < 3000; i++ {
		b.CircBWEvent(circBW("9", 1000, 0, 1000*fullCell, 0))
	}
	if ctrl.closedCirc != "" {
		t.Error("disabled byte limit closed a circuit")
	}
}

func TestDroppedCellAllowance(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	// Client-side rendezvous circuit; every cell fully dropped. The sendme
	// allowance covers the first cell; the second crosses it.
	b.CircEvent(builtCirc("3", "HS_CLIENT_REND", guardA))

	b.CircBWEvent(circBW("3", 1, 1, 0, 0))
	if ctrl.closedCirc != "" {
		t.Fatal("closed within the sendme allowance")
	}
	b.CircBWEvent(circBW("3", 1, 1, 0, 0))
	if ctrl.closedCirc != "3" {
		t.Error("dropped cells beyond the allowance did not close the circuit")
	}
}

func TestDroppedCellsCleanTrafficOK(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	b.CircEvent(builtCirc("4", "HS_SERVICE_REND", guardA))
	for i := 0; i < 1000; i++ {
		b.CircBWEvent(circBW("4", 1, 1, fullCell, 0))
	}
	if ctrl.closedCirc != "" {
		t.Error("clean traffic closed a circuit")
	}
}

func TestDroppedCellsPathBiasTolerance(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	b.CircEvent(builtCirc("5", "HS_CLIENT_REND", guardA))
	b.CircMinorEvent(&control.CircMinorEvent{
		ID: "5", Event: "PURPOSE_CHANGED",
		Purpose: "PATH_BIAS_TESTING", OldPurpose: "HS_CLIENT_REND",
		ArrivedAt: at(11),
	})

	// The path-bias budget tolerates the extra probe cells that a plain
	// circuit would be closed for.
	for i := 0; i < 1+maxPathBiasCellsClient; i++ {
		b.CircBWEvent(circBW("5", 1, 1, 0, 0))
	}
	if ctrl.closedCirc != "" {
		t.Fatal("closed within the path-bias allowance")
	}
	for i := 0; i < 3; i++ {
		b.CircBWEvent(circBW("5", 1, 1, 0, 0))
	}
	if ctrl.closedCirc != "5" {
		t.Error("path-bias circuit never closed")
	}
}

func TestOldTorDisablesBandwidthGuard(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	b.CircEvent(builtCirc("6", "HS_SERVICE_REND", guardA))
	b.CircBWEvent(&control.CircBWEvent{ID: "6", Read: 509, Written: 509, ArrivedAt: at(15)})
	if b.hasControlSupport {
		t.Fatal("guard still enabled without DELIVERED_* support")
	}

	// Once disabled it must not close anything, ever.
	for i := 0; i < 100; i++ {
		b.CircBWEvent(circBW("6", 1, 1, 0, 0))
	}
	if ctrl.closedCirc != "" {
		t.Error("disabled guard closed a circuit")
	}
}

func TestAgeEnforcement(t *testing.T) {
	ctrl := &mockController{}
	b, cfg := newTestStats(t, ctrl)

	b.CircEvent(builtCirc("8", "HS_CLIENT_REND", guardA))

	b.BWEvent(&control.BWEvent{ArrivedAt: at(100)})
	if ctrl.closedCirc != "" {
		t.Fatal("young circuit closed")
	}

	old := at(10 + cfg.CircMaxAgeHours*secsPerHour + 1)
	b.BWEvent(&control.BWEvent{ArrivedAt: old})
	if ctrl.closedCirc != "8" {
		t.Error("old circuit not closed")
	}
}

func TestAgeEnforcementDisabled(t *testing.T) {
	ctrl := &mockController{}
	b, cfg := newTestStats(t, ctrl)
	cfg.CircMaxAgeHours = 0

	b.CircEvent(builtCirc("8", "HS_CLIENT_REND", guardA))
	b.BWEvent(&control.BWEvent{ArrivedAt: at(10 + 365*24*secsPerHour)})
	if ctrl.closedCirc != "" {
		t.Error("disabled age limit closed a circuit")
	}
}

func TestOrconnSnapshot(t *testing.T) {
	ctrl := &mockController{
		orconnStatus: "$" + guardB + "~Unnamed CONNECTED\n" +
			"$" + guardB + "~Unnamed LAUNCHED\n" +
			"$" + guardB + "~Unnamed CONNECTED",
	}
	b, _ := newTestStats(t, ctrl)

	if len(b.liveGuardConns) != 2 {
		t.Fatalf("live conns = %d, want 2", len(b.liveGuardConns))
	}
	if b.maxFakeID != 2 {
		t.Errorf("maxFakeID = %d, want 2", b.maxFakeID)
	}
	if b.liveGuardConns["0"] == nil || b.liveGuardConns["0"].toGuard != guardB {
		t.Error("synthetic id 0 missing or wrong guard")
	}
	if b.liveGuardConns["1"] != nil {
		t.Error("launched line got a live entry")
	}
	if b.liveGuardConns["2"] == nil {
		t.Error("synthetic id 2 missing")
	}
}

func TestDestroyCorrelation(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	b.ORConnEvent(orconn("9", guardA, "CONNECTED", 50))
	b.CircEvent(builtCirc("42", "HS_SERVICE_REND", guardA))

	b.ORConnEvent(orconn("9", guardA, "CLOSED", 100))
	if b.circs["42"].PossiblyDestroyedAt != 100 {
		t.Fatalf("possibly_destroyed_at = %d, want 100", b.circs["42"].PossiblyDestroyedAt)
	}

	b.CircEvent(destroyedCirc("42", guardA, 101))
	if got := b.guards[guardA].KilledConns; got != 1 {
		t.Errorf("killed_conns = %d, want 1", got)
	}
	if b.circsDestroyedTotal != 1 {
		t.Errorf("circs_destroyed_total = %d, want 1", b.circsDestroyedTotal)
	}
}

func TestDestroyCorrelationNegatives(t *testing.T) {
	tests := []struct {
		name string
		run  func(b *BandwidthStats)
	}{
		{"late destroy outside the lag window", func(b *BandwidthStats) {
			b.ORConnEvent(orconn("9", guardA, "CONNECTED", 50))
			b.CircEvent(builtCirc("42", "HS_SERVICE_INTRO", guardA))
			b.ORConnEvent(orconn("9", guardA, "CLOSED", 100))
			b.CircEvent(destroyedCirc("42", guardA, 100+maxCircDestroyLagSecs+3))
		}},
		{"vanguard spare is not in use", func(b *BandwidthStats) {
			b.ORConnEvent(orconn("9", guardA, "CONNECTED", 50))
			b.CircEvent(builtCirc("42", "HS_VANGUARDS", guardA))
			b.ORConnEvent(orconn("9", guardA, "CLOSED", 100))
			b.CircEvent(destroyedCirc("42", guardA, 101))
		}},
		{"different guard", func(b *BandwidthStats) {
			b.ORConnEvent(orconn("9", guardA, "CONNECTED", 50))
			b.CircEvent(builtCirc("42", "HS_SERVICE_INTRO", guardB))
			b.ORConnEvent(orconn("9", guardA, "CLOSED", 100))
			b.CircEvent(destroyedCirc("42", guardB, 101))
		}},
		{"plain close reason", func(b *BandwidthStats) {
			b.ORConnEvent(orconn("9", guardA, "CONNECTED", 50))
			b.CircEvent(builtCirc("42", "HS_SERVICE_REND", guardA))
			b.ORConnEvent(orconn("9", guardA, "CLOSED", 100))
			ev := closedCirc("42")
			ev.ArrivedAt = at(101)
			b.CircEvent(ev)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestStats(t, &mockController{})
			tt.run(b)
			if b.circsDestroyedTotal != 0 {
				t.Errorf("circs_destroyed_total = %d, want 0", b.circsDestroyedTotal)
			}
		})
	}
}

func TestSyntheticConnReconciliation(t *testing.T) {
	ctrl := &mockController{
		orconnStatus: "$" + guardB + "~Unnamed CONNECTED",
	}
	b, _ := newTestStats(t, ctrl)
	b.CircEvent(builtCirc("23", "HS_SERVICE_REND", guardB))

	// A close with an id we never saw reconciles against the snapshot
	// entry by fingerprint.
	b.ORConnEvent(orconn("77", guardB, "CLOSED", 100))
	if len(b.liveGuardConns) != 0 {
		t.Error("synthetic connection not reconciled")
	}
	if b.circs["23"].PossiblyDestroyedAt != 100 {
		t.Error("circuit not stamped via reconciled connection")
	}
	if b.noConnsSince != 100 {
		t.Errorf("no_conns_since = %d, want 100", b.noConnsSince)
	}
}

func TestConnectivityHeartbeat(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)
	var warned []int64
	b.warnHook = func(now int64) { warned = append(warned, now) }

	b.noConnsSince = 0
	b.disconnectedConns = false
	b.noConnsSince = 1000 // no orconns since t=1000

	for _, tick := range []int64{1005, 1014, 1015, 1030} {
		b.BWEvent(&control.BWEvent{ArrivedAt: at(tick)})
	}
	if len(warned) != 2 || warned[0] != 1015 || warned[1] != 1030 {
		t.Errorf("warnings at %v, want [1015 1030]", warned)
	}

	// Reconnection clears the warning state.
	b.ORConnEvent(orconn("3", guardA, "CONNECTED", 1031))
	if b.noConnsSince != 0 || b.disconnectedConns {
		t.Error("reconnect did not clear heartbeat state")
	}
}

func TestCircuitHeartbeat(t *testing.T) {
	ctrl := &mockController{
		orconnStatus: "$" + guardB + "~Unnamed CONNECTED",
	}
	b, cfg := newTestStats(t, ctrl)
	var warned []int64
	b.warnHook = func(now int64) { warned = append(warned, now) }

	fail := failedCirc("31")
	fail.ArrivedAt = at(1000)
	b.CircEvent(fail)
	if b.noCircsSince != 1000 {
		t.Fatalf("no_circs_since = %d, want 1000", b.noCircsSince)
	}

	b.BWEvent(&control.BWEvent{ArrivedAt: at(1000 + cfg.CircMaxDisconnectedSecs)})
	if len(warned) != 1 {
		t.Fatalf("warnings = %v, want one", warned)
	}
	if !b.disconnectedCircs {
		t.Error("disconnectedCircs not latched")
	}

	// Progress clears it.
	ok := builtCirc("32", "HS_CLIENT_REND", guardB)
	ok.ArrivedAt = at(1000 + cfg.CircMaxDisconnectedSecs + 1)
	b.CircEvent(ok)
	if b.noCircsSince != 0 || b.disconnectedCircs {
		t.Error("circuit progress did not clear heartbeat state")
	}
}

func TestNetworkLiveness(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	b.NetworkLivenessEvent(&control.NetworkLivenessEvent{Status: "DOWN", ArrivedAt: at(500)})
	if b.networkDownSince != 500 || b.noCircsSince != 500 {
		t.Errorf("down state = %d/%d, want 500/500", b.networkDownSince, b.noCircsSince)
	}

	b.NetworkLivenessEvent(&control.NetworkLivenessEvent{Status: "UP", ArrivedAt: at(600)})
	if b.networkDownSince != 0 || b.noCircsSince != 0 || b.disconnectedCircs {
		t.Error("UP did not clear liveness state")
	}
}

func TestCloseFailureDropsCircuit(t *testing.T) {
	ctrl := &mockController{
		closeErr: fmt.Errorf("%w: 552 Unknown circuit", guarderrors.ErrInvalidArguments),
	}
	b, _ := newTestStats(t, ctrl)

	b.CircEvent(builtCirc("3", "HS_CLIENT_REND", guardA))
	b.CircBWEvent(circBW("3", 1, 1, 0, 0))
	b.CircBWEvent(circBW("3", 1, 1, 0, 0))
	if b.circs["3"] != nil {
		t.Error("circuit not dropped after invalid-request close failure")
	}
}

func TestDryRunKeepsCircuitsOpen(t *testing.T) {
	ctrl := &mockController{}
	cfg := config.DefaultConfig()
	b := New(ctrl, &cfg.Bandguards, false, testLog(), metrics.New())

	b.CircEvent(builtCirc("3", "HS_CLIENT_REND", guardA))
	for i := 0; i < 10; i++ {
		b.CircBWEvent(circBW("3", 1, 1, 0, 0))
	}
	if ctrl.closedCirc != "" {
		t.Error("dry-run mode closed a circuit")
	}
}

func TestConnsMadeAndCloseReasons(t *testing.T) {
	ctrl := &mockController{}
	b, _ := newTestStats(t, ctrl)

	b.ORConnEvent(orconn("1", guardA, "CONNECTED", 10))
	b.ORConnEvent(orconn("2", guardA, "CONNECTED", 11))
	if b.guards[guardA].ConnsMade != 2 {
		t.Errorf("conns_made = %d, want 2", b.guards[guardA].ConnsMade)
	}

	b.CircEvent(builtCirc("5", "HS_CLIENT_REND", guardA))
	b.CircEvent(closedCirc("5"))
	if b.guards[guardA].CloseReasons["FINISHED"] != 1 {
		t.Errorf("close_reasons = %v", b.guards[guardA].CloseReasons)
	}
}
