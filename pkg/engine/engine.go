// Package engine runs the supervisory loop: it attaches to tor's control
// port, performs the initial consensus update, subscribes to the event
// stream, and dispatches every event in arrival order to the policy
// subsystems. All mutable core state is owned by the dispatch goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/go-vanguards/pkg/bandguards"
	"github.com/opd-ai/go-vanguards/pkg/cbtverify"
	"github.com/opd-ai/go-vanguards/pkg/config"
	"github.com/opd-ai/go-vanguards/pkg/control"
	"github.com/opd-ai/go-vanguards/pkg/directory"
	guarderrors "github.com/opd-ai/go-vanguards/pkg/errors"
	"github.com/opd-ai/go-vanguards/pkg/exclusion"
	"github.com/opd-ai/go-vanguards/pkg/logger"
	"github.com/opd-ai/go-vanguards/pkg/metrics"
	"github.com/opd-ai/go-vanguards/pkg/pathverify"
	"github.com/opd-ai/go-vanguards/pkg/rendguard"
	"github.com/opd-ai/go-vanguards/pkg/vanguards"
)

// minTorVersionForBW is the oldest tor version for which the CIRC_BW
// bandwidth protections are enabled.
var minTorVersionForBW = [4]int{0, 3, 4, 4}

// Engine owns the dispatcher and all policy subsystems.
type Engine struct {
	cfg     *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	version string

	state *vanguards.State
	view  *directory.View

	bw    *bandguards.BandwidthStats
	pathv *pathverify.PathVerify
	cbt   *cbtverify.TimeoutStats

	bwSupported bool

	connMu sync.Mutex
	conn   *control.Conn
}

// New creates an engine. version names this tool's release for the startup
// banner.
func New(cfg *config.Config, log *logger.Logger, m *metrics.Metrics, version string) *Engine {
	if log == nil {
		log = logger.NewDefault()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		cfg:     cfg,
		logger:  log.Component("engine"),
		metrics: m,
		version: version,
	}
}

// Run attaches to tor and supervises until the context is cancelled, the
// one-shot update completes, or a fatal error occurs. Control-channel loss
// is retried up to the configured budget.
func (e *Engine) Run(ctx context.Context) error {
	e.state = vanguards.LoadState(e.cfg.Global.StateFile,
		&e.cfg.Vanguards, &e.cfg.Rendguard, e.logger)

	attempts := 0
	for {
		err := e.runOnce(ctx)
		if err == nil {
			return nil
		}
		if guarderrors.IsFatal(err) {
			return err
		}
		if attempts >= e.cfg.Global.RetryLimit {
			return err
		}
		attempts++
		e.metrics.Reconnects.Inc()
		e.logger.Notice("Control connection lost; reconnecting",
			"attempt", attempts, "limit", e.cfg.Global.RetryLimit, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// runOnce performs one full attach-and-dispatch session.
func (e *Engine) runOnce(ctx context.Context) error {
	conn, err := e.connect()
	if err != nil {
		return err
	}
	defer conn.Close()
	e.setConn(conn)
	defer e.setConn(nil)

	if err := conn.Authenticate(e.cfg.Global.ControlPass); err != nil {
		return err
	}

	torVersion := conn.Version()
	if torVersion == "" {
		if info, err := conn.GetInfo("version"); err == nil {
			torVersion = info["version"]
		}
	}
	e.logger.Notice("Vanguards connected to Tor", "vanguards", e.version, "tor", torVersion)

	e.bwSupported = versionAtLeast(torVersion, minTorVersionForBW)
	if !e.bwSupported {
		e.logger.Notice("In order for bandwidth-based protections to be enabled, " +
			"you must use Tor 0.3.4.4-rc or newer")
	}

	if e.cfg.Global.EnableVanguards {
		if err := e.newConsensus(conn); err != nil {
			return err
		}
	}
	if e.cfg.Global.OneShotVanguards {
		e.logger.Notice("Updated vanguards in torrc. Exiting.")
		return nil
	}

	if e.cfg.Global.EnableBandguards {
		e.bw = bandguards.New(conn, &e.cfg.Bandguards,
			e.cfg.Global.CloseCircuits, e.logger, e.metrics)
		// Seed the liveness state; tor may already know the network is down.
		if info, err := conn.GetInfo("network-liveness"); err == nil {
			e.bw.NetworkLivenessEvent(&control.NetworkLivenessEvent{
				Status:    info["network-liveness"],
				ArrivedAt: time.Now(),
			})
		}
	}
	if e.cfg.Global.EnablePathVerify {
		e.pathv = pathverify.New(conn, &e.cfg.Vanguards, e.logger)
	}
	if e.cfg.Global.EnableCbtVerify {
		e.cbt = cbtverify.New(e.logger)
	}

	if err := conn.SetEvents(e.eventCodes()...); err != nil {
		return guarderrors.Fatal(guarderrors.CategoryControl,
			"tor rejected our event subscription", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-conn.Events():
			if !ok {
				return guarderrors.Wrap(guarderrors.CategoryControl,
					"control connection closed", conn.Err())
			}
			if err := e.dispatch(conn, ev); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) connect() (*control.Conn, error) {
	if e.cfg.Global.ControlSocket != "" {
		return control.DialSocket(e.cfg.Global.ControlSocket, e.logger)
	}
	addr := e.cfg.Global.ControlIP + ":" + strconv.Itoa(e.cfg.Global.ControlPort)
	return control.Dial(addr, e.logger)
}

func (e *Engine) setConn(conn *control.Conn) {
	e.connMu.Lock()
	e.conn = conn
	e.connMu.Unlock()
}

// HUP asks tor to reload its own configuration; our config files are
// reapplied by the caller's signal handler.
// Called from the signal handler goroutine; control commands are safe to
// issue off the dispatch goroutine.
func (e *Engine) HUP() {
	e.connMu.Lock()
	conn := e.conn
	e.connMu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Signal("RELOAD"); err != nil {
		e.logger.Warn("Tor rejected SIGNAL RELOAD", "error", err)
	}
}

// eventCodes computes the subscription set for the enabled subsystems.
func (e *Engine) eventCodes() []control.EventCode {
	codes := []control.EventCode{control.EventCirc, control.EventBW, control.EventORConn}
	if e.cfg.Global.EnableVanguards {
		codes = append(codes, control.EventNewConsensus)
	}
	if e.bw != nil {
		codes = append(codes, control.EventNetworkLiveness)
		if e.bwSupported {
			codes = append(codes, control.EventCircBW)
		}
	}
	if (e.bw != nil && e.bwSupported) || e.pathv != nil {
		codes = append(codes, control.EventCircMinor)
	}
	if e.pathv != nil {
		codes = append(codes, control.EventConfChanged)
	}
	if e.cbt != nil {
		codes = append(codes, control.EventBuildTimeoutSet)
	}
	return codes
}

// dispatch routes one event to every subsystem that consumes it, in a fixed
// order. It runs on the single dispatcher goroutine.
func (e *Engine) dispatch(conn *control.Conn, ev control.Event) error {
	e.metrics.EventsDispatched.Inc()

	switch ev := ev.(type) {
	case *control.CircEvent:
		if e.bw != nil {
			e.bw.CircEvent(ev)
		}
		if e.cfg.Global.EnableRendguard {
			e.rendCircEvent(conn, ev)
		}
		if e.pathv != nil {
			e.pathv.CircEvent(ev)
		}
		if e.cbt != nil {
			e.cbt.CircEvent(ev)
		}
	case *control.CircMinorEvent:
		if e.bw != nil {
			e.bw.CircMinorEvent(ev)
		}
		if e.pathv != nil {
			e.pathv.CircMinorEvent(ev)
		}
	case *control.CircBWEvent:
		if e.bw != nil {
			e.bw.CircBWEvent(ev)
		}
	case *control.BWEvent:
		if e.bw != nil {
			e.bw.BWEvent(ev)
		}
	case *control.ORConnEvent:
		if e.bw != nil {
			e.bw.ORConnEvent(ev)
		}
		if e.pathv != nil {
			e.pathv.ORConnEvent(ev)
		}
	case *control.NetworkLivenessEvent:
		if e.bw != nil {
			e.bw.NetworkLivenessEvent(ev)
		}
	case *control.BuildTimeoutSetEvent:
		if e.cbt != nil {
			e.cbt.BuildTimeoutSetEvent(ev)
		}
	case *control.ConfChangedEvent:
		if e.pathv != nil {
			e.pathv.ConfChangedEvent(ev)
		}
	case *control.NewConsensusEvent:
		// Open the latch before running the update: a consensus arriving
		// while this one is in flight queues as the single pending one and
		// runs next; further duplicates coalesce into it.
		conn.ConsensusHandled()
		if e.cfg.Global.EnableVanguards {
			if err := e.newConsensus(conn); err != nil {
				return err
			}
		}
	}
	return nil
}

// rendCircEvent counts the rendezvous hop of every built service-side
// rendezvous circuit and closes over-users.
func (e *Engine) rendCircEvent(conn *control.Conn, ev *control.CircEvent) {
	if ev.Status != "BUILT" || ev.Purpose != "HS_SERVICE_REND" {
		return
	}

	fps := make([]string, len(ev.Path))
	for i, hop := range ev.Path {
		fps[i] = hop.Fingerprint
	}
	fp, ok := rendguard.RendNode(fps, e.cfg.Vanguards.NumLayer3Guards > 0)
	if !ok {
		e.logger.Error("Rendezvous circuit has a short path",
			"circuit_id", ev.ID, "len", len(ev.Path))
		return
	}
	if e.view == nil || e.view.ByFingerprint[fp] == nil {
		fp = rendguard.UnknownRelay
	}

	if e.state.Rend.ValidRendUse(fp) {
		return
	}
	if !e.cfg.Rendguard.RendUseCloseCircuitsOnOveruse || !e.cfg.Global.CloseCircuits {
		return
	}
	if err := conn.CloseCircuit(ev.ID); err != nil {
		e.metrics.CloseFailures.Inc()
		if errors.Is(err, guarderrors.ErrInvalidRequest) ||
			errors.Is(err, guarderrors.ErrInvalidArguments) {
			e.logger.Info("Failed to close circuit", "circuit_id", ev.ID, "error", err)
		} else {
			e.logger.Notice("Failed to close circuit", "circuit_id", ev.ID, "error", err)
		}
		return
	}
	e.metrics.CircuitsClosedRend.Inc()
	e.logger.Notice("We force-closed circuit", "circuit_id", ev.ID)
}

// newConsensus rebuilds the directory view and re-runs the guard-set
// manager: replace members, re-weight the rendezvous counter, push the
// configuration, persist the state. A consensus-triggered update completes
// before the next one is processed.
func (e *Engine) newConsensus(conn *control.Conn) error {
	e.metrics.ConsensusUpdates.Inc()

	info, err := conn.GetInfo("ns/all")
	if err != nil {
		return guarderrors.Fatal(guarderrors.CategoryConsensus,
			"cannot fetch network statuses", err)
	}
	relays, err := directory.ParseStatusEntries(strings.NewReader(info["ns/all"]))
	if err != nil {
		return guarderrors.Fatal(guarderrors.CategoryConsensus,
			"cannot parse network statuses", err)
	}

	weights, err := e.consensusWeights(conn)
	if err != nil {
		return err
	}

	before := e.state.Layer2Guardset() + "|" + e.state.Layer3Guardset()
	view := directory.NewView(relays, weights)
	excl := exclusion.New(conn, e.logger)

	if err := e.state.ConsensusUpdate(view, excl); err != nil {
		return guarderrors.Fatal(guarderrors.CategoryConsensus,
			"guard set update failed", err)
	}
	e.view = view
	if before != e.state.Layer2Guardset()+"|"+e.state.Layer3Guardset() {
		e.metrics.GuardsRotated.Inc()
	}

	if err := e.state.ConfigureTor(confAdapter{conn}); err != nil {
		return err
	}
	if err := e.state.Save(); err != nil {
		return err
	}

	e.logger.Info("Consensus update complete",
		"layer2", e.state.Layer2Guardset(), "layer3", e.state.Layer3Guardset())
	return nil
}

// consensusWeights reads the bandwidth-weight parameters from the cached
// consensus in tor's DataDirectory.
func (e *Engine) consensusWeights(conn *control.Conn) (map[string]int64, error) {
	confs, err := conn.GetConf("DataDirectory")
	if err != nil {
		return nil, guarderrors.Fatal(guarderrors.CategoryConsensus,
			"cannot read DataDirectory", err)
	}
	var dataDir string
	if vals := confs["DataDirectory"]; len(vals) > 0 {
		dataDir = vals[0]
	}
	if dataDir == "" {
		return nil, guarderrors.Fatal(guarderrors.CategoryConsensus,
			"you must set a DataDirectory location option in your torrc", nil)
	}

	for _, name := range []string{"cached-microdesc-consensus", "cached-consensus"} {
		path := filepath.Join(dataDir, name)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		weights, perr := directory.ParseBandwidthWeights(f)
		f.Close()
		if perr != nil {
			return nil, guarderrors.Fatal(guarderrors.CategoryConsensus,
				fmt.Sprintf("cannot parse %s", path), perr)
		}
		return weights, nil
	}
	return nil, guarderrors.Fatal(guarderrors.CategoryConsensus,
		fmt.Sprintf("cannot read cached consensus in %s", dataDir), nil)
}

// confAdapter bridges the control connection to the guard-set manager's
// narrower configuration interface.
type confAdapter struct {
	conn *control.Conn
}

func (a confAdapter) SetConf(entries ...vanguards.KeyVal) error {
	kvs := make([]control.KeyVal, len(entries))
	for i, e := range entries {
		kvs[i] = control.KeyVal{Key: e.Key, Val: e.Val}
	}
	return a.conn.SetConf(kvs...)
}

func (a confAdapter) SaveConf() error {
	return a.conn.SaveConf()
}

// versionAtLeast compares a tor version string like "0.4.8.10" or
// "0.3.4.4-rc" against a minimum, numerically on the first four components.
func versionAtLeast(version string, min [4]int) bool {
	if version == "" {
		return false
	}
	base, _, _ := strings.Cut(version, "-")
	base, _, _ = strings.Cut(base, " ")
	parts := strings.Split(base, ".")

	var nums [4]int
	for i := 0; i < len(parts) && i < 4; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return false
		}
		nums[i] = n
	}
	for i := 0; i < 4; i++ {
		if nums[i] != min[i] {
			return nums[i] > min[i]
		}
	}
	return true
}
