// Package pathverify cross-checks built hidden-service circuits against the
// configured guard layers: route length by purpose, layer membership of each
// hop, and the set of guards actually carrying connections.
package pathverify

import (
	"strings"

	"github.com/opd-ai/go-vanguards/pkg/config"
	"github.com/opd-ai/go-vanguards/pkg/control"
	"github.com/opd-ai/go-vanguards/pkg/logger"
)

// routeLenForPurpose is the expected path length of each hidden-service
// circuit purpose with vanguards active.
var routeLenForPurpose = map[string]int{
	"HS_VANGUARDS":     4,
	"HS_CLIENT_HSDIR":  5,
	"HS_CLIENT_INTRO":  5,
	"HS_CLIENT_REND":   4,
	"HS_SERVICE_HSDIR": 4,
	"HS_SERVICE_INTRO": 4,
	"HS_SERVICE_REND":  5,
}

// Purposes a circuit may legitimately leave the hidden-service pool for.
var benignNonHSPurposes = map[string]bool{
	"CIRCUIT_PADDING":   true,
	"MEASURE_TIMEOUT":   true,
	"PATH_BIAS_TESTING": true,
}

// Controller is the slice of the control connection the verifier needs.
type Controller interface {
	GetConf(keys ...string) (map[string][]string, error)
	GetInfo(keys ...string) (map[string]string, error)
}

// PathVerify asserts layer adherence for every built HS circuit.
type PathVerify struct {
	logger *logger.Logger
	cfg    *config.Vanguards

	layer1 map[string]int // guard fingerprint -> circuits seen
	layer2 map[string]bool
	layer3 map[string]bool
}

// New builds a verifier primed from tor's current orconn and layer
// configuration.
func New(ctrl Controller, cfg *config.Vanguards, log *logger.Logger) *PathVerify {
	if log == nil {
		log = logger.NewDefault()
	}
	p := &PathVerify{
		logger: log.Component("pathverify"),
		cfg:    cfg,
		layer1: make(map[string]int),
		layer2: make(map[string]bool),
		layer3: make(map[string]bool),
	}

	if info, err := ctrl.GetInfo("orconn-status"); err == nil {
		for _, line := range strings.Split(info["orconn-status"], "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			fp, _, _ := strings.Cut(strings.TrimPrefix(line, "$"), "~")
			p.layer1[strings.ToUpper(fp)] = 0
		}
	}
	if len(p.layer1) < cfg.NumLayer1Guards {
		p.logger.Notice("Fewer guards in use than configured", "in_use", len(p.layer1))
	} else if len(p.layer1) > cfg.NumLayer1Guards {
		p.logger.Notice("More guards in use than configured", "in_use", len(p.layer1))
	}

	if conf, err := ctrl.GetConf("HSLayer2Nodes", "HSLayer3Nodes"); err == nil {
		// These may be empty at startup, before the first consensus push.
		if vals := conf["HSLayer2Nodes"]; len(vals) > 0 && vals[0] != "" {
			p.setLayer2(vals[0])
		}
		if vals := conf["HSLayer3Nodes"]; len(vals) > 0 && vals[0] != "" {
			p.setLayer3(vals[0])
		}
	}
	return p
}

func fingerprintSet(csv string) map[string]bool {
	out := make(map[string]bool)
	for _, fp := range strings.Split(csv, ",") {
		fp = strings.ToUpper(strings.TrimSpace(fp))
		if fp != "" {
			out[fp] = true
		}
	}
	return out
}

func (p *PathVerify) setLayer2(csv string) {
	p.layer2 = fingerprintSet(csv)
	if len(p.layer2) > 1 && len(p.layer2) != p.cfg.NumLayer2Guards {
		p.logger.Notice("Wrong number of layer2 guards",
			"want", p.cfg.NumLayer2Guards, "have", len(p.layer2))
	}
}

func (p *PathVerify) setLayer3(csv string) {
	p.layer3 = fingerprintSet(csv)
	if len(p.layer3) > 1 && len(p.layer3) != p.cfg.NumLayer3Guards {
		p.logger.Notice("Wrong number of layer3 guards",
			"want", p.cfg.NumLayer3Guards, "have", len(p.layer3))
	}
}

// ConfChangedEvent follows layer reconfiguration, ours or anyone else's.
func (p *PathVerify) ConfChangedEvent(ev *control.ConfChangedEvent) {
	if vals, ok := ev.Changed["HSLayer2Nodes"]; ok && len(vals) > 0 {
		p.setLayer2(vals[0])
	}
	if vals, ok := ev.Changed["HSLayer3Nodes"]; ok && len(vals) > 0 {
		p.setLayer3(vals[0])
	}
}

// ORConnEvent maintains the set of guards carrying live connections.
func (p *PathVerify) ORConnEvent(ev *control.ORConnEvent) {
	switch ev.Status {
	case "CONNECTED":
		p.layer1[ev.Fingerprint] = 0
	case "CLOSED", "FAILED":
		delete(p.layer1, ev.Fingerprint)
	default:
		return
	}

	if len(p.layer1) < p.cfg.NumLayer1Guards {
		p.logger.Notice("Fewer guards in use than configured", "in_use", len(p.layer1))
	} else if len(p.layer1) > p.cfg.NumLayer1Guards {
		p.logger.Notice("More guards in use than configured", "in_use", len(p.layer1))
	}
}

// CircEvent verifies a built HS circuit against the expected route length
// and layer membership.
func (p *PathVerify) CircEvent(ev *control.CircEvent) {
	if !strings.HasPrefix(ev.Purpose, "HS_") {
		return
	}
	if ev.Status != "BUILT" && ev.Status != "GUARD_WAIT" {
		return
	}

	if want, ok := routeLenForPurpose[ev.Purpose]; ok && len(ev.Path) != want {
		if ev.Purpose == "HS_SERVICE_HSDIR" && ev.HSState == "HSSI_CONNECTING" {
			// Cannibalized vanguard circuits come through one hop long.
			p.logger.Info("Route length mismatch on cannibalized circuit",
				"circuit_id", ev.ID, "purpose", ev.Purpose,
				"len", len(ev.Path), "want", want)
		} else {
			p.logger.Notice("Route length mismatch",
				"circuit_id", ev.ID, "purpose", ev.Purpose,
				"len", len(ev.Path), "want", want)
		}
	}

	if len(ev.Path) > 0 {
		fp := ev.Path[0].Fingerprint
		if _, ok := p.layer1[fp]; !ok {
			p.logger.Warn("Guard is not in our connection set",
				"circuit_id", ev.ID, "fingerprint", fp)
		} else {
			p.layer1[fp]++
		}
	}
	if len(ev.Path) > 1 && !p.layer2[ev.Path[1].Fingerprint] {
		p.logger.Warn("Layer2 hop is not in our layer2 set",
			"circuit_id", ev.ID, "fingerprint", ev.Path[1].Fingerprint)
	}
	if p.cfg.NumLayer3Guards > 0 && len(ev.Path) > 2 && !p.layer3[ev.Path[2].Fingerprint] {
		p.logger.Warn("Layer3 hop is not in our layer3 set",
			"circuit_id", ev.ID, "fingerprint", ev.Path[2].Fingerprint)
	}

	if len(p.layer2) > 1 && len(p.layer2) != p.cfg.NumLayer2Guards {
		p.logger.Warn("Circuit built with wrong number of layer2 nodes",
			"have", len(p.layer2), "want", p.cfg.NumLayer2Guards)
	}
	if len(p.layer3) > 1 && len(p.layer3) != p.cfg.NumLayer3Guards {
		p.logger.Warn("Circuit built with wrong number of layer3 nodes",
			"have", len(p.layer3), "want", p.cfg.NumLayer3Guards)
	}
}

// CircMinorEvent flags suspicious purpose transitions in or out of the
// hidden-service pool.
func (p *PathVerify) CircMinorEvent(ev *control.CircMinorEvent) {
	toHS := strings.HasPrefix(ev.Purpose, "HS_")
	fromHS := strings.HasPrefix(ev.OldPurpose, "HS_")

	if toHS && !fromHS {
		p.logger.Warn("Purpose switched from non-hs to hs",
			"circuit_id", ev.ID, "old", ev.OldPurpose, "new", ev.Purpose)
	} else if !toHS && fromHS && !benignNonHSPurposes[ev.Purpose] {
		p.logger.Warn("Purpose switched from hs to non-hs",
			"circuit_id", ev.ID, "old", ev.OldPurpose, "new", ev.Purpose)
	}

	if toHS || fromHS {
		if len(ev.Path) > 0 {
			if _, ok := p.layer1[ev.Path[0].Fingerprint]; !ok {
				p.logger.Warn("Guard is not in our connection set",
					"circuit_id", ev.ID, "fingerprint", ev.Path[0].Fingerprint)
			}
		}
		if len(ev.Path) > 1 && !p.layer2[ev.Path[1].Fingerprint] {
			p.logger.Warn("Layer2 hop is not in our layer2 set",
				"circuit_id", ev.ID, "fingerprint", ev.Path[1].Fingerprint)
		}
		if len(ev.Path) > 2 && !p.layer3[ev.Path[2].Fingerprint] {
			p.logger.Warn("Layer3 hop is not in our layer3 set",
				"circuit_id", ev.ID, "fingerprint", ev.Path[2].Fingerprint)
		}
	}
}
