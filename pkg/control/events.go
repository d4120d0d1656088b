// Package control - asynchronous event parsing.
//
// Each event kind the supervisor consumes gets a typed struct with statically
// known fields; whatever keyword arguments remain are preserved in a KeywordArgs
// map for the odd consumer that needs them.
package control

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cretz/bine/torutil"
)

// EventCode identifies an asynchronous event kind.
type EventCode string

const (
	EventCirc            EventCode = "CIRC"
	EventCircMinor       EventCode = "CIRC_MINOR"
	EventCircBW          EventCode = "CIRC_BW"
	EventBW              EventCode = "BW"
	EventORConn          EventCode = "ORCONN"
	EventNewConsensus    EventCode = "NEWCONSENSUS"
	EventNetworkLiveness EventCode = "NETWORK_LIVENESS"
	EventBuildTimeoutSet EventCode = "BUILDTIMEOUT_SET"
	EventConfChanged     EventCode = "CONF_CHANGED"
)

// Event is a parsed asynchronous event.
type Event interface {
	Code() EventCode
	Arrived() time.Time
}

// PathEntry is one hop of a circuit path.
type PathEntry struct {
	Fingerprint string
	Nickname    string
}

// CircEvent is a CIRC status change.
type CircEvent struct {
	ID           string
	Status       string
	Path         []PathEntry
	BuildFlags   []string
	Purpose      string
	HSState      string
	RendQuery    string
	Reason       string
	RemoteReason string
	KeywordArgs  map[string]string
	ArrivedAt    time.Time
}

func (e *CircEvent) Code() EventCode    { return EventCirc }
func (e *CircEvent) Arrived() time.Time { return e.ArrivedAt }

// CircMinorEvent is a CIRC_MINOR change (purpose change, cannibalization).
type CircMinorEvent struct {
	ID          string
	Event       string
	Path        []PathEntry
	Purpose     string
	HSState     string
	OldPurpose  string
	OldHSState  string
	KeywordArgs map[string]string
	ArrivedAt   time.Time
}

func (e *CircMinorEvent) Code() EventCode    { return EventCircMinor }
func (e *CircMinorEvent) Arrived() time.Time { return e.ArrivedAt }

// CircBWEvent is per-circuit bandwidth accounting. The delivered and
// overhead counts are only present on tor 0.3.4.0-alpha and newer;
// HasDelivered distinguishes absent from zero.
type CircBWEvent struct {
	ID               string
	Read             int64
	Written          int64
	HasDelivered     bool
	DeliveredRead    int64
	DeliveredWritten int64
	OverheadRead     int64
	OverheadWritten  int64
	ArrivedAt        time.Time
}

func (e *CircBWEvent) Code() EventCode    { return EventCircBW }
func (e *CircBWEvent) Arrived() time.Time { return e.ArrivedAt }

// BWEvent is the once-a-second global bandwidth heartbeat.
type BWEvent struct {
	Read      int64
	Written   int64
	ArrivedAt time.Time
}

func (e *BWEvent) Code() EventCode    { return EventBW }
func (e *BWEvent) Arrived() time.Time { return e.ArrivedAt }

// ORConnEvent is an OR connection status change.
type ORConnEvent struct {
	Target      string
	Fingerprint string // endpoint identity, when the target names one
	Status      string
	Reason      string
	NumCircuits int
	ID          string
	ArrivedAt   time.Time
}

func (e *ORConnEvent) Code() EventCode    { return EventORConn }
func (e *ORConnEvent) Arrived() time.Time { return e.ArrivedAt }

// NewConsensusEvent announces a fresh network consensus. The document body
// is not parsed here; the consensus loop re-reads the directory itself.
type NewConsensusEvent struct {
	ArrivedAt time.Time
}

func (e *NewConsensusEvent) Code() EventCode    { return EventNewConsensus }
func (e *NewConsensusEvent) Arrived() time.Time { return e.ArrivedAt }

// NetworkLivenessEvent reports UP or DOWN.
type NetworkLivenessEvent struct {
	Status    string
	ArrivedAt time.Time
}

func (e *NetworkLivenessEvent) Code() EventCode    { return EventNetworkLiveness }
func (e *NetworkLivenessEvent) Arrived() time.Time { return e.ArrivedAt }

// BuildTimeoutSetEvent reports circuit build timeout recomputation.
type BuildTimeoutSetEvent struct {
	SetType     string
	TotalTimes  int64
	TimeoutMS   int64
	TimeoutRate float64
	CloseMS     int64
	CloseRate   float64
	KeywordArgs map[string]string
	ArrivedAt   time.Time
}

func (e *BuildTimeoutSetEvent) Code() EventCode    { return EventBuildTimeoutSet }
func (e *BuildTimeoutSetEvent) Arrived() time.Time { return e.ArrivedAt }

// ConfChangedEvent reports configuration values changed outside our control.
type ConfChangedEvent struct {
	Changed   map[string][]string
	ArrivedAt time.Time
}

func (e *ConfChangedEvent) Code() EventCode    { return EventConfChanged }
func (e *ConfChangedEvent) Arrived() time.Time { return e.ArrivedAt }

// ParseEvent parses the lines of a 650 reply into a typed event.
func ParseEvent(lines []replyLine) (Event, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty event")
	}
	code, rest, _ := torutil.PartitionString(lines[0].text, ' ')
	now := time.Now()

	switch EventCode(code) {
	case EventCirc:
		return parseCircEvent(rest, now)
	case EventCircMinor:
		return parseCircMinorEvent(rest, now)
	case EventCircBW:
		return parseCircBWEvent(rest, now)
	case EventBW:
		return parseBWEvent(rest, now)
	case EventORConn:
		return parseORConnEvent(rest, now)
	case EventNewConsensus:
		return &NewConsensusEvent{ArrivedAt: now}, nil
	case EventNetworkLiveness:
		return &NetworkLivenessEvent{Status: rest, ArrivedAt: now}, nil
	case EventBuildTimeoutSet:
		return parseBuildTimeoutSetEvent(rest, now)
	case EventConfChanged:
		return parseConfChangedEvent(lines, now)
	default:
		return nil, fmt.Errorf("unrecognized event %q", code)
	}
}

// splitEventFields splits an event tail into positional fields and the
// trailing KEY=VALUE keyword arguments.
func splitEventFields(rest string) (positional []string, kw map[string]string) {
	kw = make(map[string]string)
	for _, field := range strings.Fields(rest) {
		k, v, ok := torutil.PartitionString(field, '=')
		if ok && len(kw) == 0 && !isKeywordStart(k) {
			// A '=' inside a positional field (e.g. $FP=nick path entries)
			// does not start the keyword section.
			positional = append(positional, field)
			continue
		}
		if ok {
			kw[k] = v
		} else {
			positional = append(positional, field)
		}
	}
	return positional, kw
}

// isKeywordStart reports whether a KEY looks like an event keyword argument
// rather than a path entry. Keyword keys are all-caps with underscores.
func isKeywordStart(key string) bool {
	if strings.HasPrefix(key, "$") {
		return false
	}
	for _, r := range key {
		if !(r >= 'A' && r <= 'Z') && r != '_' && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return key != ""
}

// ParsePath parses a comma-separated circuit path of $fingerprint~nickname
// entries.
func ParsePath(raw string) []PathEntry {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	path := make([]PathEntry, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimPrefix(p, "$")
		fp, nick, ok := torutil.PartitionString(p, '~')
		if !ok {
			fp, nick, _ = torutil.PartitionString(p, '=')
		}
		path = append(path, PathEntry{Fingerprint: strings.ToUpper(fp), Nickname: nick})
	}
	return path
}

func parseCircEvent(rest string, now time.Time) (Event, error) {
	positional, kw := splitEventFields(rest)
	if len(positional) < 2 {
		return nil, fmt.Errorf("CIRC event missing id/status: %q", rest)
	}
	ev := &CircEvent{
		ID:        positional[0],
		Status:    positional[1],
		ArrivedAt: now,
	}
	if len(positional) > 2 {
		ev.Path = ParsePath(positional[2])
	}
	ev.BuildFlags = splitCommas(takeKw(kw, "BUILD_FLAGS"))
	ev.Purpose = takeKw(kw, "PURPOSE")
	ev.HSState = takeKw(kw, "HS_STATE")
	ev.RendQuery = takeKw(kw, "REND_QUERY")
	ev.Reason = takeKw(kw, "REASON")
	ev.RemoteReason = takeKw(kw, "REMOTE_REASON")
	ev.KeywordArgs = kw
	return ev, nil
}

func parseCircMinorEvent(rest string, now time.Time) (Event, error) {
	positional, kw := splitEventFields(rest)
	if len(positional) < 2 {
		return nil, fmt.Errorf("CIRC_MINOR event missing id/event: %q", rest)
	}
	ev := &CircMinorEvent{
		ID:        positional[0],
		Event:     positional[1],
		ArrivedAt: now,
	}
	if len(positional) > 2 {
		ev.Path = ParsePath(positional[2])
	}
	ev.Purpose = takeKw(kw, "PURPOSE")
	ev.HSState = takeKw(kw, "HS_STATE")
	ev.OldPurpose = takeKw(kw, "OLD_PURPOSE")
	ev.OldHSState = takeKw(kw, "OLD_HS_STATE")
	ev.KeywordArgs = kw
	return ev, nil
}

func parseCircBWEvent(rest string, now time.Time) (Event, error) {
	_, kw := splitEventFields(rest)
	ev := &CircBWEvent{ArrivedAt: now}
	ev.ID = takeKw(kw, "ID")
	if ev.ID == "" {
		return nil, fmt.Errorf("CIRC_BW event missing ID: %q", rest)
	}

	var err error
	if ev.Read, err = kwInt(kw, "READ"); err != nil {
		return nil, err
	}
	if ev.Written, err = kwInt(kw, "WRITTEN"); err != nil {
		return nil, err
	}

	if _, ok := kw["DELIVERED_READ"]; ok {
		ev.HasDelivered = true
		if ev.DeliveredRead, err = kwInt(kw, "DELIVERED_READ"); err != nil {
			return nil, err
		}
		if ev.DeliveredWritten, err = kwInt(kw, "DELIVERED_WRITTEN"); err != nil {
			return nil, err
		}
		if ev.OverheadRead, err = kwInt(kw, "OVERHEAD_READ"); err != nil {
			return nil, err
		}
		if ev.OverheadWritten, err = kwInt(kw, "OVERHEAD_WRITTEN"); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func parseBWEvent(rest string, now time.Time) (Event, error) {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return nil, fmt.Errorf("BW event missing counts: %q", rest)
	}
	read, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("BW read count: %w", err)
	}
	written, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("BW written count: %w", err)
	}
	return &BWEvent{Read: read, Written: written, ArrivedAt: now}, nil
}

func parseORConnEvent(rest string, now time.Time) (Event, error) {
	positional, kw := splitEventFields(rest)
	if len(positional) < 2 {
		return nil, fmt.Errorf("ORCONN event missing target/status: %q", rest)
	}
	ev := &ORConnEvent{
		Target:    positional[0],
		Status:    positional[1],
		ArrivedAt: now,
	}
	if strings.HasPrefix(ev.Target, "$") {
		fp, _, _ := torutil.PartitionString(ev.Target[1:], '~')
		ev.Fingerprint = strings.ToUpper(fp)
	}
	ev.Reason = takeKw(kw, "REASON")
	ev.ID = takeKw(kw, "ID")
	if ncircs := takeKw(kw, "NCIRCS"); ncircs != "" {
		n, err := strconv.Atoi(ncircs)
		if err != nil {
			return nil, fmt.Errorf("ORCONN NCIRCS: %w", err)
		}
		ev.NumCircuits = n
	}
	return ev, nil
}

func parseBuildTimeoutSetEvent(rest string, now time.Time) (Event, error) {
	positional, kw := splitEventFields(rest)
	if len(positional) < 1 {
		return nil, fmt.Errorf("BUILDTIMEOUT_SET event missing type: %q", rest)
	}
	ev := &BuildTimeoutSetEvent{SetType: positional[0], ArrivedAt: now}
	var err error
	if ev.TotalTimes, err = kwInt(kw, "TOTAL_TIMES"); err != nil {
		return nil, err
	}
	if ev.TimeoutMS, err = kwInt(kw, "TIMEOUT_MS"); err != nil {
		return nil, err
	}
	if ev.CloseMS, err = kwInt(kw, "CLOSE_MS"); err != nil {
		return nil, err
	}
	if ev.TimeoutRate, err = kwFloat(kw, "TIMEOUT_RATE"); err != nil {
		return nil, err
	}
	if ev.CloseRate, err = kwFloat(kw, "CLOSE_RATE"); err != nil {
		return nil, err
	}
	ev.KeywordArgs = kw
	return ev, nil
}

func parseConfChangedEvent(lines []replyLine, now time.Time) (Event, error) {
	ev := &ConfChangedEvent{
		Changed:   make(map[string][]string),
		ArrivedAt: now,
	}
	for _, line := range lines[1:] {
		if line.text == "OK" || line.text == "" {
			continue
		}
		k, v, ok := torutil.PartitionString(line.text, '=')
		if !ok {
			ev.Changed[line.text] = append(ev.Changed[line.text], "")
			continue
		}
		ev.Changed[k] = append(ev.Changed[k], v)
	}
	return ev, nil
}

func takeKw(kw map[string]string, key string) string {
	v := kw[key]
	delete(kw, key)
	return v
}

func kwInt(kw map[string]string, key string) (int64, error) {
	v, ok := kw[key]
	if !ok {
		return 0, nil
	}
	delete(kw, key)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func kwFloat(kw map[string]string, key string) (float64, error) {
	v, ok := kw[key]
	if !ok {
		return 0, nil
	}
	delete(kw, key)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
