// Package control provides a Tor control protocol client.
// This package implements the subset of the control protocol needed to
// supervise a running tor: authentication, configuration, circuit teardown,
// and the asynchronous event stream.
// See: https://spec.torproject.org/control-spec
package control

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cretz/bine/torutil"

	guarderrors "github.com/opd-ai/go-vanguards/pkg/errors"
	"github.com/opd-ai/go-vanguards/pkg/logger"
)

const (
	safeCookieServerKey = "Tor safe cookie authentication server-to-controller hash"
	safeCookieClientKey = "Tor safe cookie authentication controller-to-server hash"
)

// Conn represents a control protocol connection to a running tor.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *logger.Logger

	// Serializes command/response exchanges. The reader goroutine routes
	// synchronous replies here while async events go to the event queue.
	reqMu  sync.Mutex
	respCh chan *reply

	events          chan Event
	consensusQueued atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	readErr   error

	// Discovered during PROTOCOLINFO
	authMethods []string
	cookieFile  string
	version     string
}

// reply is a complete response to a synchronous command.
type reply struct {
	code  int
	lines []replyLine
}

// replyLine is one line of a response, plus any attached data payload
// (from a "+" continuation).
type replyLine struct {
	text string
	data []string
}

// Dial connects to a control port over TCP.
func Dial(addr string, log *logger.Logger) (*Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, guarderrors.Wrap(guarderrors.CategoryControl,
			"failed to connect to control port", err)
	}
	return NewConn(conn, log), nil
}

// DialSocket connects to a control socket on the filesystem.
func DialSocket(path string, log *logger.Logger) (*Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, guarderrors.Wrap(guarderrors.CategoryControl,
			"failed to connect to control socket", err)
	}
	return NewConn(conn, log), nil
}

// NewConn wraps an established connection and starts the reply/event reader.
func NewConn(conn net.Conn, log *logger.Logger) *Conn {
	if log == nil {
		log = logger.NewDefault()
	}
	c := &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: log.Component("control"),
		respCh: make(chan *reply, 1),
		events: make(chan Event, 1024),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events returns the ordered event stream. The channel is closed when the
// connection drops; Err reports why.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Err returns the error that terminated the reader, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Close shuts down the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// ConsensusHandled clears the pending-consensus latch. The dispatcher calls
// this after finishing a consensus update so that the next NEWCONSENSUS is
// queued again; duplicates arriving in between are coalesced away.
func (c *Conn) ConsensusHandled() {
	c.consensusQueued.Store(false)
}

// readLoop reads replies and events until the connection drops.
func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		r, err := c.readReply()
		if err != nil {
			c.readErr = err
			close(c.done)
			c.conn.Close()
			return
		}

		if r.code == 650 {
			ev, err := ParseEvent(r.lines)
			if err != nil {
				// Malformed events are logged and skipped; they must
				// never take down the dispatcher.
				c.logger.Error("Skipping malformed event", "error", err)
				continue
			}
			if _, ok := ev.(*NewConsensusEvent); ok {
				if !c.consensusQueued.CompareAndSwap(false, true) {
					continue // one already pending
				}
			}
			c.events <- ev
			continue
		}

		select {
		case c.respCh <- r:
		case <-c.done:
			return
		}
	}
}

// readReply reads one complete reply: a run of NNN- and NNN+ lines closed by
// a final "NNN " line. Data payloads after "+" lines run until a lone dot.
func (c *Conn) readReply() (*reply, error) {
	r := &reply{}
	for {
		raw, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if len(raw) < 4 {
			return nil, fmt.Errorf("short control line %q", raw)
		}
		code, err := strconv.Atoi(raw[:3])
		if err != nil {
			return nil, fmt.Errorf("bad status code in line %q", raw)
		}
		sep := raw[3]
		line := replyLine{text: raw[4:]}

		if sep == '+' {
			for {
				data, err := c.readLine()
				if err != nil {
					return nil, err
				}
				if data == "." {
					break
				}
				line.data = append(line.data, data)
			}
		}

		r.code = code
		r.lines = append(r.lines, line)

		if sep == ' ' {
			return r, nil
		}
		if sep != '-' && sep != '+' {
			return nil, fmt.Errorf("bad separator in line %q", raw)
		}
	}
}

func (c *Conn) readLine() (string, error) {
	raw, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(raw, "\r\n"), nil
}

// sendRequest writes a command and waits for its reply. Commands have no
// per-call timeout; correctness relies on the channel's TCP semantics.
func (c *Conn) sendRequest(format string, args ...interface{}) (*reply, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	cmd := fmt.Sprintf(format, args...)
	c.logger.Debug("Control command sent", "command", firstWord(cmd))
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return nil, guarderrors.Wrap(guarderrors.CategoryControl, "write failed", err)
	}

	select {
	case r := <-c.respCh:
		if r.code >= 200 && r.code < 300 {
			return r, nil
		}
		return nil, replyError(r)
	case <-c.done:
		return nil, guarderrors.Wrap(guarderrors.CategoryControl,
			"control connection lost", c.readErr)
	}
}

func firstWord(s string) string {
	word, _, _ := torutil.PartitionString(s, ' ')
	return word
}

// replyError maps error reply classes onto the sentinel errors callers
// branch on.
func replyError(r *reply) error {
	text := ""
	if len(r.lines) > 0 {
		text = r.lines[len(r.lines)-1].text
	}
	switch r.code {
	case 552:
		return fmt.Errorf("%w: %d %s", guarderrors.ErrInvalidArguments, r.code, text)
	case 512, 513, 514:
		return fmt.Errorf("%w: %d %s", guarderrors.ErrInvalidRequest, r.code, text)
	case 551, 553:
		return fmt.Errorf("%w: %d %s", guarderrors.ErrOperationFailed, r.code, text)
	default:
		return fmt.Errorf("control reply %d %s", r.code, text)
	}
}

// KeyVal is a key and optional value for GETCONF/SETCONF.
type KeyVal struct {
	Key string
	Val string
}

// protocolInfo issues PROTOCOLINFO and records auth methods, cookie file
// and the tor version.
func (c *Conn) protocolInfo() error {
	r, err := c.sendRequest("PROTOCOLINFO 1")
	if err != nil {
		return err
	}
	for _, line := range r.lines {
		key, rest, _ := torutil.PartitionString(line.text, ' ')
		switch key {
		case "AUTH":
			for _, field := range strings.Fields(rest) {
				k, v, ok := torutil.PartitionString(field, '=')
				if !ok {
					continue
				}
				switch k {
				case "METHODS":
					c.authMethods = strings.Split(v, ",")
				case "COOKIEFILE":
					c.cookieFile = torutil.UnescapeSimpleQuotedStringIfNeeded(v)
				}
			}
		case "VERSION":
			k, v, ok := torutil.PartitionString(rest, '=')
			if ok && k == "Tor" {
				c.version = torutil.UnescapeSimpleQuotedStringIfNeeded(v)
			}
		}
	}
	return nil
}

func (c *Conn) hasAuthMethod(method string) bool {
	for _, m := range c.authMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Authenticate performs authentication, preferring safe-cookie, then plain
// cookie, then password, then the null method.
func (c *Conn) Authenticate(password string) error {
	if err := c.protocolInfo(); err != nil {
		return guarderrors.Fatal(guarderrors.CategoryControl, "PROTOCOLINFO failed", err)
	}

	var err error
	switch {
	case c.hasAuthMethod("SAFECOOKIE") && c.cookieFile != "":
		err = c.authenticateSafeCookie()
	case c.hasAuthMethod("COOKIE") && c.cookieFile != "":
		err = c.authenticateCookie()
	case c.hasAuthMethod("HASHEDPASSWORD") && password != "":
		_, err = c.sendRequest("AUTHENTICATE %s",
			torutil.EscapeSimpleQuotedString(password))
	case c.hasAuthMethod("NULL"):
		_, err = c.sendRequest("AUTHENTICATE")
	case c.hasAuthMethod("HASHEDPASSWORD"):
		err = fmt.Errorf("tor requires a control password and none was given")
	default:
		// No method we understand; try null as a last resort.
		_, err = c.sendRequest("AUTHENTICATE")
	}
	if err != nil {
		return guarderrors.Fatal(guarderrors.CategoryControl, "authentication failed", err)
	}
	return nil
}

func (c *Conn) readCookie() ([]byte, error) {
	cookie, err := os.ReadFile(c.cookieFile)
	if err != nil {
		return nil, fmt.Errorf("can't read cookie file %s: %w", c.cookieFile, err)
	}
	if len(cookie) != 32 {
		return nil, fmt.Errorf("cookie file %s has wrong size %d", c.cookieFile, len(cookie))
	}
	return cookie, nil
}

func (c *Conn) authenticateCookie() error {
	cookie, err := c.readCookie()
	if err != nil {
		return err
	}
	_, err = c.sendRequest("AUTHENTICATE %s", hex.EncodeToString(cookie))
	return err
}

func (c *Conn) authenticateSafeCookie() error {
	cookie, err := c.readCookie()
	if err != nil {
		return err
	}

	clientNonce := make([]byte, 32)
	if _, err := rand.Read(clientNonce); err != nil {
		return fmt.Errorf("nonce generation failed: %w", err)
	}

	r, err := c.sendRequest("AUTHCHALLENGE SAFECOOKIE %s", hex.EncodeToString(clientNonce))
	if err != nil {
		return err
	}
	if len(r.lines) == 0 {
		return fmt.Errorf("empty AUTHCHALLENGE reply")
	}

	var serverHash, serverNonce []byte
	for _, field := range strings.Fields(r.lines[0].text) {
		k, v, ok := torutil.PartitionString(field, '=')
		if !ok {
			continue
		}
		switch k {
		case "SERVERHASH":
			serverHash, err = hex.DecodeString(v)
		case "SERVERNONCE":
			serverNonce, err = hex.DecodeString(v)
		}
		if err != nil {
			return fmt.Errorf("bad AUTHCHALLENGE reply: %w", err)
		}
	}
	if len(serverHash) != 32 || len(serverNonce) == 0 {
		return fmt.Errorf("incomplete AUTHCHALLENGE reply")
	}

	msg := make([]byte, 0, len(cookie)+len(clientNonce)+len(serverNonce))
	msg = append(msg, cookie...)
	msg = append(msg, clientNonce...)
	msg = append(msg, serverNonce...)

	wantServer := hmac.New(sha256.New, []byte(safeCookieServerKey))
	wantServer.Write(msg)
	if !hmac.Equal(wantServer.Sum(nil), serverHash) {
		return fmt.Errorf("server failed safe-cookie verification")
	}

	client := hmac.New(sha256.New, []byte(safeCookieClientKey))
	client.Write(msg)
	_, err = c.sendRequest("AUTHENTICATE %s", hex.EncodeToString(client.Sum(nil)))
	return err
}

// Version returns the tor version reported during authentication.
func (c *Conn) Version() string {
	return c.version
}

// GetInfo requests one or more info keys and returns their values.
// Multi-line values are joined with newlines.
func (c *Conn) GetInfo(keys ...string) (map[string]string, error) {
	r, err := c.sendRequest("GETINFO %s", strings.Join(keys, " "))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, line := range r.lines {
		if line.text == "OK" {
			continue
		}
		k, v, ok := torutil.PartitionString(line.text, '=')
		if !ok {
			continue
		}
		if len(line.data) > 0 {
			out[k] = strings.Join(line.data, "\n")
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// GetConf requests configuration values. A key set to its default comes back
// with an empty value.
func (c *Conn) GetConf(keys ...string) (map[string][]string, error) {
	r, err := c.sendRequest("GETCONF %s", strings.Join(keys, " "))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(keys))
	for _, line := range r.lines {
		k, v, ok := torutil.PartitionString(line.text, '=')
		if !ok {
			out[line.text] = append(out[line.text], "")
			continue
		}
		out[k] = append(out[k], torutil.UnescapeSimpleQuotedStringIfNeeded(v))
	}
	return out, nil
}

// SetConf sets configuration values.
func (c *Conn) SetConf(entries ...KeyVal) error {
	var b strings.Builder
	b.WriteString("SETCONF")
	for _, e := range entries {
		b.WriteByte(' ')
		b.WriteString(e.Key)
		b.WriteByte('=')
		b.WriteString(torutil.EscapeSimpleQuotedStringIfNeeded(e.Val))
	}
	_, err := c.sendRequest("%s", b.String())
	return err
}

// SaveConf asks tor to persist its configuration to disk.
func (c *Conn) SaveConf() error {
	_, err := c.sendRequest("SAVECONF")
	return err
}

// Signal delivers a signal (e.g. RELOAD) to tor.
func (c *Conn) Signal(signal string) error {
	_, err := c.sendRequest("SIGNAL %s", signal)
	return err
}

// CloseCircuit asks tor to tear down a circuit.
func (c *Conn) CloseCircuit(id string) error {
	_, err := c.sendRequest("CLOSECIRCUIT %s", id)
	return err
}

// SetEvents subscribes to the given asynchronous event codes, replacing any
// previous subscription.
func (c *Conn) SetEvents(codes ...EventCode) error {
	parts := make([]string, len(codes))
	for i, code := range codes {
		parts[i] = string(code)
	}
	_, err := c.sendRequest("SETEVENTS %s", strings.Join(parts, " "))
	return err
}
