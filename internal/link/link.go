// Package link owns the single inverter TCP connection described in §4.2:
// a listening socket the inverter dials into, an ASCII handshake, steady
// state read/write deadlines, and the link-wide mutual-exclusion lock that
// the Poll Scheduler and Control Server both acquire before touching the
// wire.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/evcc-io/inverter-bridge/internal/metrics"
	"github.com/evcc-io/inverter-bridge/internal/snapshot"
)

// CoolingWindow is how long an accepted command suppresses settings sweeps
// on this link, per the Glossary. Must track snapshot.QuietWindow; see that
// constant's comment for why the two are named independently.
const CoolingWindow = 10 * time.Second

// OfflineThreshold is the number of consecutive sensor-read failures that
// force the link back to State waiting (§4.2).
const OfflineThreshold = 10

const (
	handshakeRequest  = "AT+DTUPN?\r\n"
	handshakeDeadline = 5 * time.Second
	steadyDeadline    = 2500 * time.Millisecond
	handshakeSettle   = 500 * time.Millisecond
)

// ErrOffline is returned by Exchange when no inverter is currently connected.
var ErrOffline = errors.New("link: no inverter connected")

// State is the Link State singleton's phase, per §3.
type State int

const (
	StateWaiting State = iota
	StateActive
	StateCooling
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// Manager owns the listening socket and the single live inverter
// connection. The conn field and the accept handoff are guarded by mu,
// which doubles as the link-wide lock shared with the Control Server: both
// acquire it before any send/recv so no request is ever interleaved with
// another (§5).
type Manager struct {
	addr string
	clk  clock.Clock
	log  *logrus.Entry
	snap *snapshot.Store

	mu      sync.Mutex
	conn    net.Conn
	closeCh chan struct{}

	failures  atomic.Int32
	coolUntil atomic.Int64 // unix nanos; read lock-free per §5
}

// New creates a Manager listening on addr once Run is called.
func New(addr string, snap *snapshot.Store, clk clock.Clock, log *logrus.Entry) *Manager {
	return &Manager{
		addr: addr,
		clk:  clk,
		log:  log,
		snap: snap,
	}
}

// Run listens on the inverter port and accepts exactly one inverter
// connection at a time, performing the handshake before handing the link to
// the Poll Scheduler. It blocks until ctx is cancelled or the listener
// fails to bind.
func (m *Manager) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("link: listen on %s: %w", m.addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	m.log.WithField("addr", m.addr).Info("inverter link listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.WithError(err).Warn("link: accept failed")
			continue
		}

		if err := m.handshake(conn); err != nil {
			m.log.WithError(err).Warn("link: handshake failed, dropping connection")
			conn.Close()
			continue
		}

		closeCh := make(chan struct{})
		m.mu.Lock()
		m.conn = conn
		m.closeCh = closeCh
		m.mu.Unlock()
		m.failures.Store(0)
		m.coolUntil.Store(0)
		metrics.LinkState.Set(1)
		m.log.WithField("remote", conn.RemoteAddr()).Info("inverter connected")

		select {
		case <-ctx.Done():
			m.teardown()
			return ctx.Err()
		case <-closeCh:
			// Teardown already closed the connection; loop back to Accept.
		}
	}
}

// handshake performs the mandatory ASCII exchange described in §4.2/§6:
// generous deadline, send the request string, read and discard one line,
// settle briefly, then drop to the steady-state deadline.
func (m *Manager) handshake(conn net.Conn) error {
	// Socket deadlines are a kernel-level wall-clock concept and always use
	// real time, even though the handshake settle sleep below runs on the
	// injected clock so tests can drive it deterministically.
	if err := conn.SetDeadline(time.Now().Add(handshakeDeadline)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	if _, err := conn.Write([]byte(handshakeRequest)); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}

	m.clk.Sleep(handshakeSettle)

	return conn.SetDeadline(time.Now().Add(steadyDeadline))
}

// teardown closes the current connection, resets the snapshot to its empty
// shape, and wakes Run's accept loop. Safe to call from the Poll Scheduler
// goroutine when the failure threshold is crossed.
func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.conn
	closeCh := m.closeCh
	m.conn = nil
	m.closeCh = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if closeCh != nil {
		close(closeCh)
	}
	m.snap.Reset()
	metrics.LinkState.Set(0)
}

// RecordSensorFailure increments the consecutive-failure counter (the only
// counted failure mode, per the offline-threshold decision in DESIGN.md) and
// tears the link down once it reaches OfflineThreshold.
func (m *Manager) RecordSensorFailure() {
	n := m.failures.Add(1)
	metrics.SensorFailures.Inc()
	if n >= OfflineThreshold {
		m.log.Warn("link: offline threshold reached, resetting link")
		m.teardown()
	}
}

// RecordSensorSuccess resets the consecutive-failure counter.
func (m *Manager) RecordSensorSuccess() {
	m.failures.Store(0)
}

// MarkCommand stamps the quiet-window start, transitioning the link to
// cooling for CoolingWindow. Called by the Control Server immediately after
// an accepted write (§4.6).
func (m *Manager) MarkCommand() {
	m.coolUntil.Store(m.clk.Now().Add(CoolingWindow).UnixNano())
}

// IsCooling reports whether a settings sweep should currently be suppressed.
func (m *Manager) IsCooling() bool {
	return m.clk.Now().UnixNano() < m.coolUntil.Load()
}

// State reports the link's current phase.
func (m *Manager) State() State {
	m.mu.Lock()
	connected := m.conn != nil
	m.mu.Unlock()
	if !connected {
		return StateWaiting
	}
	if m.IsCooling() {
		return StateCooling
	}
	return StateActive
}

// flushDuration bounds the non-blocking drain performed before every
// request, per §4.3's buffer-hygiene discipline.
const flushDuration = 5 * time.Millisecond

// Exchange sends req under the link-wide lock, flushing any unsolicited
// bytes first, then reads exactly respLen bytes of reply. It returns
// ErrOffline immediately, without blocking, when no inverter is connected.
func (m *Manager) Exchange(req []byte, respLen int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil, ErrOffline
	}

	m.flushLocked()

	if err := m.conn.SetWriteDeadline(time.Now().Add(steadyDeadline)); err != nil {
		return nil, err
	}
	if _, err := m.conn.Write(req); err != nil {
		return nil, fmt.Errorf("link: write: %w", err)
	}

	if err := m.conn.SetReadDeadline(time.Now().Add(steadyDeadline)); err != nil {
		return nil, err
	}
	buf := make([]byte, respLen)
	if _, err := readFull(m.conn, buf); err != nil {
		return nil, fmt.Errorf("link: read: %w", err)
	}
	return buf, nil
}

// flushLocked drains any bytes already sitting in the socket's receive
// buffer before a new request is issued (§4.3 step 1). Callers must hold mu.
func (m *Manager) flushLocked() {
	if err := m.conn.SetReadDeadline(time.Now().Add(flushDuration)); err != nil {
		return
	}
	scratch := make([]byte, 256)
	for {
		n, err := m.conn.Read(scratch)
		if n == 0 || err != nil {
			break
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Offline reports whether the control port should reply OFFLINE to a
// snapshot-independent request (e.g. a write command) without blocking.
func (m *Manager) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == nil
}
