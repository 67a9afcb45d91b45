// Package control implements the Control Server (§4.6): a plain-TCP,
// one-shot-per-connection port that serves snapshot reads and translates a
// small symbolic command language into register writes, updating the
// Snapshot Store optimistically so a round-tripping client sees its own
// command before the next settings sweep confirms it.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/evcc-io/inverter-bridge/internal/energy"
	"github.com/evcc-io/inverter-bridge/internal/link"
	"github.com/evcc-io/inverter-bridge/internal/metrics"
	"github.com/evcc-io/inverter-bridge/internal/regproto"
	"github.com/evcc-io/inverter-bridge/internal/snapshot"
)

// rateLimit is the minimum spacing between two accepted commands; a command
// arriving sooner gets BUSY (§4.6).
const rateLimit = 500 * time.Millisecond

const writeUnit = regproto.DefaultUnit

// Server is the Control Server.
type Server struct {
	addr  string
	mgr   *link.Manager
	snap  *snapshot.Store
	store *energy.Store
	clk   clock.Clock
	log   *logrus.Entry

	lastCommandAt int64 // unix nanos, accessed only from the accept loop
}

// New creates a Server. Connections are handled inline on the accept loop,
// since each is a single request of bounded length (§5).
func New(addr string, mgr *link.Manager, snap *snapshot.Store, store *energy.Store, clk clock.Clock, log *logrus.Entry) *Server {
	return &Server{addr: addr, mgr: mgr, snap: snap, store: store, clk: clk, log: log}
}

// Run listens on addr and serves one-shot connections until stop is closed,
// at which point it closes the listener itself and returns nil.
func (s *Server) Run(stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", s.addr, err)
	}
	defer ln.Close()

	go func() {
		<-stop
		ln.Close()
	}()

	s.log.WithField("addr", s.addr).Info("control server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				s.log.WithError(err).Warn("control: accept failed")
				continue
			}
		}
		s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	cmd, ok := parseCommand(line)
	if !ok {
		s.log.WithField("line", line).Debug("control: dropping malformed/unknown command")
		return
	}

	reply := s.dispatch(cmd)

	// JSON replies carry the whole snapshot document; label with the command
	// kind instead of the reply body to keep cardinality bounded.
	label := reply
	if cmd.kind == cmdJSON {
		label = "json"
	}
	metrics.ControlCommands.WithLabelValues(label).Inc()
	conn.Write([]byte(reply))
}

func (s *Server) dispatch(cmd command) string {
	if cmd.kind == cmdJSON {
		doc := s.snap.Document(s.store.Totals())
		data, err := json.Marshal(doc)
		if err != nil {
			s.log.WithError(err).Error("control: failed to marshal snapshot")
			return "OFFLINE"
		}
		return string(data)
	}

	now := s.clk.Now().UnixNano()
	if s.lastCommandAt != 0 && now-s.lastCommandAt < int64(rateLimit) {
		return "BUSY"
	}

	if s.mgr.Offline() {
		return "OFFLINE"
	}

	write, field, mutate, ok := s.resolve(cmd)
	if !ok {
		return "BUSY"
	}

	// Updated before the wire write so a round-tripping client sees its own
	// command immediately, matching the original's parse-time mutation of
	// latest_data_json ahead of the send.
	s.snap.SetOptimistic(field, mutate)

	req := regproto.BuildWriteRequest(writeUnit, write.addr, write.value)
	if _, err := s.mgr.Exchange(req, 8); err != nil {
		s.log.WithError(err).WithField("command", cmd.kind.String()).Warn("control: write failed")
		return "OFFLINE"
	}

	s.mgr.MarkCommand()
	s.lastCommandAt = now
	return "OK"
}

type writeFrame struct {
	addr  uint16
	value uint16
}

// resolve maps a parsed command to its register write and the Snapshot
// Store mutation to apply optimistically, enforcing the SOC cross-field
// rejection rules from §4.6. ok is false when the command is rejected
// outright (the caller replies BUSY, matching the "command refused" path
// since the distilled spec defines no dedicated rejection reply).
func (s *Server) resolve(cmd command) (writeFrame, string, func(*snapshot.Settings), bool) {
	switch cmd.kind {
	case cmdMode:
		return writeFrame{301, uint16(cmd.n)}, "output_mode", func(st *snapshot.Settings) { st.OutputMode = cmd.n }, true
	case cmdSetACRange:
		return writeFrame{302, uint16(cmd.n)}, "ac_input_range", func(st *snapshot.Settings) { st.ACInputRange = cmd.n }, true
	case cmdSetBuzzer:
		return writeFrame{303, uint16(cmd.n)}, "buzzer_mode", func(st *snapshot.Settings) { st.BuzzerMode = cmd.n }, true
	case cmdSetBacklight:
		return writeFrame{305, uint16(cmd.n)}, "backlight_status", func(st *snapshot.Settings) { st.BacklightStatus = cmd.n }, true
	case cmdSetReturnDefault:
		return writeFrame{306, uint16(cmd.n)}, "return_to_default", func(st *snapshot.Settings) { st.ReturnToDefault = cmd.n }, true
	case cmdSetBatteryType:
		return writeFrame{322, uint16(cmd.n)}, "battery_type_code", func(st *snapshot.Settings) { st.BatteryTypeCode = cmd.n }, true
	case cmdChargerPriority:
		return writeFrame{331, uint16(cmd.n)}, "charger_priority", func(st *snapshot.Settings) { st.ChargerPriority = cmd.n }, true
	case cmdSetTotalAmps:
		return writeFrame{332, uint16(cmd.n * 10)}, "max_total_amps", func(st *snapshot.Settings) { st.MaxTotalAmps = float64(cmd.n) }, true
	case cmdSetAmps:
		return writeFrame{333, uint16(cmd.n * 10)}, "max_ac_amps", func(st *snapshot.Settings) { st.MaxACAmps = float64(cmd.n) }, true
	case cmdSetSOCGrid:
		current := s.snap.Settings()
		if cmd.n < current.SOCCutoff {
			return writeFrame{}, "", nil, false
		}
		return writeFrame{341, uint16(cmd.n)}, "soc_back_to_grid", func(st *snapshot.Settings) { st.SOCBackToGrid = cmd.n }, true
	case cmdSetSOCBatt:
		return writeFrame{342, uint16(cmd.n)}, "soc_back_to_batt", func(st *snapshot.Settings) { st.SOCBackToBatt = cmd.n }, true
	case cmdSetSOCCutoff:
		current := s.snap.Settings()
		if cmd.n > current.SOCBackToGrid {
			return writeFrame{}, "", nil, false
		}
		return writeFrame{343, uint16(cmd.n)}, "soc_cutoff", func(st *snapshot.Settings) { st.SOCCutoff = cmd.n }, true
	default:
		return writeFrame{}, "", nil, false
	}
}
