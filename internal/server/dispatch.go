package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/central"
	"github.com/evgrid/central/internal/protocol"
)

// binding remembers what a connection registered as, for teardown and for
// releasing the old identity if it ever re-registers as something else.
type binding struct {
	kind string
	id   string
}

// handle runs one connection: read with a short deadline, append to the
// frame buffer, drain every complete frame, dispatch each synchronously.
// Read deadlines are not errors; they are the shutdown poll tick. The
// handler exits on EOF, on a write of garbage the codec rejects, or when
// the server shuts the connection.
func (s *Server) handle(conn *Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	log := s.log.With().Str("remote", conn.RemoteAddr()).Logger()
	log.Debug().Msg("agent connected")

	var bound *binding
	defer func() {
		if bound != nil {
			s.core.Disconnect(bound.kind, bound.id, conn)
		}
	}()

	buf := make([]byte, 0, 512)
	chunk := make([]byte, 1024)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			if err := conn.raw.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				return
			}
		}
		n, err := conn.raw.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var ok bool
			buf, ok = s.drain(conn, buf, &bound, log)
			if !ok {
				return
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("read failed")
			}
			return
		}
	}
}

// drain decodes every complete frame in buf and dispatches it. It returns
// the remaining buffer and false when the connection must be dropped: a
// checksum or payload error means the peer's framing is broken, and no
// further byte from it can be trusted.
func (s *Server) drain(conn *Conn, buf []byte, bound **binding, log zerolog.Logger) ([]byte, bool) {
	for {
		fields, n, err := protocol.Decode(buf)
		switch {
		case err == nil:
			buf = buf[n:]
			s.dispatch(conn, fields, bound, log)
		case errors.Is(err, protocol.ErrIncomplete):
			// Nothing before an STX can ever start a frame, so a buffer
			// without one is dead weight.
			if idx := bytes.IndexByte(buf, protocol.STX); idx < 0 {
				buf = buf[:0]
			} else if idx > 0 {
				buf = buf[idx:]
			}
			return buf, true
		default:
			s.metrics.RecordFrameError()
			log.Warn().Err(err).Msg("dropping connection on corrupt frame")
			return nil, false
		}
	}
}

// dispatch validates one frame's type and arity and routes it into the
// session manager. A malformed frame with a valid checksum is logged and
// skipped; it does not kill the connection.
func (s *Server) dispatch(conn *Conn, fields []string, bound **binding, log zerolog.Logger) {
	if len(fields) == 0 || fields[0] == "" {
		log.Warn().Msg("empty frame dropped")
		return
	}
	mt := protocol.MessageType(fields[0])
	if !mt.Inbound() {
		log.Warn().Str("type", fields[0]).Msg("unknown message type dropped")
		return
	}
	s.metrics.RecordFrame(fields[0])

	switch mt {
	case protocol.TypeRegister:
		s.handleRegister(conn, fields, bound, log)

	case protocol.TypeHeartbeat:
		if !arity(log, fields, 3) {
			return
		}
		s.core.Heartbeat(fields[1], central.CPState(fields[2]))

	case protocol.TypeQueryAvailable:
		if !arity(log, fields, 2) {
			return
		}
		s.core.QueryAvailable(fields[1], conn)

	case protocol.TypeRequestCharge:
		if !arity(log, fields, 4) {
			return
		}
		kwh, err := protocol.ParseNumber(fields[3])
		if err != nil || kwh <= 0 {
			log.Warn().Str("kwh", fields[3]).Msg("charge request with unusable energy dropped")
			return
		}
		s.core.RequestCharge(fields[1], fields[2], kwh, conn)

	case protocol.TypeSupplyUpdate:
		if !arity(log, fields, 4) {
			return
		}
		inc, err1 := protocol.ParseNumber(fields[2])
		amount, err2 := protocol.ParseNumber(fields[3])
		if err1 != nil || err2 != nil || inc < 0 {
			log.Warn().Strs("frame", fields).Msg("supply update with unusable numbers dropped")
			return
		}
		s.core.SupplyUpdate(fields[1], inc, amount)

	case protocol.TypeSupplyEnd:
		if !arity(log, fields, 5) {
			return
		}
		energy, err1 := protocol.ParseNumber(fields[3])
		amount, err2 := protocol.ParseNumber(fields[4])
		if err1 != nil || err2 != nil {
			log.Warn().Strs("frame", fields).Msg("supply end with unusable numbers dropped")
			return
		}
		s.core.SupplyEnd(fields[1], fields[2], energy, amount)

	case protocol.TypeEndCharge:
		if !arity(log, fields, 3) {
			return
		}
		s.core.EndCharge(fields[1], fields[2])

	case protocol.TypeFault:
		if !arity(log, fields, 2) {
			return
		}
		s.core.Fault(fields[1], conn)

	case protocol.TypeRecovery:
		if !arity(log, fields, 2) {
			return
		}
		s.core.Recovery(fields[1], conn)

	case protocol.TypeHealthOK:
		if !arity(log, fields, 2) {
			return
		}
		s.core.HealthReport(fields[1], true, conn)

	case protocol.TypeHealthKO:
		if !arity(log, fields, 2) {
			return
		}
		s.core.HealthReport(fields[1], false, conn)
	}
}

// handleRegister parses REGISTER frames:
//
//	REGISTER # CP # cp_id # lat # lon # price_per_kwh
//	REGISTER # DRIVER # driver_id
//	REGISTER # MONITOR # cp_id # cp_id
//
// The monitor form's fourth field names the CP being monitored. A
// connection that re-registers under a different identity releases the old
// binding first.
func (s *Server) handleRegister(conn *Conn, fields []string, bound **binding, log zerolog.Logger) {
	if len(fields) < 3 || fields[2] == "" {
		log.Warn().Strs("frame", fields).Msg("malformed register dropped")
		return
	}

	var kind string
	switch fields[1] {
	case protocol.AgentCP:
		kind = central.KindCP
	case protocol.AgentDriver:
		kind = central.KindDriver
	case protocol.AgentMonitor:
		kind = central.KindMonitor
	default:
		log.Warn().Str("agent", fields[1]).Msg("unknown agent kind dropped")
		return
	}
	id := fields[2]
	if kind == central.KindMonitor {
		if !arity(log, fields, 4) {
			return
		}
		if fields[3] == "" {
			log.Warn().Strs("frame", fields).Msg("malformed register dropped")
			return
		}
		id = fields[3]
	}

	if prev := *bound; prev != nil && (prev.kind != kind || prev.id != id) {
		s.core.Disconnect(prev.kind, prev.id, conn)
	}

	switch kind {
	case central.KindCP:
		if !arity(log, fields, 6) {
			return
		}
		lat, err1 := protocol.ParseNumber(fields[3])
		lon, err2 := protocol.ParseNumber(fields[4])
		price, err3 := protocol.ParseNumber(fields[5])
		if err1 != nil || err2 != nil || err3 != nil || price < 0 {
			log.Warn().Strs("frame", fields).Msg("register with unusable numbers dropped")
			return
		}
		s.core.RegisterCP(id, lat, lon, price, conn)

	case central.KindDriver:
		if !arity(log, fields, 3) {
			return
		}
		s.core.RegisterDriver(id, conn)

	case central.KindMonitor:
		s.core.RegisterMonitor(id, conn)
	}

	*bound = &binding{kind: kind, id: id}
}

func arity(log zerolog.Logger, fields []string, want int) bool {
	if len(fields) != want {
		log.Warn().Strs("frame", fields).Int("want", want).Msg("wrong field count dropped")
		return false
	}
	return true
}
