package central

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/evgrid/central/internal/events"
	"github.com/evgrid/central/internal/protocol"
	"github.com/evgrid/central/internal/store"
)

// ErrUnknownCP is returned by operator and weather operations that target a
// charging point the coordinator has never seen.
var ErrUnknownCP = errors.New("unknown charging point")

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// ============================================================================
// REGISTRATION
// ============================================================================

// RegisterCP upserts a charging point, binds its connection, and activates
// it. Re-registration starts from a clean slate: if the engine restarted
// mid-session, the stranded session is settled as a fault first.
func (c *Central) RegisterCP(id string, lat, lon, price float64, peer Peer) {
	p := &pending{}
	c.mu.Lock()

	cp, existed := c.cps[id]
	if !existed {
		cp = &ChargingPoint{ID: id, RegisteredAt: c.now()}
		c.cps[id] = cp
	}
	if cp.State == StateSupplying {
		c.terminateLocked(cp, causeFault, nil, p)
	}
	cp.Latitude = lat
	cp.Longitude = lon
	cp.PricePerKWh = price
	cp.State = StateActivated
	cp.CurrentDriver = ""
	cp.EnergyDelivered = 0
	cp.AccruedAmount = 0
	cp.EnergyRequested = 0
	cp.ChargingComplete = false
	cp.SessionStart = time.Time{}
	cp.LastHeartbeat = c.now()
	cp.HealthOK = true

	if prev := c.conns.bind(id, KindCP, peer); prev != nil {
		p.closes = append(p.closes, prev)
	}
	c.refreshAgentGauges()

	p.push(peer, KindCP, protocol.Msg(protocol.TypeAcknowledge, id, protocol.AckOK))
	p.cps = append(p.cps, cpRecord(cp))
	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeCPRegistered, map[string]interface{}{
		"cp_id":         id,
		"latitude":      lat,
		"longitude":     lon,
		"price_per_kwh": price,
	}})
	addr := peerAddr(peer)
	p.audits = append(p.audits, func() { c.audit.LogAuthentication(addr, id, true, "") })

	c.mu.Unlock()
	c.apply(p)
	c.log.Info().Str("cp_id", id).Str("remote", addr).Float64("price_per_kwh", price).Msg("charging point registered")
}

// RegisterDriver upserts a driver, binds its connection, and resets it to
// IDLE. A driver reconnecting mid-charge gets a fresh start: the session it
// left behind is settled first, with the ticket going to the old
// connection.
func (c *Central) RegisterDriver(id string, peer Peer) {
	p := &pending{}
	c.mu.Lock()

	d, existed := c.drivers[id]
	if !existed {
		d = &Driver{ID: id, RegisteredAt: c.now()}
		c.drivers[id] = d
	}
	if d.CurrentCP != "" {
		if cp := c.cps[d.CurrentCP]; cp != nil && cp.State == StateSupplying && cp.CurrentDriver == id {
			c.terminateLocked(cp, causeEndCharge, nil, p)
		}
	}
	d.Status = StatusIdle
	d.CurrentCP = ""

	if prev := c.conns.bind(id, KindDriver, peer); prev != nil {
		p.closes = append(p.closes, prev)
	}
	c.refreshAgentGauges()

	p.push(peer, KindDriver, protocol.Msg(protocol.TypeAcknowledge, id, protocol.AckOK))
	p.drivers = append(p.drivers, driverRecord(d))
	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeDriverRegistered, map[string]interface{}{
		"driver_id": id,
	}})
	addr := peerAddr(peer)
	p.audits = append(p.audits, func() { c.audit.LogAuthentication(addr, id, true, "") })

	c.mu.Unlock()
	c.apply(p)
	c.log.Info().Str("driver_id", id).Str("remote", addr).Msg("driver registered")
}

// RegisterMonitor binds a monitor connection to the CP it watches. Monitors
// have no persisted record and may attach before their engine registers.
func (c *Central) RegisterMonitor(cpID string, peer Peer) {
	p := &pending{}
	c.mu.Lock()

	if prev := c.conns.bindMonitor(cpID, peer); prev != nil {
		p.closes = append(p.closes, prev)
	}
	c.refreshAgentGauges()

	p.push(peer, KindMonitor, protocol.Msg(protocol.TypeAcknowledge, cpID, protocol.AckMonitorOK))
	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeMonitorAttached, map[string]interface{}{
		"cp_id": cpID,
	}})
	addr := peerAddr(peer)
	p.audits = append(p.audits, func() { c.audit.LogAuthentication(addr, "MONITOR:"+cpID, true, "") })

	c.mu.Unlock()
	c.apply(p)
	c.log.Info().Str("cp_id", cpID).Str("remote", addr).Msg("monitor attached")
}

// ============================================================================
// CHARGE REQUESTS
// ============================================================================

// QueryAvailable replies on the requesting connection with every CP that is
// activated and free, as repeated (id, lat, lon, price) field groups sorted
// by id.
func (c *Central) QueryAvailable(driverID string, peer Peer) {
	p := &pending{}
	c.mu.Lock()

	ids := make([]string, 0, len(c.cps))
	for id := range c.cps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var args []string
	for _, id := range ids {
		cp := c.cps[id]
		if !cp.available() {
			continue
		}
		args = append(args,
			cp.ID,
			protocol.FormatNumber(cp.Latitude),
			protocol.FormatNumber(cp.Longitude),
			protocol.FormatAmount(cp.PricePerKWh),
		)
	}
	p.push(peer, KindDriver, protocol.Msg(protocol.TypeAvailableCPs, args...))

	c.mu.Unlock()
	c.apply(p)
	c.log.Debug().Str("driver_id", driverID).Int("available", len(args)/4).Msg("availability query")
}

// RequestCharge decides a driver's charge request. On grant the CP enters
// SUPPLYING, the driver enters CHARGING, and AUTHORIZE fans out: to the
// requesting connection with the price appended, to the engine without it,
// plus DRIVER_START to the CP's monitor. Otherwise the driver gets a DENY
// with the reason.
func (c *Central) RequestCharge(driverID, cpID string, kwh float64, peer Peer) {
	p := &pending{}
	c.mu.Lock()

	d := c.drivers[driverID]
	if d == nil {
		// Drivers normally register first; tolerate a missing record so a
		// request is never lost to a coordinator restart.
		d = &Driver{ID: driverID, Status: StatusIdle, RegisteredAt: c.now()}
		c.drivers[driverID] = d
		p.drivers = append(p.drivers, driverRecord(d))
	}

	cp := c.cps[cpID]
	var reason string
	switch {
	case cp == nil:
		reason = protocol.DenyCPNotFound
	case cp.State == StateSupplying || cp.CurrentDriver != "":
		reason = protocol.DenyCPInUse
	case cp.State != StateActivated:
		reason = protocol.DenyStatePrefix + string(cp.State)
	}

	addr := peerAddr(peer)
	if reason != "" {
		p.push(peer, KindDriver, protocol.Msg(protocol.TypeDeny, driverID, cpID, reason))
		c.metrics.RecordDeny(reason)
		p.emits = append(p.emits, emit{events.StreamCharging, events.TypeChargeDenied, map[string]interface{}{
			"cp_id":     cpID,
			"driver_id": driverID,
			"reason":    reason,
		}})
		p.audits = append(p.audits, func() {
			c.audit.LogEvent(addr, "CHARGING", "CHARGE_DENIED", map[string]interface{}{
				"cp_id": cpID, "driver_id": driverID, "reason": reason,
			})
		})
		c.mu.Unlock()
		c.apply(p)
		c.log.Info().Str("driver_id", driverID).Str("cp_id", cpID).Str("reason", reason).Msg("charge denied")
		return
	}

	cp.State = StateSupplying
	cp.CurrentDriver = driverID
	cp.SessionStart = c.now()
	cp.EnergyDelivered = 0
	cp.AccruedAmount = 0
	cp.EnergyRequested = kwh
	cp.ChargingComplete = false
	d.Status = StatusCharging
	d.CurrentCP = cpID
	c.metrics.ActiveSessions.Inc()

	kwhField := protocol.FormatNumber(kwh)
	p.push(peer, KindDriver, protocol.Msg(protocol.TypeAuthorize,
		driverID, cpID, kwhField, protocol.FormatAmount(cp.PricePerKWh)))
	p.push(c.conns.lookup(cpID), KindCP, protocol.Msg(protocol.TypeAuthorize, driverID, cpID, kwhField))
	if mon := c.conns.monitor(cpID); mon != nil {
		p.push(mon, KindMonitor, protocol.Msg(protocol.TypeDriverStart, cpID, driverID))
	}
	p.cps = append(p.cps, cpRecord(cp))
	p.drivers = append(p.drivers, driverRecord(d))
	p.emits = append(p.emits, emit{events.StreamCharging, events.TypeChargeAuthorized, map[string]interface{}{
		"cp_id":         cpID,
		"driver_id":     driverID,
		"kwh_requested": kwh,
	}})
	p.audits = append(p.audits, func() {
		c.audit.LogEvent(addr, "CHARGING", "CHARGE_START", map[string]interface{}{
			"cp_id": cpID, "driver_id": driverID, "kwh_requested": kwh,
		})
	})

	c.mu.Unlock()
	c.apply(p)
	c.log.Info().Str("driver_id", driverID).Str("cp_id", cpID).Float64("kwh_requested", kwh).Msg("charge authorized")
}

// ============================================================================
// SUPPLY FLOW
// ============================================================================

// SupplyUpdate folds one meter increment into the active session and
// forwards the reading to the driver. The first time the accumulated energy
// reaches the requested amount, the driver is told the charge is complete.
// Updates outside an active session are stale and dropped.
func (c *Central) SupplyUpdate(cpID string, increment, amount float64) {
	p := &pending{}
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil || cp.State != StateSupplying {
		c.mu.Unlock()
		c.log.Debug().Str("cp_id", cpID).Msg("supply update outside an active session")
		return
	}

	cp.EnergyDelivered += increment
	cp.AccruedAmount = amount

	driverConn := c.conns.lookup(cp.CurrentDriver)
	p.push(driverConn, KindDriver, protocol.Msg(protocol.TypeSupplyUpdate,
		cpID, protocol.FormatNumber(increment), protocol.FormatAmount(amount)))

	if !cp.ChargingComplete && cp.EnergyRequested > 0 && cp.EnergyDelivered+1e-9 >= cp.EnergyRequested {
		cp.ChargingComplete = true
		// Completion does not end the session; the unplug does. Both the
		// driver and the CP's monitor hear about it once.
		p.push(driverConn, KindDriver, protocol.Msg(protocol.TypeChargingComplete, cpID, cp.CurrentDriver))
		if mon := c.conns.monitor(cpID); mon != nil {
			p.push(mon, KindMonitor, protocol.Msg(protocol.TypeChargingComplete, cpID, cp.CurrentDriver))
		}
	}

	c.mu.Unlock()
	c.apply(p)
}

// SupplyEnd settles the session normally on the engine's word. The
// coordinator's own accumulator is authoritative for the ticket; the totals
// the CP reports are only cross-checked.
func (c *Central) SupplyEnd(cpID, driverID string, totalEnergy, totalAmount float64) {
	p := &pending{}
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil || cp.State != StateSupplying {
		c.mu.Unlock()
		c.log.Debug().Str("cp_id", cpID).Msg("supply end outside an active session")
		return
	}
	if driverID != cp.CurrentDriver {
		c.log.Warn().Str("cp_id", cpID).Str("reported", driverID).Str("bound", cp.CurrentDriver).
			Msg("supply end names a different driver, settling with the bound one")
	}
	c.terminateLocked(cp, causeNormal, &reportedTotals{energy: totalEnergy, amount: totalAmount}, p)

	c.mu.Unlock()
	c.apply(p)
}

// EndCharge settles the session on the driver's unplug. The pairing must
// match the active session exactly; a stale unplug arriving after
// termination is a no-op.
func (c *Central) EndCharge(driverID, cpID string) {
	p := &pending{}
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil || cp.State != StateSupplying || cp.CurrentDriver != driverID {
		c.mu.Unlock()
		c.log.Debug().Str("driver_id", driverID).Str("cp_id", cpID).Msg("end charge does not match an active session")
		return
	}
	c.terminateLocked(cp, causeEndCharge, nil, p)

	c.mu.Unlock()
	c.apply(p)
}

// ============================================================================
// SESSION TERMINATION
// ============================================================================

// terminationCause says why a session ended; it selects the fan-out
// messages, the CP's next state, and the metric label.
type terminationCause int

const (
	causeNormal terminationCause = iota
	causeEndCharge
	causeFault
	causeWeather
	causeOperatorStop
)

func (tc terminationCause) String() string {
	switch tc {
	case causeNormal:
		return "normal"
	case causeEndCharge:
		return "end_charge"
	case causeFault:
		return "fault"
	case causeWeather:
		return "weather"
	case causeOperatorStop:
		return "operator_stop"
	}
	return "unknown"
}

// reportedTotals carries the CP's own SUPPLY_END totals, used only to
// cross-check the coordinator's accumulator.
type reportedTotals struct {
	energy float64
	amount float64
}

// terminateLocked closes the in-flight session on cp. It is the only path
// that writes a history row or fans out end-of-session frames. The caller
// holds the core lock and has verified cp.State == StateSupplying; the CP's
// next state is set here according to the cause.
func (c *Central) terminateLocked(cp *ChargingPoint, cause terminationCause, rep *reportedTotals, p *pending) {
	cpID := cp.ID
	driverID := cp.CurrentDriver
	elapsed := c.now().Sub(cp.SessionStart)

	delivered := cp.EnergyDelivered
	if delivered == 0 && cause == causeEndCharge && cp.EnergyRequested > 0 {
		// No meter update arrived before the unplug: estimate pro rata
		// against the nominal full-session duration.
		frac := elapsed.Seconds() / c.nominal.Seconds()
		if frac > 1 {
			frac = 1
		}
		delivered = cp.EnergyRequested * frac
	}
	if cp.EnergyRequested > 0 && delivered > cp.EnergyRequested {
		delivered = cp.EnergyRequested
	}
	delivered = round3(delivered)
	amount := round2(delivered * cp.PricePerKWh)

	if rep != nil && math.Abs(rep.energy-delivered) > 0.001 {
		c.log.Warn().Str("cp_id", cpID).
			Float64("metered_kwh", delivered).Float64("reported_kwh", rep.energy).
			Float64("reported_amount", rep.amount).
			Msg("session totals disagree, keeping metered value")
	}

	driverConn := c.conns.lookup(driverID)
	if cause == causeFault {
		p.push(driverConn, KindDriver, protocol.Msg(protocol.TypeDeny, driverID, cpID, protocol.DenyFaultStop))
	} else {
		p.push(driverConn, KindDriver, protocol.Msg(protocol.TypeTicket,
			cpID, protocol.FormatNumber(delivered), protocol.FormatAmount(amount)))
	}
	if mon := c.conns.monitor(cpID); mon != nil {
		p.push(mon, KindMonitor, protocol.Msg(protocol.TypeDriverStop, cpID, driverID))
	}
	if cause == causeEndCharge || cause == causeWeather {
		p.push(c.conns.lookup(cpID), KindCP, protocol.Msg(protocol.TypeEndSupply, cpID))
	}

	switch cause {
	case causeFault, causeWeather:
		cp.State = StateOutOfOrder
	case causeOperatorStop:
		cp.State = StateStopped
	default:
		cp.State = StateActivated
	}
	cp.CurrentDriver = ""
	cp.SessionStart = time.Time{}
	cp.EnergyDelivered = 0
	cp.AccruedAmount = 0
	cp.EnergyRequested = 0
	cp.ChargingComplete = false

	if d := c.drivers[driverID]; d != nil {
		d.Status = StatusIdle
		d.CurrentCP = ""
		d.TotalCharges++
		d.TotalSpent = round2(d.TotalSpent + amount)
		p.drivers = append(p.drivers, driverRecord(d))
	}
	p.cps = append(p.cps, cpRecord(cp))
	p.history = append(p.history, store.HistoryRecord{
		Timestamp:       c.now(),
		CPID:            cpID,
		DriverID:        driverID,
		KWhDelivered:    delivered,
		TotalAmount:     amount,
		DurationSeconds: round2(elapsed.Seconds()),
	})

	etype := events.TypeChargeCompleted
	action := "CHARGE_END"
	if cause != causeNormal && cause != causeEndCharge {
		etype = events.TypeChargeAborted
		action = "CHARGE_ABORTED"
	}
	p.emits = append(p.emits, emit{events.StreamCharging, etype, map[string]interface{}{
		"cp_id":         cpID,
		"driver_id":     driverID,
		"kwh_delivered": delivered,
		"amount_euro":   amount,
		"cause":         cause.String(),
	}})
	addr := peerAddr(c.conns.lookup(cpID))
	auditAction := action
	p.audits = append(p.audits, func() {
		c.audit.LogChargingSession(addr, cpID, driverID, auditAction, delivered, amount)
	})

	c.metrics.ActiveSessions.Dec()
	c.metrics.RecordSessionEnd(cause.String(), delivered, amount)
	c.log.Info().Str("cp_id", cpID).Str("driver_id", driverID).Str("cause", cause.String()).
		Float64("kwh_delivered", delivered).Float64("amount_euro", amount).Msg("session terminated")
}

// ============================================================================
// FAULTS AND RECOVERY
// ============================================================================

// Fault takes a CP out of order on its monitor's word. A fault mid-session
// aborts the charge: the driver gets an emergency-stop DENY, not a ticket.
// Faults against stopped or disconnected CPs are ignored.
func (c *Central) Fault(cpID string, peer Peer) {
	p := &pending{}
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil {
		c.mu.Unlock()
		c.log.Warn().Str("cp_id", cpID).Msg("fault for unknown charging point")
		return
	}
	from := cp.State
	switch cp.State {
	case StateSupplying:
		c.terminateLocked(cp, causeFault, nil, p)
	case StateActivated:
		cp.State = StateOutOfOrder
		p.cps = append(p.cps, cpRecord(cp))
	default:
		c.mu.Unlock()
		c.log.Debug().Str("cp_id", cpID).Str("state", string(from)).Msg("fault ignored in current state")
		return
	}
	c.metrics.RecordFault(cpID)

	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeCPFault, map[string]interface{}{
		"cp_id":          cpID,
		"previous_state": string(from),
	}})
	addr := peerAddr(peer)
	p.audits = append(p.audits, func() {
		c.audit.LogFault(addr, cpID, "CP_FAULT", "monitor reported fault")
	})

	c.mu.Unlock()
	c.apply(p)
	c.log.Warn().Str("cp_id", cpID).Str("previous_state", string(from)).Msg("charging point out of order")
}

// Recovery returns an out-of-order CP to service on its monitor's word. Any
// weather hold on the CP is dropped with it. Recovery in any other state is
// ignored; in particular an operator stop survives it.
func (c *Central) Recovery(cpID string, peer Peer) {
	p := &pending{}
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil {
		c.mu.Unlock()
		c.log.Warn().Str("cp_id", cpID).Msg("recovery for unknown charging point")
		return
	}
	if cp.State != StateOutOfOrder {
		c.mu.Unlock()
		c.log.Debug().Str("cp_id", cpID).Str("state", string(cp.State)).Msg("recovery ignored in current state")
		return
	}
	cp.State = StateActivated
	if _, ok := c.weather[cpID]; ok {
		delete(c.weather, cpID)
		c.metrics.WeatherAlertsActive.Set(float64(len(c.weather)))
	}

	p.cps = append(p.cps, cpRecord(cp))
	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeCPRecovered, map[string]interface{}{
		"cp_id": cpID,
	}})
	addr := peerAddr(peer)
	p.audits = append(p.audits, func() {
		c.audit.LogStateChange(addr, cpID, string(StateOutOfOrder), string(StateActivated))
	})

	c.mu.Unlock()
	c.apply(p)
	c.log.Info().Str("cp_id", cpID).Msg("charging point recovered")
}

// ============================================================================
// HEARTBEAT AND HEALTH
// ============================================================================

// Heartbeat refreshes the CP's liveness stamp and, outside an active
// session, adopts the state the engine reports. The session owns the state
// while supplying, and no engine may declare itself SUPPLYING: that state
// is only ever granted here.
func (c *Central) Heartbeat(cpID string, reported CPState) {
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil {
		c.mu.Unlock()
		c.log.Debug().Str("cp_id", cpID).Msg("heartbeat from unregistered charging point")
		return
	}
	cp.LastHeartbeat = c.now()
	if cp.State == StateSupplying {
		c.mu.Unlock()
		return
	}
	if !reported.Known() || reported == StateSupplying {
		c.mu.Unlock()
		c.log.Warn().Str("cp_id", cpID).Str("reported", string(reported)).Msg("heartbeat with unusable state")
		return
	}
	if reported == cp.State {
		c.mu.Unlock()
		return
	}
	from := cp.State
	cp.State = reported
	rec := cpRecord(cp)

	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.SaveChargingPoint(rec); err != nil {
			c.log.Error().Err(err).Str("cp_id", cpID).Msg("persist charging point")
		}
	}
	c.log.Info().Str("cp_id", cpID).Str("from", string(from)).Str("to", string(reported)).Msg("heartbeat state change")
}

// HealthReport records a monitor's health verdict for a CP. Health is
// advisory: demotion to out-of-order happens only through Fault.
func (c *Central) HealthReport(cpID string, healthy bool, peer Peer) {
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil {
		c.mu.Unlock()
		c.log.Debug().Str("cp_id", cpID).Msg("health report for unknown charging point")
		return
	}
	degraded := cp.HealthOK && !healthy
	cp.LastHealth = c.now()
	cp.HealthOK = healthy
	c.mu.Unlock()

	c.emitter.Emit(events.StreamHealth, events.TypeHealthReport, map[string]interface{}{
		"cp_id":   cpID,
		"healthy": healthy,
	})
	if degraded {
		c.audit.LogFault(peerAddr(peer), cpID, "HEALTH_KO", "health check failed")
		c.log.Warn().Str("cp_id", cpID).Msg("charging point health degraded")
	}
}

// ============================================================================
// OPERATOR CONTROL
// ============================================================================

// OperatorStop takes a CP out of service by hand. A session in flight is
// settled with a ticket first, then the engine gets STOP_COMMAND. Only
// activated or supplying CPs can be stopped.
func (c *Central) OperatorStop(cpID string) error {
	p := &pending{}
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCP, cpID)
	}
	from := cp.State
	switch cp.State {
	case StateSupplying:
		c.terminateLocked(cp, causeOperatorStop, nil, p)
	case StateActivated:
		cp.State = StateStopped
		p.cps = append(p.cps, cpRecord(cp))
	default:
		c.mu.Unlock()
		return fmt.Errorf("cannot stop %s in state %s", cpID, from)
	}

	p.push(c.conns.lookup(cpID), KindCP, protocol.Msg(protocol.TypeStopCommand, cpID))
	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeCPStopped, map[string]interface{}{
		"cp_id":          cpID,
		"previous_state": string(from),
	}})
	p.audits = append(p.audits, func() {
		c.audit.LogStateChange("operator", cpID, string(from), string(StateStopped))
	})

	c.mu.Unlock()
	c.apply(p)
	c.log.Info().Str("cp_id", cpID).Str("previous_state", string(from)).Msg("charging point stopped by operator")
	return nil
}

// OperatorResume returns an operator-stopped CP to service and tells the
// engine with RESUME_COMMAND. Only stopped CPs can be resumed.
func (c *Central) OperatorResume(cpID string) error {
	p := &pending{}
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCP, cpID)
	}
	if cp.State != StateStopped {
		c.mu.Unlock()
		return fmt.Errorf("cannot resume %s in state %s", cpID, cp.State)
	}
	cp.State = StateActivated

	p.push(c.conns.lookup(cpID), KindCP, protocol.Msg(protocol.TypeResumeCommand, cpID))
	p.cps = append(p.cps, cpRecord(cp))
	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeCPResumed, map[string]interface{}{
		"cp_id": cpID,
	}})
	p.audits = append(p.audits, func() {
		c.audit.LogStateChange("operator", cpID, string(StateStopped), string(StateActivated))
	})

	c.mu.Unlock()
	c.apply(p)
	c.log.Info().Str("cp_id", cpID).Msg("charging point resumed by operator")
	return nil
}

// ============================================================================
// WEATHER HOLDS
// ============================================================================

// RaiseWeatherAlert puts a CP out of order for cold weather, aborting any
// session in flight with a ticket. Stopped, disconnected, and already
// out-of-order CPs keep their state and record no hold: an operator stop or
// a hardware fault outranks weather.
func (c *Central) RaiseWeatherAlert(cpID, location string, temperature float64) error {
	p := &pending{}
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCP, cpID)
	}
	from := cp.State
	switch cp.State {
	case StateSupplying:
		c.terminateLocked(cp, causeWeather, nil, p)
	case StateActivated:
		cp.State = StateOutOfOrder
		p.cps = append(p.cps, cpRecord(cp))
	default:
		c.mu.Unlock()
		c.log.Info().Str("cp_id", cpID).Str("state", string(from)).Msg("weather alert without transition")
		return nil
	}

	alert := &WeatherAlert{
		CPID:        cpID,
		Location:    location,
		Temperature: temperature,
		AlertType:   "COLD_WEATHER",
		Message:     fmt.Sprintf("cold weather at %s: %.1fC", location, temperature),
		IssuedAt:    c.now(),
	}
	c.weather[cpID] = alert
	c.metrics.WeatherAlertsActive.Set(float64(len(c.weather)))

	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeWeatherAlert, map[string]interface{}{
		"cp_id":       cpID,
		"location":    location,
		"temperature": temperature,
	}})
	msg := alert.Message
	p.audits = append(p.audits, func() {
		c.audit.LogFault("weather-service", cpID, "COLD_WEATHER_ALERT", msg)
	})

	c.mu.Unlock()
	c.apply(p)
	c.log.Warn().Str("cp_id", cpID).Str("location", location).Float64("temperature", temperature).
		Msg("weather alert holds charging point")
	return nil
}

// ClearWeatherAlert drops the weather hold on a CP and, if the weather hold
// is what keeps it out of order, returns it to service. A CP held by a
// hardware fault has no alert record and stays down until its monitor
// reports recovery; a stopped CP stays stopped.
func (c *Central) ClearWeatherAlert(cpID string) error {
	p := &pending{}
	c.mu.Lock()

	cp := c.cps[cpID]
	if cp == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCP, cpID)
	}
	_, held := c.weather[cpID]
	if !held {
		c.mu.Unlock()
		c.log.Debug().Str("cp_id", cpID).Msg("weather clear without an active alert")
		return nil
	}
	delete(c.weather, cpID)
	c.metrics.WeatherAlertsActive.Set(float64(len(c.weather)))

	restored := false
	if cp.State == StateOutOfOrder {
		cp.State = StateActivated
		restored = true
		p.cps = append(p.cps, cpRecord(cp))
	}

	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeWeatherCleared, map[string]interface{}{
		"cp_id":    cpID,
		"restored": restored,
	}})
	p.audits = append(p.audits, func() {
		c.audit.LogEvent("weather-service", "STATE_CHANGE", "WEATHER_CLEARED", map[string]interface{}{
			"cp_id": cpID, "restored": restored,
		})
	})

	c.mu.Unlock()
	c.apply(p)
	c.log.Info().Str("cp_id", cpID).Bool("restored", restored).Msg("weather alert cleared")
	return nil
}

// ============================================================================
// DISCONNECTS
// ============================================================================

// Disconnect releases a connection's binding on teardown. The removal is
// conditional on the binding still pointing at this connection, so a stale
// teardown never evicts a newer registration. A CP dropping mid-session
// aborts the charge as a fault; a driver dropping mid-charge does not stop
// the supply.
func (c *Central) Disconnect(kind, id string, peer Peer) {
	p := &pending{}
	c.mu.Lock()

	var released bool
	if kind == KindMonitor {
		released = c.conns.unbindMonitor(id, peer)
	} else {
		released = c.conns.unbind(id, peer)
	}
	if !released {
		c.mu.Unlock()
		return
	}
	c.refreshAgentGauges()

	if kind == KindCP {
		if cp := c.cps[id]; cp != nil {
			if cp.State == StateSupplying {
				c.terminateLocked(cp, causeFault, nil, p)
			}
			if cp.State != StateDisconnected {
				cp.State = StateDisconnected
				p.cps = append(p.cps, cpRecord(cp))
			}
		}
	}

	p.emits = append(p.emits, emit{events.StreamSystem, events.TypeAgentDisconnected, map[string]interface{}{
		"kind":      kind,
		"entity_id": id,
	}})

	c.mu.Unlock()
	c.apply(p)
	c.log.Info().Str("kind", kind).Str("entity_id", id).Msg("agent disconnected")
}
