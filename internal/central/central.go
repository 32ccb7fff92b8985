// Package central implements the coordinator core: the charging point and
// driver tables, the connection registry, and the charging session state
// machine. One mutex guards all core state. Session operations compute
// their outbound frames, persistence rows, events, and audit entries under
// that mutex and apply them only after it is released, so a slow socket or
// disk can never stall an unrelated agent.
package central

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/events"
	"github.com/evgrid/central/internal/logging"
	"github.com/evgrid/central/internal/store"
)

// DefaultNominalDuration is the assumed wall time of a full charging
// session, used to estimate delivered energy when a driver unplugs before
// any meter update arrived.
const DefaultNominalDuration = 14 * time.Second

// Options configures a Central. Zero fields get safe defaults: no
// persistence, no audit trail, a no-op emitter, and a private metrics
// registry.
type Options struct {
	Store           *store.Store
	Audit           *store.AuditLogger
	Emitter         events.Emitter
	Metrics         *Metrics
	NominalDuration time.Duration
}

// Central is the session manager. All exported methods are safe for
// concurrent use.
type Central struct {
	mu      sync.Mutex
	cps     map[string]*ChargingPoint
	drivers map[string]*Driver
	conns   *connRegistry
	weather map[string]*WeatherAlert

	store   *store.Store
	audit   *store.AuditLogger
	emitter events.Emitter
	metrics *Metrics
	log     zerolog.Logger

	nominal time.Duration
	now     func() time.Time
}

// New builds a Central and, when a store is configured, reloads the
// persisted charging points and drivers. Reloaded CPs come back
// DISCONNECTED and drivers IDLE: no agent is attached until it
// re-registers.
func New(opts Options) (*Central, error) {
	c := &Central{
		cps:     make(map[string]*ChargingPoint),
		drivers: make(map[string]*Driver),
		conns:   newConnRegistry(),
		weather: make(map[string]*WeatherAlert),
		store:   opts.Store,
		audit:   opts.Audit,
		emitter: opts.Emitter,
		metrics: opts.Metrics,
		log:     logging.Component("central"),
		nominal: opts.NominalDuration,
		now:     time.Now,
	}
	if c.emitter == nil {
		c.emitter = events.Nop{}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if c.nominal <= 0 {
		c.nominal = DefaultNominalDuration
	}

	if c.store != nil {
		cps, err := c.store.LoadChargingPoints()
		if err != nil {
			return nil, err
		}
		for _, rec := range cps {
			c.cps[rec.CPID] = &ChargingPoint{
				ID:           rec.CPID,
				Latitude:     rec.Latitude,
				Longitude:    rec.Longitude,
				PricePerKWh:  rec.PricePerKWh,
				State:        StateDisconnected,
				RegisteredAt: rec.RegisteredAt,
			}
		}

		drivers, err := c.store.LoadDrivers()
		if err != nil {
			return nil, err
		}
		for _, rec := range drivers {
			c.drivers[rec.DriverID] = &Driver{
				ID:           rec.DriverID,
				Status:       StatusIdle,
				TotalCharges: rec.TotalCharges,
				TotalSpent:   rec.TotalSpent,
				RegisteredAt: rec.RegisteredAt,
			}
		}
		c.log.Info().Int("charging_points", len(c.cps)).Int("drivers", len(c.drivers)).Msg("state reloaded")
	}

	return c, nil
}

// Metrics exposes the coordinator metrics so the TCP front end can record
// wire-level counters on the same struct.
func (c *Central) Metrics() *Metrics {
	return c.metrics
}

// ============================================================================
// DEFERRED SIDE EFFECTS
// ============================================================================

// send is one outbound frame decided under the core lock.
type send struct {
	to     Peer
	kind   string
	fields []string
}

// emit is one event decided under the core lock.
type emit struct {
	stream string
	etype  string
	data   map[string]interface{}
}

// pending collects everything a session operation decided while holding the
// core lock: frames to write, rows to persist, events to publish, audit
// entries to append, and replaced connections to close. apply runs it all
// after the lock is released.
type pending struct {
	sends    []send
	closes   []Peer
	cps      []store.ChargingPointRecord
	removals []string
	drivers  []store.DriverRecord
	history  []store.HistoryRecord
	emits    []emit
	audits   []func()
}

// push queues one outbound frame. A nil peer is allowed: the frame is
// counted as undeliverable when applied.
func (p *pending) push(to Peer, kind string, fields []string) {
	p.sends = append(p.sends, send{to: to, kind: kind, fields: fields})
}

// apply performs the collected side effects. Must be called after the core
// lock is released.
func (c *Central) apply(p *pending) {
	for _, s := range p.sends {
		if s.to == nil {
			c.log.Debug().Str("kind", s.kind).Strs("frame", s.fields).Msg("no connection for outbound frame")
			c.metrics.RecordSendFailure(s.kind)
			continue
		}
		if err := s.to.Send(s.fields...); err != nil {
			c.log.Warn().Err(err).Str("kind", s.kind).Str("remote", s.to.RemoteAddr()).Msg("outbound frame failed")
			c.metrics.RecordSendFailure(s.kind)
		}
	}
	for _, peer := range p.closes {
		if err := peer.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close replaced connection")
		}
	}
	if c.store != nil {
		for _, rec := range p.cps {
			if err := c.store.SaveChargingPoint(rec); err != nil {
				c.log.Error().Err(err).Str("cp_id", rec.CPID).Msg("persist charging point")
			}
		}
		// Removals run after saves: a termination row written for a CP that
		// is being removed in the same batch must not resurrect it.
		for _, id := range p.removals {
			if err := c.store.RemoveChargingPoint(id); err != nil {
				c.log.Error().Err(err).Str("cp_id", id).Msg("remove charging point record")
			}
		}
		for _, rec := range p.drivers {
			if err := c.store.SaveDriver(rec); err != nil {
				c.log.Error().Err(err).Str("driver_id", rec.DriverID).Msg("persist driver")
			}
		}
		for _, rec := range p.history {
			if err := c.store.AppendHistory(rec); err != nil {
				c.log.Error().Err(err).Str("cp_id", rec.CPID).Msg("persist history row")
			}
		}
	}
	for _, e := range p.emits {
		c.emitter.Emit(e.stream, e.etype, e.data)
	}
	for _, fn := range p.audits {
		fn()
	}
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

// ChargingPoints returns a point-in-time copy of every CP, sorted by id.
func (c *Central) ChargingPoints() []CPSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CPSnapshot, 0, len(c.cps))
	for _, cp := range c.cps {
		out = append(out, c.cpSnapshotLocked(cp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Drivers returns a point-in-time copy of every driver, sorted by id.
func (c *Central) Drivers() []DriverSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DriverSnapshot, 0, len(c.drivers))
	for _, d := range c.drivers {
		out = append(out, DriverSnapshot{
			ID:           d.ID,
			Status:       d.Status,
			CurrentCP:    d.CurrentCP,
			TotalCharges: d.TotalCharges,
			TotalSpent:   round2(d.TotalSpent),
			Connected:    c.conns.lookup(d.ID) != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status aggregates system-wide counters for the status endpoint and the
// dashboard header.
func (c *Central) Status() Overview {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := make(map[string]int)
	active := 0
	for _, cp := range c.cps {
		states[string(cp.State)]++
		if cp.State == StateSupplying {
			active++
		}
	}
	return Overview{
		ChargingPoints:  len(c.cps),
		Drivers:         len(c.drivers),
		ActiveSessions:  active,
		ConnectedAgents: c.conns.total(),
		WeatherAlerts:   c.weatherAlertsLocked(),
		StatesByCount:   states,
	}
}

// WeatherAlerts returns the active weather holds, sorted by CP id.
func (c *Central) WeatherAlerts() []WeatherAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weatherAlertsLocked()
}

func (c *Central) weatherAlertsLocked() []WeatherAlert {
	out := make([]WeatherAlert, 0, len(c.weather))
	for _, a := range c.weather {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPID < out[j].CPID })
	return out
}

func (c *Central) cpSnapshotLocked(cp *ChargingPoint) CPSnapshot {
	s := CPSnapshot{
		ID:               cp.ID,
		Latitude:         cp.Latitude,
		Longitude:        cp.Longitude,
		PricePerKWh:      cp.PricePerKWh,
		State:            cp.State,
		CurrentDriver:    cp.CurrentDriver,
		EnergyDelivered:  round3(cp.EnergyDelivered),
		AccruedAmount:    round2(cp.AccruedAmount),
		EnergyRequested:  cp.EnergyRequested,
		ChargingComplete: cp.ChargingComplete,
		Connected:        c.conns.lookup(cp.ID) != nil,
		HealthOK:         cp.HealthOK,
	}
	if cp.State == StateSupplying {
		s.SessionStartedAt = cp.SessionStart.Format(time.RFC3339)
	}
	return s
}

// ============================================================================
// HELPERS
// ============================================================================

func cpRecord(cp *ChargingPoint) store.ChargingPointRecord {
	return store.ChargingPointRecord{
		CPID:         cp.ID,
		Latitude:     cp.Latitude,
		Longitude:    cp.Longitude,
		PricePerKWh:  cp.PricePerKWh,
		State:        string(cp.State),
		RegisteredAt: cp.RegisteredAt,
	}
}

func driverRecord(d *Driver) store.DriverRecord {
	return store.DriverRecord{
		DriverID:     d.ID,
		Status:       string(d.Status),
		TotalCharges: d.TotalCharges,
		TotalSpent:   round2(d.TotalSpent),
		RegisteredAt: d.RegisteredAt,
	}
}

func peerAddr(p Peer) string {
	if p == nil {
		return "-"
	}
	return p.RemoteAddr()
}

// refreshAgentGauges resets the per-kind connection gauges from the
// registry. Called under the core lock after every bind or unbind.
func (c *Central) refreshAgentGauges() {
	c.metrics.ConnectedAgents.WithLabelValues(KindCP).Set(float64(c.conns.countKind(KindCP)))
	c.metrics.ConnectedAgents.WithLabelValues(KindDriver).Set(float64(c.conns.countKind(KindDriver)))
	c.metrics.ConnectedAgents.WithLabelValues(KindMonitor).Set(float64(c.conns.countKind(KindMonitor)))
}
