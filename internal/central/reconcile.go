package central

import (
	"github.com/evgrid/central/internal/events"
)

// ============================================================================
// REGISTRY RECONCILIATION
// ============================================================================

// CPSeed is one charging point as the office registry lists it.
type CPSeed struct {
	ID          string
	Latitude    float64
	Longitude   float64
	PricePerKWh float64
}

// ReconcileCPs aligns the coordinator's charging point table with the
// registry listing. The registry decides which CPs exist, never what state
// they are in: listed CPs the coordinator has not seen are inserted as
// DISCONNECTED to wait for their engine, and local CPs the registry no
// longer lists are removed outright. Metadata of CPs present on both sides
// is left alone; the engine's own registration owns it. Removing a CP
// mid-session aborts the charge as a fault and hangs up on its agents.
func (c *Central) ReconcileCPs(seeds []CPSeed) (added, removed int) {
	p := &pending{}
	c.mu.Lock()

	listed := make(map[string]CPSeed, len(seeds))
	for _, s := range seeds {
		if s.ID == "" {
			continue
		}
		listed[s.ID] = s
	}

	for id, seed := range listed {
		if _, ok := c.cps[id]; ok {
			continue
		}
		cp := &ChargingPoint{
			ID:           id,
			Latitude:     seed.Latitude,
			Longitude:    seed.Longitude,
			PricePerKWh:  seed.PricePerKWh,
			State:        StateDisconnected,
			RegisteredAt: c.now(),
		}
		c.cps[id] = cp
		added++
		p.cps = append(p.cps, cpRecord(cp))
		p.emits = append(p.emits, emit{events.StreamSystem, events.TypeCPRegistered, map[string]interface{}{
			"cp_id":  id,
			"source": "registry",
		}})
	}

	for id, cp := range c.cps {
		if _, ok := listed[id]; ok {
			continue
		}
		if cp.State == StateSupplying {
			c.terminateLocked(cp, causeFault, nil, p)
		}
		if c.conns.kindOf(id) == KindCP {
			if conn := c.conns.lookup(id); conn != nil && c.conns.unbind(id, conn) {
				p.closes = append(p.closes, conn)
			}
		}
		if mon := c.conns.monitor(id); mon != nil && c.conns.unbindMonitor(id, mon) {
			p.closes = append(p.closes, mon)
		}
		if _, held := c.weather[id]; held {
			delete(c.weather, id)
			c.metrics.WeatherAlertsActive.Set(float64(len(c.weather)))
		}
		delete(c.cps, id)
		removed++
		p.removals = append(p.removals, id)
		p.emits = append(p.emits, emit{events.StreamSystem, events.TypeCPRemoved, map[string]interface{}{
			"cp_id": id,
		}})
		cpID := id
		p.audits = append(p.audits, func() {
			c.audit.LogEvent("registry", "STATE_CHANGE", "CP_REMOVED", map[string]interface{}{
				"cp_id": cpID,
			})
		})
	}
	if removed > 0 {
		c.refreshAgentGauges()
	}
	if added > 0 {
		c.metrics.RegistryCPsAdded.Add(float64(added))
	}
	if removed > 0 {
		c.metrics.RegistryCPsRemoved.Add(float64(removed))
	}

	c.mu.Unlock()
	c.apply(p)
	if added > 0 || removed > 0 {
		c.log.Info().Int("added", added).Int("removed", removed).Msg("charging point table reconciled with registry")
	}
	return added, removed
}
