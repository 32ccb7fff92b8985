package central

// ============================================================================
// PEER ABSTRACTION
// ============================================================================

// Peer is one connected agent transport. The TCP server hands the session
// manager a Peer per connection; tests substitute in-memory fakes. Send must
// be safe for concurrent use and must never be called while the Central
// mutex is held.
type Peer interface {
	// Send frames the fields and writes them to the agent.
	Send(fields ...string) error
	// RemoteAddr returns the agent's address for logs and audit rows.
	RemoteAddr() string
	// Close tears the transport down.
	Close() error
}

// ============================================================================
// CONNECTION REGISTRY
// ============================================================================

// Agent kinds as bound in the registry. The TCP front end remembers which
// kind a connection registered as and passes it back on teardown.
const (
	KindCP      = "cp"
	KindDriver  = "driver"
	KindMonitor = "monitor"
)

// connRegistry owns the entity-to-connection bindings. CP ids and driver ids
// share the entities map; monitors of a CP live in their own map so a
// monitor never shadows the engine it watches. The registry is not locked
// itself: every method runs under the Central mutex.
type connRegistry struct {
	entities map[string]Peer   // cp id or driver id -> connection
	kinds    map[string]string // entity id -> kindCP | kindDriver
	monitors map[string]Peer   // cp id -> monitor connection
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		entities: make(map[string]Peer),
		kinds:    make(map[string]string),
		monitors: make(map[string]Peer),
	}
}

// bind points id at p, replacing any previous binding (last writer wins).
// It returns the replaced connection, if any, so the caller can close it.
func (r *connRegistry) bind(id, kind string, p Peer) Peer {
	prev := r.entities[id]
	if prev == p {
		prev = nil
	}
	r.entities[id] = p
	r.kinds[id] = kind
	return prev
}

// bindMonitor points the monitor slot for cpID at p, last writer wins.
func (r *connRegistry) bindMonitor(cpID string, p Peer) Peer {
	prev := r.monitors[cpID]
	if prev == p {
		prev = nil
	}
	r.monitors[cpID] = p
	return prev
}

// lookup returns the live connection for an entity id, or nil.
func (r *connRegistry) lookup(id string) Peer {
	return r.entities[id]
}

// monitor returns the monitor connection for a CP, or nil.
func (r *connRegistry) monitor(cpID string) Peer {
	return r.monitors[cpID]
}

// kindOf returns the kind an entity id is bound as, or "".
func (r *connRegistry) kindOf(id string) string {
	return r.kinds[id]
}

// unbind removes the binding for id only if it still points at p. A stale
// teardown racing a re-registration must not evict the newer connection.
func (r *connRegistry) unbind(id string, p Peer) bool {
	if r.entities[id] != p {
		return false
	}
	delete(r.entities, id)
	delete(r.kinds, id)
	return true
}

// unbindMonitor removes the monitor binding for cpID only if it still
// points at p.
func (r *connRegistry) unbindMonitor(cpID string, p Peer) bool {
	if r.monitors[cpID] != p {
		return false
	}
	delete(r.monitors, cpID)
	return true
}

// countKind returns how many live bindings exist for a kind.
func (r *connRegistry) countKind(kind string) int {
	if kind == KindMonitor {
		return len(r.monitors)
	}
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

// total returns the number of live connections across all kinds.
func (r *connRegistry) total() int {
	return len(r.entities) + len(r.monitors)
}
