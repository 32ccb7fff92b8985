// Package events carries the Central's best-effort audit event stream. The
// core publishes and never consumes; emitting must not block, must not
// fail the caller, and must keep working when no backend is reachable.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Streams the Central publishes on. They map to the audit topics consumed
// by the office tooling.
const (
	StreamSystem   = "system_events"
	StreamCharging = "charging_logs"
	StreamHealth   = "health_checks"
)

// Event types.
const (
	TypeCPRegistered      = "CP_REGISTERED"
	TypeCPRemoved         = "CP_REMOVED"
	TypeDriverRegistered  = "DRIVER_REGISTERED"
	TypeMonitorAttached   = "MONITOR_ATTACHED"
	TypeAgentDisconnected = "AGENT_DISCONNECTED"
	TypeChargeAuthorized  = "CHARGE_AUTHORIZED"
	TypeChargeDenied      = "CHARGE_DENIED"
	TypeChargeCompleted   = "CHARGE_COMPLETED"
	TypeChargeAborted     = "CHARGE_ABORTED"
	TypeCPFault           = "CP_FAULT"
	TypeCPRecovered       = "CP_RECOVERED"
	TypeCPStopped         = "CP_STOPPED"
	TypeCPResumed         = "CP_RESUMED"
	TypeWeatherAlert      = "WEATHER_ALERT"
	TypeWeatherCleared    = "WEATHER_CLEARED"
	TypeHealthReport      = "HEALTH_REPORT"
)

// Emitter is what the session manager publishes through. Implementations
// are fire-and-forget.
type Emitter interface {
	Emit(stream, eventType string, data map[string]interface{})
}

// Event is the published envelope.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Stream    string                 `json:"stream"`
	Type      string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an envelope stamped with the Central's component name.
func NewEvent(stream, eventType string, data map[string]interface{}) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Component: "ev_central",
		Stream:    stream,
		Type:      eventType,
		Data:      data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is the in-process pub/sub fan-out. Dashboard surfaces subscribe to
// it; publishing to a full subscriber drops the event rather than block.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // stream -> channels
	allSubs     []chan *Event
	bufferSize  int
}

// NewBus creates an in-memory event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events on the given streams; with
// no streams it receives everything.
func (b *Bus) Subscribe(streams ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(streams) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, s := range streams {
			b.subscribers[s] = append(b.subscribers[s], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s, subs := range b.subscribers {
		filtered := subs[:0]
		for _, c := range subs {
			if c != ch {
				filtered = append(filtered, c)
			}
		}
		b.subscribers[s] = filtered
	}

	filtered := b.allSubs[:0]
	for _, c := range b.allSubs {
		if c != ch {
			filtered = append(filtered, c)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Stream] {
		select {
		case ch <- event:
		default:
			// subscriber full, drop
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes in one step.
func (b *Bus) Emit(stream, eventType string, data map[string]interface{}) {
	b.Publish(NewEvent(stream, eventType, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// Nop is an Emitter that discards everything; the zero value is usable.
type Nop struct{}

func (Nop) Emit(string, string, map[string]interface{}) {}
