package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/logging"
)

const auditFile = "audit_log.txt"

// AuditEntry is one append-only audit row: when, who and from where, what
// action, and its parameters.
type AuditEntry struct {
	AuditID   string                 `json:"audit_id"`
	Timestamp time.Time              `json:"timestamp"`
	SourceIP  string                 `json:"source_ip"`
	EventType string                 `json:"event_type"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details"`
}

// AuditLogger appends structured audit events to data/audit_log.txt. A
// write failure is logged and swallowed; auditing never blocks or fails an
// operation.
type AuditLogger struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

// NewAuditLogger creates the audit log under dataDir.
func NewAuditLogger(dataDir string) (*AuditLogger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &AuditLogger{
		path: filepath.Join(dataDir, auditFile),
		log:  logging.Component("audit"),
	}, nil
}

// LogEvent appends one audit row.
func (a *AuditLogger) LogEvent(sourceIP, eventType, action string, details map[string]interface{}) {
	if a == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}

	entry := AuditEntry{
		AuditID:   uuid.NewString(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		EventType: eventType,
		Action:    action,
		Details:   details,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		a.log.Warn().Err(err).Msg("encode audit entry")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.log.Warn().Err(err).Msg("open audit log")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		a.log.Warn().Err(err).Msg("append audit log")
	}
}

// LogAuthentication records a registration accept or reject.
func (a *AuditLogger) LogAuthentication(sourceIP, entityID string, success bool, reason string) {
	action := "AUTH_SUCCESS"
	if !success {
		action = "AUTH_FAILED"
	}
	details := map[string]interface{}{"entity_id": entityID, "success": success}
	if !success && reason != "" {
		details["reason"] = reason
	}
	a.LogEvent(sourceIP, "AUTHENTICATION", action, details)
}

// LogChargingSession records a session lifecycle action (CHARGE_START,
// CHARGE_END, CHARGE_DENIED, ...).
func (a *AuditLogger) LogChargingSession(sourceIP, cpID, driverID, action string, kwh, amount float64) {
	details := map[string]interface{}{"cp_id": cpID, "driver_id": driverID}
	if kwh > 0 {
		details["kwh_delivered"] = kwh
	}
	if amount > 0 {
		details["amount_euro"] = amount
	}
	a.LogEvent(sourceIP, "CHARGING", action, details)
}

// LogFault records a fault or external alert against a CP.
func (a *AuditLogger) LogFault(sourceIP, cpID, faultType, description string) {
	details := map[string]interface{}{"cp_id": cpID, "fault_type": faultType}
	if description != "" {
		details["description"] = description
	}
	a.LogEvent(sourceIP, "SYSTEM_FAULT", faultType, details)
}

// LogStateChange records a CP state transition.
func (a *AuditLogger) LogStateChange(sourceIP, entityID, oldState, newState string) {
	a.LogEvent(sourceIP, "STATE_CHANGE", "STATE_TRANSITION", map[string]interface{}{
		"entity_id": entityID,
		"old_state": oldState,
		"new_state": newState,
	})
}

// RecentEntries returns the last limit audit rows in chronological order.
func (a *AuditLogger) RecentEntries(limit int) ([]AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []AuditEntry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e AuditEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
