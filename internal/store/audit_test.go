package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditAppendsAndReadsBack(t *testing.T) {
	a, err := NewAuditLogger(t.TempDir())
	require.NoError(t, err)

	a.LogAuthentication("10.0.0.5:51234", "CP-001", true, "")
	a.LogChargingSession("10.0.0.7:51240", "CP-001", "D1", "CHARGE_START", 0, 0)
	a.LogChargingSession("10.0.0.7:51240", "CP-001", "D1", "CHARGE_END", 10, 3.00)
	a.LogFault("10.0.0.9:51250", "CP-001", "CP_FAULT", "monitor reported failure")
	a.LogStateChange("operator", "CP-001", "SUPPLYING", "OUT_OF_ORDER")

	entries, err := a.RecentEntries(10)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.Equal(t, "AUTHENTICATION", entries[0].EventType)
	assert.Equal(t, "AUTH_SUCCESS", entries[0].Action)
	assert.NotEmpty(t, entries[0].AuditID)

	assert.Equal(t, "CHARGING", entries[1].EventType)
	assert.Equal(t, "CHARGE_START", entries[1].Action)

	end := entries[2]
	assert.Equal(t, 10.0, end.Details["kwh_delivered"])
	assert.Equal(t, 3.0, end.Details["amount_euro"])

	assert.Equal(t, "SYSTEM_FAULT", entries[3].EventType)
	assert.Equal(t, "CP_FAULT", entries[3].Action)

	change := entries[4]
	assert.Equal(t, "STATE_CHANGE", change.EventType)
	assert.Equal(t, "SUPPLYING", change.Details["old_state"])
	assert.Equal(t, "OUT_OF_ORDER", change.Details["new_state"])
}

func TestAuditFailedAuthCarriesReason(t *testing.T) {
	a, err := NewAuditLogger(t.TempDir())
	require.NoError(t, err)

	a.LogAuthentication("10.0.0.5:51234", "CP-999", false, "not in registry")

	entries, err := a.RecentEntries(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AUTH_FAILED", entries[0].Action)
	assert.Equal(t, "not in registry", entries[0].Details["reason"])
}

func TestAuditRecentLimit(t *testing.T) {
	a, err := NewAuditLogger(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		a.LogStateChange("system", "CP-001", "A", "B")
	}
	entries, err := a.RecentEntries(3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestNilAuditLoggerIsSafe(t *testing.T) {
	var a *AuditLogger
	// Auditing is optional plumbing; a nil logger must be inert.
	a.LogEvent("x", "y", "z", nil)
	a.LogAuthentication("x", "cp", true, "")
}
