package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewCreatesTableFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir)
	require.NoError(t, err)

	for _, name := range []string{"charging_points.txt", "drivers.txt", "charging_history.txt"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestSaveAndLoadChargingPoints(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveChargingPoint(ChargingPointRecord{
		CPID: "CP-001", Latitude: 40.5, Longitude: -3.1,
		PricePerKWh: 0.30, State: "ACTIVATED", RegisteredAt: time.Now(),
	}))
	require.NoError(t, s.SaveChargingPoint(ChargingPointRecord{
		CPID: "CP-002", Latitude: 41.0, Longitude: 2.1,
		PricePerKWh: 0.25, State: "SUPPLYING", RegisteredAt: time.Now(),
	}))

	// Upsert replaces in place, it does not duplicate rows.
	require.NoError(t, s.SaveChargingPoint(ChargingPointRecord{
		CPID: "CP-001", Latitude: 40.5, Longitude: -3.1,
		PricePerKWh: 0.35, State: "STOPPED", RegisteredAt: time.Now(),
	}))

	loaded, err := s.LoadChargingPoints()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Loading forces DISCONNECTED regardless of the persisted state.
	assert.Equal(t, "CP-001", loaded[0].CPID)
	assert.Equal(t, "DISCONNECTED", loaded[0].State)
	assert.Equal(t, 0.35, loaded[0].PricePerKWh)
	assert.Equal(t, "DISCONNECTED", loaded[1].State)
}

func TestRemoveChargingPoint(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveChargingPoint(ChargingPointRecord{CPID: "CP-001"}))
	require.NoError(t, s.SaveChargingPoint(ChargingPointRecord{CPID: "CP-002"}))
	require.NoError(t, s.RemoveChargingPoint("CP-001"))
	require.NoError(t, s.RemoveChargingPoint("CP-404")) // absent: no-op

	loaded, err := s.LoadChargingPoints()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "CP-002", loaded[0].CPID)
}

func TestTableFileIsOneJSONObjectPerLine(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.SaveChargingPoint(ChargingPointRecord{CPID: "CP-001", State: "ACTIVATED"}))
	require.NoError(t, s.SaveChargingPoint(ChargingPointRecord{CPID: "CP-002", State: "ACTIVATED"}))

	raw, err := os.ReadFile(filepath.Join(dir, "charging_points.txt"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var row map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &row))
		assert.Contains(t, row, "cp_id")
		assert.Contains(t, row, "price_per_kwh")
		assert.Contains(t, row, "registered_at")
	}
}

func TestDriverRoundTripKeepsStats(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveDriver(DriverRecord{
		DriverID: "D1", Status: "CHARGING", TotalCharges: 3, TotalSpent: 12.40,
		RegisteredAt: time.Now(),
	}))

	loaded, err := s.LoadDrivers()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	assert.Equal(t, "D1", loaded[0].DriverID)
	assert.Equal(t, "IDLE", loaded[0].Status) // forced on load
	assert.Equal(t, 3, loaded[0].TotalCharges)
	assert.Equal(t, 12.40, loaded[0].TotalSpent)
}

func TestHistoryAppendAndRecent(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendHistory(HistoryRecord{
			Timestamp: time.Now(), CPID: "C1", DriverID: "D1",
			KWhDelivered: float64(i + 1), TotalAmount: float64(i+1) * 0.30,
			DurationSeconds: 14,
		}))
	}

	recent, err := s.RecentHistory(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	// Last three rows, oldest first.
	assert.Equal(t, 3.0, recent[0].KWhDelivered)
	assert.Equal(t, 5.0, recent[2].KWhDelivered)

	all, err := s.RecentHistory(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestHistoryForDriver(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendHistory(HistoryRecord{CPID: "C1", DriverID: "D1", KWhDelivered: 1}))
	require.NoError(t, s.AppendHistory(HistoryRecord{CPID: "C2", DriverID: "D2", KWhDelivered: 2}))
	require.NoError(t, s.AppendHistory(HistoryRecord{CPID: "C1", DriverID: "D1", KWhDelivered: 3}))

	mine, err := s.HistoryForDriver("D1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, 1.0, mine[0].KWhDelivered)
	assert.Equal(t, 3.0, mine[1].KWhDelivered)
}

func TestMalformedRowsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.SaveChargingPoint(ChargingPointRecord{CPID: "CP-001"}))

	// Corrupt the table by hand; the good row must survive a reload.
	path := filepath.Join(dir, "charging_points.txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	loaded, err := s.LoadChargingPoints()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "CP-001", loaded[0].CPID)
}
