// Package store persists charging points, drivers, and completed sessions
// as JSON-lines files under a data directory. The keyed tables are fully
// rewritten on every change with an atomic replace; the history file is
// append-only. The store never owns business state — it mirrors what the
// session manager hands it, and a failed write is logged, not propagated
// into the in-memory transition.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/logging"
)

const (
	chargingPointsFile = "charging_points.txt"
	driversFile        = "drivers.txt"
	historyFile        = "charging_history.txt"
)

// ChargingPointRecord is the persisted row for one CP.
type ChargingPointRecord struct {
	CPID         string    `json:"cp_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	PricePerKWh  float64   `json:"price_per_kwh"`
	State        string    `json:"state"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DriverRecord is the persisted row for one driver.
type DriverRecord struct {
	DriverID     string    `json:"driver_id"`
	Status       string    `json:"status"`
	TotalCharges int       `json:"total_charges"`
	TotalSpent   float64   `json:"total_spent"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HistoryRecord is one completed (or force-terminated) charging session.
type HistoryRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	CPID            string    `json:"cp_id"`
	DriverID        string    `json:"driver_id"`
	KWhDelivered    float64   `json:"kwh_delivered"`
	TotalAmount     float64   `json:"total_amount"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Store serializes all file access under one mutex; it is safe for
// concurrent use by the session manager and the HTTP surfaces.
type Store struct {
	mu      sync.Mutex
	dataDir string
	log     zerolog.Logger
}

// New creates the data directory and empty table files if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	s := &Store{
		dataDir: dataDir,
		log:     logging.Component("store"),
	}

	for _, name := range []string{chargingPointsFile, driversFile, historyFile} {
		path := filepath.Join(dataDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return nil, fmt.Errorf("init %s: %w", name, err)
			}
		}
	}
	return s, nil
}

// ============================================================================
// CHARGING POINTS
// ============================================================================

// SaveChargingPoint upserts one CP row and rewrites the table.
func (s *Store) SaveChargingPoint(rec ChargingPointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.readChargingPoints()
	cps[rec.CPID] = rec
	return s.writeChargingPoints(cps)
}

// RemoveChargingPoint deletes one CP row; removing an absent row is a no-op.
func (s *Store) RemoveChargingPoint(cpID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.readChargingPoints()
	if _, ok := cps[cpID]; !ok {
		return nil
	}
	delete(cps, cpID)
	return s.writeChargingPoints(cps)
}

// LoadChargingPoints returns every persisted CP with its state forced to
// DISCONNECTED: after a restart no agent is attached until it re-registers.
func (s *Store) LoadChargingPoints() ([]ChargingPointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.readChargingPoints()
	out := make([]ChargingPointRecord, 0, len(cps))
	for _, rec := range cps {
		rec.State = "DISCONNECTED"
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPID < out[j].CPID })
	return out, nil
}

func (s *Store) readChargingPoints() map[string]ChargingPointRecord {
	cps := make(map[string]ChargingPointRecord)
	s.readLines(chargingPointsFile, func(line []byte) {
		var rec ChargingPointRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn().Err(err).Msg("skipping malformed charging point row")
			return
		}
		cps[rec.CPID] = rec
	})
	return cps
}

func (s *Store) writeChargingPoints(cps map[string]ChargingPointRecord) error {
	ids := make([]string, 0, len(cps))
	for id := range cps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]interface{}, len(ids))
	for i, id := range ids {
		rows[i] = cps[id]
	}
	return s.rewrite(chargingPointsFile, rows)
}

// ============================================================================
// DRIVERS
// ============================================================================

// SaveDriver upserts one driver row and rewrites the table.
func (s *Store) SaveDriver(rec DriverRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drivers := s.readDrivers()
	drivers[rec.DriverID] = rec
	return s.writeDrivers(drivers)
}

// LoadDrivers returns every persisted driver with status forced to IDLE; a
// restart cannot leave anyone mid-charge.
func (s *Store) LoadDrivers() ([]DriverRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drivers := s.readDrivers()
	out := make([]DriverRecord, 0, len(drivers))
	for _, rec := range drivers {
		rec.Status = "IDLE"
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (s *Store) readDrivers() map[string]DriverRecord {
	drivers := make(map[string]DriverRecord)
	s.readLines(driversFile, func(line []byte) {
		var rec DriverRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn().Err(err).Msg("skipping malformed driver row")
			return
		}
		drivers[rec.DriverID] = rec
	})
	return drivers
}

func (s *Store) writeDrivers(drivers map[string]DriverRecord) error {
	ids := make([]string, 0, len(drivers))
	for id := range drivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]interface{}, len(ids))
	for i, id := range ids {
		rows[i] = drivers[id]
	}
	return s.rewrite(driversFile, rows)
}

// ============================================================================
// CHARGING HISTORY
// ============================================================================

// AppendHistory appends one completed-session row.
func (s *Store) AppendHistory(rec HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLine(historyFile, rec)
}

// RecentHistory returns the last limit rows in chronological order.
func (s *Store) RecentHistory(limit int) ([]HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []HistoryRecord
	s.readLines(historyFile, func(line []byte) {
		var rec HistoryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn().Err(err).Msg("skipping malformed history row")
			return
		}
		all = append(all, rec)
	})

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// HistoryForDriver returns the driver's last limit sessions in
// chronological order.
func (s *Store) HistoryForDriver(driverID string, limit int) ([]HistoryRecord, error) {
	all, err := s.RecentHistory(0)
	if err != nil {
		return nil, err
	}

	var matched []HistoryRecord
	for _, rec := range all {
		if rec.DriverID == driverID {
			matched = append(matched, rec)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// ============================================================================
// FILE PRIMITIVES
// ============================================================================

// rewrite replaces a keyed table atomically: the rows are staged in a temp
// file and renamed over the live one, so a crash mid-write never truncates
// the table.
func (s *Store) rewrite(name string, rows []interface{}) error {
	path := filepath.Join(s.dataDir, name)

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.log.Debug().Err(err).Str("file", name).Msg("cleanup pending file")
		}
	}()

	w := bufio.NewWriter(pending)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode %s row: %w", name, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", name, err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) appendLine(name string, row interface{}) error {
	path := filepath.Join(s.dataDir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode %s row: %w", name, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

func (s *Store) readLines(name string, fn func(line []byte)) {
	path := filepath.Join(s.dataDir, name)

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("file", name).Msg("read table")
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn().Err(err).Str("file", name).Msg("scan table")
	}
}
