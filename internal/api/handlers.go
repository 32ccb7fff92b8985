package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/evgrid/central/internal/central"
	"github.com/evgrid/central/internal/store"
)

const defaultHistoryLimit = 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseLimit reads ?limit=N, falling back to defaultHistoryLimit for missing
// or unusable values.
func parseLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultHistoryLimit
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "ev-central",
	})
}

func (s *Server) handleListCPs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.ChargingPoints())
}

func (s *Server) handleGetCP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, cp := range s.core.ChargingPoints() {
		if cp.ID == id {
			writeJSON(w, http.StatusOK, cp)
			return
		}
	}
	writeError(w, http.StatusNotFound, "charging point not found")
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Drivers())
}

func (s *Server) handleDriverHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.store == nil {
		writeJSON(w, http.StatusOK, []store.HistoryRecord{})
		return
	}
	rows, err := s.store.HistoryForDriver(id, parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []store.HistoryRecord{})
		return
	}
	rows, err := s.store.RecentHistory(parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Status())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []store.AuditEntry{})
		return
	}
	rows, err := s.audit.RecentEntries(parseLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ============================================================================
// WEATHER HOOKS
// ============================================================================

func (s *Server) handleListWeather(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.WeatherAlerts())
}

func (s *Server) handleWeatherAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CPID        string  `json:"cp_id"`
		Location    string  `json:"location"`
		Temperature float64 `json:"temperature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CPID == "" {
		writeError(w, http.StatusBadRequest, "cp_id is required")
		return
	}

	if err := s.core.RaiseWeatherAlert(req.CPID, req.Location, req.Temperature); err != nil {
		if errors.Is(err, central.ErrUnknownCP) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info().
		Str("cp_id", req.CPID).
		Str("location", req.Location).
		Float64("temperature", req.Temperature).
		Msg("weather alert accepted")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alert_raised",
		"cp_id":  req.CPID,
	})
}

func (s *Server) handleWeatherClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CPID string `json:"cp_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CPID == "" {
		writeError(w, http.StatusBadRequest, "cp_id is required")
		return
	}

	if err := s.core.ClearWeatherAlert(req.CPID); err != nil {
		if errors.Is(err, central.ErrUnknownCP) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info().Str("cp_id", req.CPID).Msg("weather alert cleared")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alert_cleared",
		"cp_id":  req.CPID,
	})
}
