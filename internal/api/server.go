// Package api serves the HTTP surface: replay control, alert triage,
// vessel state, live streaming, and configuration inspection.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-data/aiswatch/internal/ais"
	"github.com/aegis-data/aiswatch/internal/config"
	"github.com/aegis-data/aiswatch/internal/db"
	"github.com/aegis-data/aiswatch/internal/events"
	"github.com/aegis-data/aiswatch/internal/ingest"
	"github.com/aegis-data/aiswatch/internal/replay"
	"github.com/aegis-data/aiswatch/internal/units"
)

// ANSI escape codes for request logging.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db     *db.DB
	driver *replay.Driver
	bus    *events.Bus
	cfg    *config.DetectionConfig
}

func NewServer(database *db.DB, driver *replay.Driver, bus *events.Bus, cfg *config.DetectionConfig) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{
		db:     database,
		driver: driver,
		bus:    bus,
		cfg:    cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/replay/start", s.startReplay)
	mux.HandleFunc("/api/replay/stop", s.stopReplay)
	mux.HandleFunc("/api/replay/status", s.replayStatus)
	mux.HandleFunc("/api/alerts", s.listAlerts)
	mux.HandleFunc("/api/alerts/stats", s.alertStats)
	mux.HandleFunc("/api/alerts/export", s.exportAlerts)
	mux.HandleFunc("/api/alerts/", s.alertByID)
	mux.HandleFunc("/api/vessels", s.listVessels)
	mux.HandleFunc("/api/vessels/", s.vesselByMMSI)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/health", s.health)
	mux.HandleFunc("/api/stream", s.streamEvents)
	mux.HandleFunc("/debug/charts/alerts", s.alertSeverityChart)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) startReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var opts replay.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	sessionID, err := s.driver.Start(opts)
	if err != nil {
		if errors.Is(err, replay.ErrAlreadyRunning) {
			s.writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (s *Server) stopReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.driver.Stop(); err != nil {
		if errors.Is(err, replay.ErrNotRunning) {
			s.writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) replayStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.driver.Status())
}

// parseAlertFilter builds an AlertFilter from query parameters shared by the
// list, stats, and export endpoints.
func parseAlertFilter(r *http.Request) (db.AlertFilter, error) {
	q := r.URL.Query()
	f := db.AlertFilter{
		MMSI:     q.Get("mmsi"),
		RuleType: q.Get("rule_type"),
		Status:   q.Get("status"),
	}
	if f.Status != "" && !db.ValidAlertStatus(f.Status) {
		return f, fmt.Errorf("invalid status %q", f.Status)
	}
	if v := q.Get("min_severity"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 || n > 100 {
			return f, fmt.Errorf("invalid min_severity %q", v)
		}
		f.MinSeverity = n
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			ts, err := ingest.ParseTimestamp(v)
			if err != nil {
				return f, fmt.Errorf("invalid %s %q", name, v)
			}
			*dst = ts
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	return f, nil
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	f, err := parseAlertFilter(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit == 0 {
		f.Limit = 100
	}

	alerts, err := s.db.ListAlerts(f)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list alerts: %v", err))
		return
	}
	if alerts == nil {
		alerts = []db.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) alertStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	f, err := parseAlertFilter(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.db.AlertStatistics(f)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to compute alert stats: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// alertByID handles GET and PATCH on /api/alerts/{id}.
func (s *Server) alertByID(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id < 1 {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid alert id %q", idStr))
		return
	}

	switch r.Method {
	case http.MethodGet:
		alert, err := s.db.GetAlert(id)
		if errors.Is(err, sql.ErrNoRows) {
			s.writeJSONError(w, http.StatusNotFound, "Alert not found")
			return
		}
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load alert: %v", err))
			return
		}
		s.writeJSON(w, http.StatusOK, alert)

	case http.MethodPatch:
		var body struct {
			Status string  `json:"status"`
			Notes  *string `json:"notes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
		if !db.ValidAlertStatus(body.Status) {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status %q", body.Status))
			return
		}

		err := s.db.UpdateAlertStatus(id, body.Status, body.Notes)
		if errors.Is(err, sql.ErrNoRows) {
			s.writeJSONError(w, http.StatusNotFound, "Alert not found")
			return
		}
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to update alert: %v", err))
			return
		}
		alert, err := s.db.GetAlert(id)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load alert: %v", err))
			return
		}
		s.writeJSON(w, http.StatusOK, alert)

	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// vesselJSON is the wire form of a vessel state row.
type vesselJSON struct {
	MMSI              string    `json:"mmsi"`
	Timestamp         time.Time `json:"timestamp"`
	Lat               float64   `json:"lat"`
	Lon               float64   `json:"lon"`
	SOG               *float64  `json:"sog,omitempty"`
	COG               *float64  `json:"cog,omitempty"`
	Heading           *float64  `json:"heading,omitempty"`
	LastAlertSeverity *int64    `json:"last_alert_severity,omitempty"`
}

func toVesselJSON(st db.VesselState, speedUnits string) vesselJSON {
	v := vesselJSON{
		MMSI:              st.MMSI,
		Timestamp:         st.Timestamp,
		Lat:               st.Lat,
		Lon:               st.Lon,
		SOG:               st.SOG,
		COG:               st.COG,
		Heading:           st.Heading,
		LastAlertSeverity: st.LastAlertSeverity,
	}
	if st.SOG != nil && speedUnits != units.Knots {
		converted := units.ConvertSpeed(*st.SOG, speedUnits)
		v.SOG = &converted
	}
	return v
}

// parseSpeedUnits reads the optional units query parameter; AIS speeds are
// reported in knots when it is absent.
func parseSpeedUnits(r *http.Request) (string, error) {
	v := r.URL.Query().Get("units")
	if v == "" {
		return units.Knots, nil
	}
	if !units.IsValid(v) {
		return "", fmt.Errorf("invalid units %q (valid: %s)", v, units.ValidUnitsString())
	}
	return v, nil
}

func (s *Server) listVessels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	speedUnits, err := parseSpeedUnits(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit %q", v))
			return
		}
		limit = n
	}

	var minSeverity int64
	if v := r.URL.Query().Get("min_severity"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 || n > 100 {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid min_severity %q", v))
			return
		}
		minSeverity = n
	}

	vessels, err := s.db.ListVesselsLatest(limit, minSeverity)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list vessels: %v", err))
		return
	}
	out := make([]vesselJSON, 0, len(vessels))
	for _, st := range vessels {
		out = append(out, toVesselJSON(st, speedUnits))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// vesselByMMSI handles GET /api/vessels/{mmsi} (current state) and
// GET /api/vessels/{mmsi}/track (position history).
func (s *Server) vesselByMMSI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/vessels/")
	mmsi, suffix, hasSuffix := strings.Cut(rest, "/")
	if !ais.ValidMMSI(mmsi) || (hasSuffix && suffix != "track") {
		s.writeJSONError(w, http.StatusNotFound, "Not found")
		return
	}

	speedUnits, err := parseSpeedUnits(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !hasSuffix {
		st, err := s.db.GetVesselLatest(mmsi)
		if errors.Is(err, sql.ErrNoRows) {
			s.writeJSONError(w, http.StatusNotFound, "Vessel not found")
			return
		}
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load vessel: %v", err))
			return
		}
		s.writeJSON(w, http.StatusOK, toVesselJSON(*st, speedUnits))
		return
	}

	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit %q", v))
			return
		}
		limit = n
	}

	var since, until time.Time
	for name, dst := range map[string]*time.Time{"since": &since, "until": &until} {
		if v := r.URL.Query().Get(name); v != "" {
			ts, err := ingest.ParseTimestamp(v)
			if err != nil {
				s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s %q", name, v))
				return
			}
			*dst = ts
		}
	}

	track, err := s.db.VesselTrack(mmsi, since, until, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load track: %v", err))
		return
	}
	out := make([]vesselJSON, 0, len(track))
	for _, st := range track {
		out = append(out, toVesselJSON(st, speedUnits))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// health reports database row counts and the replay driver state.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	vessels, positions, alerts, err := s.db.Counts()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Health check failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"vessels":      vessels,
		"positions":    positions,
		"alerts":       alerts,
		"replay_state": s.driver.Status().State,
	})
}

// showConfig reports the effective detection configuration, with every
// default resolved.
func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"teleport_speed_knots_short":     s.cfg.GetTeleportSpeedKnotsShort(),
		"teleport_speed_knots_medium":    s.cfg.GetTeleportSpeedKnotsMedium(),
		"max_turn_rate_deg_per_sec":      s.cfg.GetMaxTurnRateDegPerSec(),
		"min_speed_for_turn_check_knots": s.cfg.GetMinSpeedForTurnCheckKnots(),
		"alert_cooldown_sec":             s.cfg.GetAlertCooldownSec(),
		"default_batch_size":             s.cfg.GetDefaultBatchSize(),
		"streaming_threshold_mb":         s.cfg.GetStreamingThresholdMB(),
		"chunk_size":                     s.cfg.GetChunkSize(),
		"track_window_size":              s.cfg.GetTrackWindowSize(),
		"out_of_order_policy":            s.cfg.GetOutOfOrderPolicy(),
	})
}
