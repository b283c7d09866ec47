package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-data/aiswatch/internal/config"
	"github.com/aegis-data/aiswatch/internal/db"
	"github.com/aegis-data/aiswatch/internal/events"
	"github.com/aegis-data/aiswatch/internal/replay"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *db.DB
	driver *replay.Driver
	bus    *events.Bus
	srv    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.MigrateUp())

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	driver := replay.NewDriver(database, nil, bus)
	return &fixture{
		db:     database,
		driver: driver,
		bus:    bus,
		srv:    NewServer(database, driver, bus, config.Default()),
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.srv.ServeMux().ServeHTTP(w, req)
	return w
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	f.srv.ServeMux().ServeHTTP(w, req)
	return w
}

func seedAlert(t *testing.T, f *fixture, mmsi, ruleType string, severity int64, ts time.Time) int64 {
	t.Helper()
	a := &db.Alert{
		MMSI: mmsi, Timestamp: ts, RuleType: ruleType,
		Severity: severity, Summary: "test alert", Evidence: `{"tier":"short"}`,
	}
	require.NoError(t, db.InsertAlert(f.db, a))
	return a.ID
}

func teleportCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.csv")
	content := "mmsi,timestamp,lat,lon\n" +
		fmt.Sprintf("367001234,%s,40.0,-70.0\n", t0.Format(time.RFC3339)) +
		fmt.Sprintf("367001234,%s,41.0,-70.0\n", t0.Add(time.Minute).Format(time.RFC3339))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReplayLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/replay/status")
	require.Equal(t, http.StatusOK, w.Code)
	var status replay.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, replay.StateIdle, status.State)

	// Stop with nothing running conflicts.
	w = f.do(t, http.MethodPost, "/api/replay/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/replay/start", replay.Options{Path: teleportCSV(t), Speedup: 3600})
	require.Equal(t, http.StatusAccepted, w.Code)
	var started map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.NotEmpty(t, started["session_id"])

	f.driver.Wait()

	alerts, err := f.db.ListAlerts(db.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestStartReplayValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/replay/start", replay.Options{Path: teleportCSV(t), Speedup: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/replay/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/replay/start", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.srv.ServeMux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAlertsAndFilters(t *testing.T) {
	f := newFixture(t)
	seedAlert(t, f, "367001234", "TELEPORT", 100, t0)
	seedAlert(t, f, "367001234", "TURN_RATE", 80, t0.Add(time.Minute))
	seedAlert(t, f, "367005678", "TELEPORT", 70, t0.Add(2*time.Minute))

	w := f.get(t, "/api/alerts")
	require.Equal(t, http.StatusOK, w.Code)
	var alerts []db.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Len(t, alerts, 3)
	assert.Equal(t, "TELEPORT", alerts[0].RuleType) // newest first

	w = f.get(t, "/api/alerts?mmsi=367005678")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	assert.Len(t, alerts, 1)

	w = f.get(t, "/api/alerts?min_severity=75")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	assert.Len(t, alerts, 2)

	w = f.get(t, "/api/alerts?since="+t0.Add(30*time.Second).Format(time.RFC3339))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	assert.Len(t, alerts, 2)

	for _, bad := range []string{
		"/api/alerts?min_severity=oops",
		"/api/alerts?min_severity=500",
		"/api/alerts?status=bogus",
		"/api/alerts?since=yesterday",
		"/api/alerts?limit=0",
	} {
		w = f.get(t, bad)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestAlertGetAndPatch(t *testing.T) {
	f := newFixture(t)
	id := seedAlert(t, f, "367001234", "TELEPORT", 100, t0)

	w := f.get(t, fmt.Sprintf("/api/alerts/%d", id))
	require.Equal(t, http.StatusOK, w.Code)
	var got db.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, db.StatusNew, got.Status)

	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/alerts/%d", id),
		map[string]any{"status": "reviewed", "notes": "looks real"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, db.StatusReviewed, got.Status)
	require.NotNil(t, got.Notes)
	assert.Equal(t, "looks real", *got.Notes)

	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/alerts/%d", id), map[string]any{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.get(t, "/api/alerts/99999")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.get(t, "/api/alerts/notanumber")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	seedAlert(t, f, "367001234", "TELEPORT", 100, t0)
	seedAlert(t, f, "367001234", "TURN_RATE", 80, t0.Add(time.Minute))

	w := f.get(t, "/api/alerts/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats db.AlertStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 100, stats.MaxSeverity)
	assert.EqualValues(t, 1, stats.ByType["TURN_RATE"])
}

func TestExportAlertsCSV(t *testing.T) {
	f := newFixture(t)
	seedAlert(t, f, "367001234", "TELEPORT", 100, t0)
	seedAlert(t, f, "367005678", "TURN_RATE", 80, t0.Add(time.Minute))

	w := f.get(t, "/api/alerts/export?rule_type=TELEPORT")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	records, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2) // header + one row
	assert.Equal(t, "mmsi", records[0][1])
	assert.Equal(t, "367001234", records[1][1])
	assert.Equal(t, "TELEPORT", records[1][3])
}

func TestVesselEndpoints(t *testing.T) {
	f := newFixture(t)
	sog := 12.5
	require.NoError(t, db.UpsertVesselLatest(f.db, db.VesselState{
		MMSI: "367001234", Timestamp: t0, Lat: 40.0, Lon: -70.0, SOG: &sog,
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, db.InsertVesselPosition(f.db, db.VesselState{
			MMSI: "367001234", Timestamp: t0.Add(time.Duration(i) * time.Minute), Lat: 40.0, Lon: -70.0,
		}))
	}

	w := f.get(t, "/api/vessels")
	require.Equal(t, http.StatusOK, w.Code)
	var vessels []vesselJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vessels))
	require.Len(t, vessels, 1)
	assert.Equal(t, "367001234", vessels[0].MMSI)
	require.NotNil(t, vessels[0].SOG)

	w = f.get(t, "/api/vessels/367001234/track?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var track []vesselJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &track))
	assert.Len(t, track, 2)

	w = f.get(t, "/api/vessels?units=kmh")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vessels))
	require.NotNil(t, vessels[0].SOG)
	assert.InDelta(t, 12.5*1.852, *vessels[0].SOG, 0.001)

	w = f.get(t, "/api/vessels?units=furlongs")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.get(t, "/api/vessels/badmmsi/track")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.get(t, "/api/vessels/367001234/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVesselGetAndFilters(t *testing.T) {
	f := newFixture(t)
	sev := int64(90)
	require.NoError(t, db.UpsertVesselLatest(f.db, db.VesselState{
		MMSI: "367001234", Timestamp: t0, Lat: 40.0, Lon: -70.0, LastAlertSeverity: &sev,
	}))
	require.NoError(t, db.UpsertVesselLatest(f.db, db.VesselState{
		MMSI: "367005678", Timestamp: t0.Add(time.Minute), Lat: 41.0, Lon: -71.0,
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, db.InsertVesselPosition(f.db, db.VesselState{
			MMSI: "367001234", Timestamp: t0.Add(time.Duration(i) * time.Minute), Lat: 40.0, Lon: -70.0,
		}))
	}

	w := f.get(t, "/api/vessels/367001234")
	require.Equal(t, http.StatusOK, w.Code)
	var vessel vesselJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vessel))
	assert.Equal(t, "367001234", vessel.MMSI)
	require.NotNil(t, vessel.LastAlertSeverity)
	assert.EqualValues(t, 90, *vessel.LastAlertSeverity)

	w = f.get(t, "/api/vessels/367999999")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.get(t, "/api/vessels?min_severity=50")
	require.Equal(t, http.StatusOK, w.Code)
	var vessels []vesselJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vessels))
	require.Len(t, vessels, 1)
	assert.Equal(t, "367001234", vessels[0].MMSI)

	w = f.get(t, "/api/vessels?min_severity=lots")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.get(t, "/api/vessels/367001234/track?since="+t0.Add(time.Minute).Format(time.RFC3339)+
		"&until="+t0.Add(4*time.Minute).Format(time.RFC3339))
	require.Equal(t, http.StatusOK, w.Code)
	var track []vesselJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &track))
	assert.Len(t, track, 3)

	w = f.get(t, "/api/vessels/367001234/track?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, db.UpsertVesselLatest(f.db, db.VesselState{
		MMSI: "367001234", Timestamp: t0, Lat: 40.0, Lon: -70.0,
	}))
	require.NoError(t, db.InsertVesselPosition(f.db, db.VesselState{
		MMSI: "367001234", Timestamp: t0, Lat: 40.0, Lon: -70.0,
	}))
	seedAlert(t, f, "367001234", "TELEPORT", 100, t0)

	w := f.get(t, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["vessels"])
	assert.EqualValues(t, 1, health["positions"])
	assert.EqualValues(t, 1, health["alerts"])
	assert.Equal(t, "idle", health["replay_state"])
}

func TestShowConfig(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/api/config")
	require.Equal(t, http.StatusOK, w.Code)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.EqualValues(t, 60, cfg["teleport_speed_knots_short"])
	assert.EqualValues(t, 300, cfg["alert_cooldown_sec"])
	assert.Equal(t, "append", cfg["out_of_order_policy"])
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.ServeMux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// Give the handler a moment to subscribe before publishing.
	require.Eventually(t, func() bool { return f.bus.Subscribers() > 0 }, 2*time.Second, 5*time.Millisecond)
	f.bus.Publish(events.Event{Kind: events.KindAlert, SessionID: "s1", Payload: map[string]any{"id": 1}})

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	assert.Equal(t, "event: alert", eventLine)

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev))
	assert.Equal(t, events.KindAlert, ev.Kind)
	assert.Equal(t, "s1", ev.SessionID)
}
