package replay

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-data/aiswatch/internal/db"
	"github.com/aegis-data/aiswatch/internal/events"
	"github.com/aegis-data/aiswatch/internal/timeutil"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.MigrateUp())
	return database
}

func writeCSV(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.csv")
	content := "mmsi,timestamp,lat,lon,sog,cog,heading\n" + rows
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// teleportCSV holds a clean point followed by an impossible jump.
func teleportCSV(t *testing.T) string {
	return writeCSV(t,
		fmt.Sprintf("367001234,%s,40.0,-70.0,,90.0,90\n", t0.Format(time.RFC3339))+
			fmt.Sprintf("367001234,%s,41.0,-70.0,,90.0,90\n", t0.Add(60*time.Second).Format(time.RFC3339)))
}

func TestStartValidation(t *testing.T) {
	d := NewDriver(openTestDB(t), nil, nil)

	_, err := d.Start(Options{Path: "", Speedup: 1})
	assert.Error(t, err)

	path := teleportCSV(t)
	for _, speedup := range []float64{0, -5, math.NaN(), math.Inf(-1)} {
		_, err := d.Start(Options{Path: path, Speedup: speedup})
		assert.Error(t, err, "speedup=%v", speedup)
	}

	for _, batch := range []int{-1, 10001} {
		_, err := d.Start(Options{Path: path, Speedup: 1, BatchSize: batch})
		assert.Error(t, err, "batch_size=%d", batch)
	}

	_, err = d.Start(Options{Path: filepath.Join(t.TempDir(), "missing.csv"), Speedup: 1})
	assert.Error(t, err)

	assert.Equal(t, StateIdle, d.Status().State, "failed starts leave the driver idle")
}

func TestRestrictedDataDirs(t *testing.T) {
	d := NewDriver(openTestDB(t), nil, nil)
	allowed := t.TempDir()
	d.RestrictTo(allowed)

	outside := teleportCSV(t)
	_, err := d.Start(Options{Path: outside, Speedup: 3600})
	assert.ErrorContains(t, err, "replay path rejected")
	assert.Equal(t, StateIdle, d.Status().State)

	inside := filepath.Join(allowed, "replay.csv")
	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(inside, data, 0o644))

	_, err = d.Start(Options{Path: inside, Speedup: 3600})
	require.NoError(t, err)
	d.Wait()
}

func TestReplayCompletesAndAlerts(t *testing.T) {
	database := openTestDB(t)
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(64)

	d := NewDriver(database, nil, bus)
	sessionID, err := d.Start(Options{Path: teleportCSV(t), Speedup: 3600})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	d.Wait()
	assert.Equal(t, StateIdle, d.Status().State)

	alerts, err := database.ListAlerts(db.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "TELEPORT", alerts[0].RuleType)

	// Lifecycle events: started, the alert, a final tick, completed.
	var kinds []events.Kind
	var outcome string
	for done := false; !done; {
		select {
		case ev := <-sub.C():
			kinds = append(kinds, ev.Kind)
			assert.Equal(t, sessionID, ev.SessionID)
			if ev.Kind == events.KindTick {
				payload := ev.Payload.(map[string]any)
				assert.Contains(t, payload, "processed")
			}
			if ev.Kind == events.KindStatus {
				payload := ev.Payload.(map[string]any)
				outcome = payload["outcome"].(string)
				done = outcome != "started"
			}
		case <-time.After(2 * time.Second):
			t.Fatal("missing lifecycle events")
		}
	}
	assert.Equal(t, "completed", outcome)
	assert.Contains(t, kinds, events.KindAlert)
	assert.Contains(t, kinds, events.KindTick)
}

func TestStopInterruptsPacedReplay(t *testing.T) {
	database := openTestDB(t)

	// 1000s between points at speedup 1: the driver will sit in its pacing
	// sleep until stopped.
	path := writeCSV(t,
		fmt.Sprintf("367001234,%s,40.0,-70.0,,,\n", t0.Format(time.RFC3339))+
			fmt.Sprintf("367001234,%s,40.1,-70.0,,,\n", t0.Add(1000*time.Second).Format(time.RFC3339)))

	d := NewDriver(database, nil, nil)
	_, err := d.Start(Options{Path: path, Speedup: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.Status().State == StateRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.NoError(t, d.Stop(), "stop while stopping is a no-op")

	d.Wait()
	assert.Equal(t, StateIdle, d.Status().State)
	assert.ErrorIs(t, d.Stop(), ErrNotRunning)
}

func TestSecondStartRejectedWhileRunning(t *testing.T) {
	database := openTestDB(t)
	path := writeCSV(t,
		fmt.Sprintf("367001234,%s,40.0,-70.0,,,\n", t0.Format(time.RFC3339))+
			fmt.Sprintf("367001234,%s,40.1,-70.0,,,\n", t0.Add(1000*time.Second).Format(time.RFC3339)))

	d := NewDriver(database, nil, nil)
	_, err := d.Start(Options{Path: path, Speedup: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return d.Status().State == StateRunning
	}, 5*time.Second, 5*time.Millisecond)

	_, err = d.Start(Options{Path: path, Speedup: 1})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, d.Stop())
	d.Wait()
}

func TestPacingDelayAgainstClock(t *testing.T) {
	d := NewDriver(openTestDB(t), nil, nil)
	clock := timeutil.NewMockClock(t0)
	d.clock = clock

	refWall := clock.Now()
	refSource := t0

	// 10s of source time at speedup 2 targets 5s of wall time; 2s have
	// already passed, so 3s remain.
	clock.Advance(2 * time.Second)
	delay := d.pacingDelay(refSource.Add(10*time.Second), refSource, refWall, 2)
	assert.Equal(t, 3*time.Second, delay)

	// Already behind schedule: no wait.
	clock.Advance(10 * time.Second)
	delay = d.pacingDelay(refSource.Add(10*time.Second), refSource, refWall, 2)
	assert.LessOrEqual(t, delay, time.Duration(0))

	// Out-of-order source timestamps never wait.
	delay = d.pacingDelay(refSource.Add(-time.Minute), refSource, refWall, 2)
	assert.Equal(t, time.Duration(0), delay)
}

func TestStreamingSelection(t *testing.T) {
	database := openTestDB(t)
	d := NewDriver(database, nil, nil)
	path := teleportCSV(t)

	// Tiny file defaults to buffered.
	streaming, err := d.chooseStreaming(Options{Path: path, Speedup: 1})
	require.NoError(t, err)
	assert.False(t, streaming)

	// Explicit override wins over the size heuristic.
	force := true
	streaming, err = d.chooseStreaming(Options{Path: path, Speedup: 1, UseStreaming: &force})
	require.NoError(t, err)
	assert.True(t, streaming)
}

func TestStreamingAndBufferedProduceSameAlerts(t *testing.T) {
	rows := ""
	lat := 40.0
	for i := 0; i < 30; i++ {
		// Every third pair is an impossible jump.
		if i%3 == 2 {
			lat += 1.0
		} else {
			lat += 0.0001
		}
		rows += fmt.Sprintf("367001234,%s,%.4f,-70.0,10.0,,\n",
			t0.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), lat)
	}

	countAlerts := func(streaming bool) int {
		database := openTestDB(t)
		path := writeCSV(t, rows)
		d := NewDriver(database, nil, nil)
		_, err := d.Start(Options{Path: path, Speedup: 100000, UseStreaming: &streaming})
		require.NoError(t, err)
		d.Wait()

		alerts, err := database.ListAlerts(db.AlertFilter{})
		require.NoError(t, err)
		return len(alerts)
	}

	buffered := countAlerts(false)
	streamed := countAlerts(true)
	assert.Positive(t, buffered)
	assert.Equal(t, buffered, streamed)
}

func TestCooldownCleanupAtSessionEnd(t *testing.T) {
	database := openTestDB(t)

	// Seed a cooldown row far older than the replay's source window.
	_, err := db.CheckAndArmCooldown(database, "999999999", "TELEPORT", t0.Add(-72*time.Hour), 0)
	require.NoError(t, err)

	d := NewDriver(database, nil, nil)
	_, err = d.Start(Options{Path: teleportCSV(t), Speedup: 3600})
	require.NoError(t, err)
	d.Wait()

	// The stale row is gone; the session's own row survives.
	allowed, err := db.CheckAndArmCooldown(database, "999999999", "TELEPORT", t0.Add(-72*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.True(t, allowed, "stale cooldown should have been cleaned up")
	allowed, err = db.CheckAndArmCooldown(database, "367001234", "TELEPORT", t0.Add(90*time.Second), 300*time.Second)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestInfiniteSpeedupReplaysUnpaced(t *testing.T) {
	database := openTestDB(t)

	// 1000s between points: at any finite speedup near 1 this would block in
	// the pacing sleep; +Inf must run straight through.
	path := writeCSV(t,
		fmt.Sprintf("367001234,%s,40.0,-70.0,,,\n", t0.Format(time.RFC3339))+
			fmt.Sprintf("367001234,%s,40.1,-70.0,,,\n", t0.Add(1000*time.Second).Format(time.RFC3339)))

	d := NewDriver(database, nil, nil)
	_, err := d.Start(Options{Path: path, Speedup: math.Inf(1)})
	require.NoError(t, err)
	d.Wait()

	assert.Equal(t, StateIdle, d.Status().State)
	track, err := database.VesselTrack("367001234", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, track, 2)
}

func TestStopDuringStartupReportsStopped(t *testing.T) {
	database := openTestDB(t)
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(64)

	// The mock clock never advances, so the second point's pacing sleep can
	// only end by cancellation.
	path := writeCSV(t,
		fmt.Sprintf("367001234,%s,40.0,-70.0,,,\n", t0.Format(time.RFC3339))+
			fmt.Sprintf("367001234,%s,40.1,-70.0,,,\n", t0.Add(1000*time.Second).Format(time.RFC3339)))

	d := NewDriver(database, nil, bus)
	d.clock = timeutil.NewMockClock(t0)

	_, err := d.Start(Options{Path: path, Speedup: 1})
	require.NoError(t, err)
	require.NoError(t, d.Stop())

	d.Wait()
	assert.Equal(t, StateIdle, d.Status().State)

	// However the stop raced session startup, the terminal event must say
	// the session was stopped, not completed.
	outcome := ""
	for outcome == "" || outcome == "started" {
		select {
		case ev := <-sub.C():
			if ev.Kind == events.KindStatus {
				outcome = ev.Payload.(map[string]any)["outcome"].(string)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("missing terminal status event")
		}
	}
	assert.Equal(t, "stopped", outcome)
}

func TestBatchSizeOverride(t *testing.T) {
	database := openTestDB(t)
	d := NewDriver(database, nil, nil)

	sessionOneOff, err := d.Start(Options{Path: teleportCSV(t), Speedup: math.Inf(1), BatchSize: 1})
	require.NoError(t, err)
	require.NotEmpty(t, sessionOneOff)
	d.Wait()

	alerts, err := database.ListAlerts(db.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// The override is reflected in status while running; the default shows
	// otherwise.
	path := writeCSV(t,
		fmt.Sprintf("367001234,%s,40.0,-70.0,,,\n", t0.Add(time.Hour).Format(time.RFC3339))+
			fmt.Sprintf("367001234,%s,40.1,-70.0,,,\n", t0.Add(time.Hour+1000*time.Second).Format(time.RFC3339)))
	_, err = d.Start(Options{Path: path, Speedup: 1, BatchSize: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, d.Status().BatchSize)
	require.NoError(t, d.Stop())
	d.Wait()
}
