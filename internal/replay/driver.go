// Package replay drives historical AIS data through the detection pipeline
// as if it were arriving live, pacing delivery by source timestamps scaled
// with a speedup factor.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-data/aiswatch/internal/ais"
	"github.com/aegis-data/aiswatch/internal/config"
	"github.com/aegis-data/aiswatch/internal/db"
	"github.com/aegis-data/aiswatch/internal/events"
	"github.com/aegis-data/aiswatch/internal/ingest"
	"github.com/aegis-data/aiswatch/internal/monitoring"
	"github.com/aegis-data/aiswatch/internal/pipeline"
	"github.com/aegis-data/aiswatch/internal/security"
	"github.com/aegis-data/aiswatch/internal/timeutil"
)

// Session lifecycle states.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is active.
	ErrAlreadyRunning = errors.New("a replay session is already active")
	// ErrNotRunning is returned by Stop when no session is active.
	ErrNotRunning = errors.New("no replay session is active")
)

// tickEvery is how many processed points pass between progress events.
const tickEvery = 100

// cooldownRetention bounds how long cooldown rows outlive their last alert.
const cooldownRetention = 24 * time.Hour

// Options configures one replay session.
type Options struct {
	// Path of the data file to replay.
	Path string `json:"path"`
	// Speedup scales source time: 10 plays an hour of data in six minutes.
	// Must be positive; +Inf replays with no pacing sleeps at all.
	Speedup float64 `json:"speedup"`
	// UseStreaming forces chunked loading on or off. When nil the driver
	// streams files larger than the configured threshold.
	UseStreaming *bool `json:"use_streaming,omitempty"`
	// BatchSize overrides how many points commit per transaction, 1..10000.
	// Zero uses the configured default.
	BatchSize int `json:"batch_size,omitempty"`
}

// Status is a point-in-time snapshot of the driver.
type Status struct {
	State       State          `json:"state"`
	SessionID   string         `json:"session_id,omitempty"`
	Path        string         `json:"path,omitempty"`
	Speedup     float64        `json:"speedup,omitempty"`
	Streaming   bool           `json:"streaming"`
	BatchSize   int            `json:"batch_size,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	SourceTime  time.Time      `json:"source_time,omitzero"`
	Vessels     int            `json:"vessels"`
	SkippedRows int64          `json:"skipped_rows"`
	Pipeline    pipeline.Stats `json:"pipeline"`
	LastError   string         `json:"last_error,omitempty"`
}

// Driver owns at most one replay session at a time.
type Driver struct {
	database    *db.DB
	cfg         *config.DetectionConfig
	bus         *events.Bus
	clock       timeutil.Clock
	allowedDirs []string

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDriver creates an idle Driver. cfg nil uses defaults; bus may be nil.
func NewDriver(database *db.DB, cfg *config.DetectionConfig, bus *events.Bus) *Driver {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Driver{
		database: database,
		cfg:      cfg,
		bus:      bus,
		clock:    timeutil.RealClock{},
		status:   Status{State: StateIdle},
	}
}

// RestrictTo confines replay paths to the given directories. With no
// directories any readable path is accepted. Must be called before Start.
func (d *Driver) RestrictTo(dirs ...string) {
	d.allowedDirs = dirs
}

// Start validates opts and launches a session, returning its id. Only one
// session runs at a time.
func (d *Driver) Start(opts Options) (string, error) {
	if opts.Path == "" {
		return "", errors.New("replay path is required")
	}
	if opts.Speedup <= 0 || math.IsNaN(opts.Speedup) {
		return "", fmt.Errorf("speedup must be positive, got %v", opts.Speedup)
	}
	if opts.BatchSize < 0 || opts.BatchSize > 10000 {
		return "", fmt.Errorf("batch_size must be in 1..10000, got %d", opts.BatchSize)
	}
	if len(d.allowedDirs) > 0 {
		if err := security.ValidateWithinAny(opts.Path, d.allowedDirs); err != nil {
			return "", fmt.Errorf("replay path rejected: %w", err)
		}
	}

	streaming, err := d.chooseStreaming(opts)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status.State != StateIdle {
		return "", ErrAlreadyRunning
	}

	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = d.cfg.GetDefaultBatchSize()
	}

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	done := make(chan struct{})
	d.done = done
	d.status = Status{
		State:     StateStarting,
		SessionID: sessionID,
		Path:      opts.Path,
		Speedup:   opts.Speedup,
		Streaming: streaming,
		BatchSize: batchSize,
		StartedAt: d.clock.Now().UTC(),
	}

	go func() {
		defer close(done)
		d.run(ctx, opts, sessionID, streaming)
	}()
	return sessionID, nil
}

// Stop requests the active session to wind down. It returns immediately;
// observers watch Status or the event stream for the transition to idle.
// Calling Stop during StateStopping is a no-op.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.status.State {
	case StateIdle:
		return ErrNotRunning
	case StateStopping:
		return nil
	}
	d.status.State = StateStopping
	d.cancel()
	return nil
}

// Status returns a snapshot of the driver state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Wait blocks until the current session (if any) has fully wound down. Used
// by graceful shutdown and tests.
func (d *Driver) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (d *Driver) chooseStreaming(opts Options) (bool, error) {
	if opts.UseStreaming != nil {
		return *opts.UseStreaming, nil
	}
	sizeMB, err := ingest.FileSizeMB(opts.Path)
	if err != nil {
		return false, fmt.Errorf("stat replay file: %w", err)
	}
	return sizeMB > d.cfg.GetStreamingThresholdMB(), nil
}

func (d *Driver) run(ctx context.Context, opts Options, sessionID string, streaming bool) {
	cfg := d.cfg
	if opts.BatchSize > 0 {
		override := *d.cfg
		override.DefaultBatchSize = &opts.BatchSize
		cfg = &override
	}
	proc := pipeline.New(d.database, cfg, d.bus, sessionID)
	var lastSourceTS time.Time

	finish := func(outcome string, runErr error) {
		if !lastSourceTS.IsZero() {
			if n, err := db.DeleteCooldownsBefore(d.database, lastSourceTS.Add(-cooldownRetention)); err != nil {
				monitoring.Logf("cooldown cleanup failed: %v", err)
			} else if n > 0 {
				monitoring.Debugf("removed %d stale cooldown rows", n)
			}
		}

		d.mu.Lock()
		d.updateProgressLocked(proc, lastSourceTS)
		if runErr != nil {
			d.status.LastError = runErr.Error()
		}
		finalStats := d.status
		d.status = Status{State: StateIdle, LastError: finalStats.LastError}
		d.mu.Unlock()

		if d.bus != nil {
			d.bus.Publish(events.Event{
				Kind:      events.KindStatus,
				SessionID: sessionID,
				Payload: map[string]any{
					"outcome":  outcome,
					"vessels":  finalStats.Vessels,
					"skipped":  finalStats.SkippedRows,
					"pipeline": finalStats.Pipeline,
				},
			})
		}
		monitoring.Logf("replay session %s %s: %d points, %d alerts, %d vessels",
			sessionID, outcome, finalStats.Pipeline.PointsProcessed,
			finalStats.Pipeline.AlertsEmitted, finalStats.Vessels)
	}

	reader, err := ingest.Open(opts.Path, d.cfg.GetChunkSize())
	if err != nil {
		d.publishError(sessionID, err)
		finish("failed", err)
		return
	}
	defer reader.Close()

	d.mu.Lock()
	// A Stop that landed during Starting has already moved the state to
	// Stopping; leave it so the session winds down as "stopped".
	if d.status.State == StateStarting {
		d.status.State = StateRunning
	}
	d.mu.Unlock()
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Kind:      events.KindStatus,
			SessionID: sessionID,
			Payload:   map[string]any{"outcome": "started", "streaming": streaming},
		})
	}

	// Pacing reference: the first point's source timestamp maps to "now".
	var refSource time.Time
	var refWall time.Time
	sincePrevTick := 0

	deliver := func(pt ais.Point) bool {
		if refWall.IsZero() {
			refSource = pt.Timestamp
			refWall = d.clock.Now()
		} else if delay := d.pacingDelay(pt.Timestamp, refSource, refWall, opts.Speedup); delay > 0 {
			if !d.sleepCtx(ctx, delay) {
				return false
			}
		}

		// Persistence failures are logged by the pipeline with the point
		// identity; the session keeps going.
		_ = proc.Process(pt)
		lastSourceTS = pt.Timestamp

		sincePrevTick++
		if sincePrevTick >= tickEvery {
			sincePrevTick = 0
			d.publishTick(sessionID, proc, lastSourceTS, reader.Skipped())
		}
		return ctx.Err() == nil
	}

	var runErr error
	if streaming {
		runErr = d.runStreaming(ctx, reader, deliver)
	} else {
		runErr = d.runBuffered(ctx, reader, deliver)
	}
	if err := proc.Flush(); err != nil && runErr == nil {
		runErr = err
	}

	d.mu.Lock()
	d.status.SkippedRows = reader.Skipped()
	interrupted := d.status.State == StateStopping
	d.mu.Unlock()

	d.publishTick(sessionID, proc, lastSourceTS, reader.Skipped())

	switch {
	case runErr != nil:
		d.publishError(sessionID, runErr)
		finish("failed", runErr)
	case interrupted:
		finish("stopped", nil)
	default:
		finish("completed", nil)
	}
}

func (d *Driver) runStreaming(ctx context.Context, reader *ingest.Reader, deliver func(ais.Point) bool) error {
	for {
		chunk, err := reader.NextChunk()
		for _, pt := range chunk {
			if !deliver(pt) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read replay chunk: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (d *Driver) runBuffered(ctx context.Context, reader *ingest.Reader, deliver func(ais.Point) bool) error {
	var pts []ais.Point
	for {
		chunk, err := reader.NextChunk()
		pts = append(pts, chunk...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read replay file: %w", err)
		}
	}
	for _, pt := range pts {
		if !deliver(pt) {
			return nil
		}
	}
	return nil
}

// pacingDelay returns how long to wait before delivering a point whose
// source timestamp is ts. Negative deltas (out-of-order input) produce no
// wait.
func (d *Driver) pacingDelay(ts, refSource, refWall time.Time, speedup float64) time.Duration {
	sourceElapsed := ts.Sub(refSource)
	if sourceElapsed <= 0 {
		return 0
	}
	target := time.Duration(float64(sourceElapsed) / speedup)
	return target - d.clock.Since(refWall)
}

func (d *Driver) publishTick(sessionID string, proc *pipeline.Processor, sourceTS time.Time, skipped int64) {
	d.mu.Lock()
	d.status.SkippedRows = skipped
	d.updateProgressLocked(proc, sourceTS)
	snapshot := d.status
	d.mu.Unlock()

	if d.bus != nil {
		d.bus.Publish(events.Event{
			Kind:      events.KindTick,
			SessionID: sessionID,
			Payload: map[string]any{
				"processed":   snapshot.Pipeline.PointsProcessed,
				"source_time": sourceTS,
				"vessels":     snapshot.Vessels,
				"pipeline":    snapshot.Pipeline,
			},
		})
	}
}

func (d *Driver) updateProgressLocked(proc *pipeline.Processor, sourceTS time.Time) {
	d.status.Pipeline = proc.Stats()
	d.status.Vessels = proc.Vessels()
	if !sourceTS.IsZero() {
		d.status.SourceTime = sourceTS
	}
}

func (d *Driver) publishError(sessionID string, err error) {
	monitoring.Logf("replay session %s error: %v", sessionID, err)
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Kind:      events.KindError,
			SessionID: sessionID,
			Payload:   map[string]any{"error": err.Error()},
		})
	}
}

// sleepCtx sleeps for dur, returning false when ctx was cancelled first.
func (d *Driver) sleepCtx(ctx context.Context, dur time.Duration) bool {
	timer := d.clock.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}
