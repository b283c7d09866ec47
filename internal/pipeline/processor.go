// Package pipeline runs the per-point detection and persistence unit: track
// window update, rule evaluation, cooldown gating, and transactional
// persistence of every row the point produces. Points are grouped into
// batches of configurable size; each point is an all-or-nothing unit inside
// its batch.
package pipeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aegis-data/aiswatch/internal/ais"
	"github.com/aegis-data/aiswatch/internal/config"
	"github.com/aegis-data/aiswatch/internal/db"
	"github.com/aegis-data/aiswatch/internal/detect"
	"github.com/aegis-data/aiswatch/internal/events"
	"github.com/aegis-data/aiswatch/internal/monitoring"
	"github.com/aegis-data/aiswatch/internal/track"
)

// Stats are the pipeline's running counters for one session.
type Stats struct {
	PointsProcessed  int64 `json:"points_processed"`
	PointsDiscarded  int64 `json:"points_discarded"`
	PointsFailed     int64 `json:"points_failed"`
	AlertsEmitted    int64 `json:"alerts_emitted"`
	AlertsSuppressed int64 `json:"alerts_suppressed"`
}

func (s Stats) plus(o Stats) Stats {
	s.PointsProcessed += o.PointsProcessed
	s.PointsDiscarded += o.PointsDiscarded
	s.PointsFailed += o.PointsFailed
	s.AlertsEmitted += o.AlertsEmitted
	s.AlertsSuppressed += o.AlertsSuppressed
	return s
}

// Processor owns one session's detection state. It is driven from a single
// goroutine; per-session state (track windows, severity carry) is not shared.
type Processor struct {
	database  *db.DB
	engine    *detect.Engine
	store     *track.Store
	bus       *events.Bus
	sessionID string
	cooldown  time.Duration
	policy    config.OutOfOrderPolicy
	batchSize int

	// highest alert severity seen per vessel this session. Absence from the
	// map writes NULL to vessels_latest, which clears stale severity left
	// over from earlier sessions. The value never decreases.
	severity map[string]int64

	// open batch transaction state. Points accumulate on tx, each inside its
	// own savepoint, until batchSize points have been applied or Flush is
	// called.
	tx      *sql.Tx
	inBatch int
	pending []db.Alert
	batch   Stats

	stats Stats
}

// New creates a Processor for one replay session. bus may be nil when no live
// subscribers are wanted (tools, tests).
func New(database *db.DB, cfg *config.DetectionConfig, bus *events.Bus, sessionID string) *Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Processor{
		database:  database,
		engine:    detect.NewEngine(cfg),
		store:     track.NewStore(cfg.GetTrackWindowSize()),
		bus:       bus,
		sessionID: sessionID,
		cooldown:  time.Duration(cfg.GetAlertCooldownSec()) * time.Second,
		policy:    cfg.GetOutOfOrderPolicy(),
		batchSize: cfg.GetDefaultBatchSize(),
		severity:  make(map[string]int64),
	}
}

// Stats returns a snapshot of the session counters, including points applied
// in the not-yet-committed batch.
func (p *Processor) Stats() Stats { return p.stats.plus(p.batch) }

// Vessels returns the number of distinct vessels seen this session.
func (p *Processor) Vessels() int { return p.store.Vessels() }

// Process runs one point through detection and applies its effects to the
// open batch transaction: cooldown updates, alert rows, the latest-state
// upsert, and the position row succeed or roll back together as one unit. A
// failing unit rolls back to its savepoint without disturbing the rest of the
// batch. The batch commits after batchSize points; emitted alerts are
// published to the bus only once their batch is durable.
func (p *Processor) Process(pt ais.Point) error {
	prev := p.store.Previous(pt.MMSI)
	p.store.Push(pt)

	candidates := p.engine.Evaluate(prev, &pt)

	if p.tx == nil {
		tx, err := p.database.Begin()
		if err != nil {
			p.stats.PointsFailed++
			return fmt.Errorf("begin batch transaction: %w", err)
		}
		p.tx = tx
	}

	if _, err := p.tx.Exec("SAVEPOINT point"); err != nil {
		p.stats.PointsFailed++
		return fmt.Errorf("open point savepoint: %w", err)
	}

	emitted, suppressed, discarded, err := p.applyPoint(p.tx, pt, candidates)
	if err != nil {
		p.tx.Exec("ROLLBACK TO point")
		p.tx.Exec("RELEASE point")
		p.stats.PointsFailed++
		monitoring.Logf("point for %s at %s rolled back: %v", pt.MMSI, pt.Timestamp.Format(time.RFC3339), err)
		return err
	}
	if _, err := p.tx.Exec("RELEASE point"); err != nil {
		p.stats.PointsFailed++
		return fmt.Errorf("release point savepoint: %w", err)
	}

	p.inBatch++
	if discarded {
		p.batch.PointsDiscarded++
	} else {
		p.batch.PointsProcessed++
		p.batch.AlertsEmitted += int64(len(emitted))
		p.batch.AlertsSuppressed += suppressed

		// The carry ratchets upward only: a later low-severity alert must not
		// lower the vessel's recorded maximum for the session. Updated as
		// soon as the unit lands in the batch so later points in the same
		// batch see it.
		for _, a := range emitted {
			if cur, ok := p.severity[pt.MMSI]; !ok || a.Severity > cur {
				p.severity[pt.MMSI] = a.Severity
			}
		}
		p.pending = append(p.pending, emitted...)
	}

	if p.inBatch >= p.batchSize {
		return p.Flush()
	}
	return nil
}

// Flush commits the open batch transaction, folds its counters into the
// session totals, and publishes the batch's alerts. Safe to call when no
// batch is open. Callers must Flush when the point stream ends.
func (p *Processor) Flush() error {
	if p.tx == nil {
		return nil
	}
	tx := p.tx
	batch := p.batch
	pending := p.pending
	p.tx = nil
	p.inBatch = 0
	p.batch = Stats{}
	p.pending = nil

	if err := tx.Commit(); err != nil {
		p.stats.PointsFailed += batch.PointsProcessed
		p.stats.PointsDiscarded += batch.PointsDiscarded
		return fmt.Errorf("commit point batch: %w", err)
	}
	p.stats = p.stats.plus(batch)

	if p.bus != nil {
		for _, a := range pending {
			p.bus.Publish(events.Event{
				Kind:      events.KindAlert,
				SessionID: p.sessionID,
				Payload:   a,
			})
		}
	}
	return nil
}

// applyPoint performs all of the point's writes on tx. discarded is true when
// the out-of-order policy dropped the point without writing anything.
func (p *Processor) applyPoint(tx db.Queryer, pt ais.Point, candidates []detect.Candidate) (emitted []db.Alert, suppressed int64, discarded bool, err error) {
	latestTS, haveLatest, err := db.VesselLatestTimestamp(tx, pt.MMSI)
	if err != nil {
		return nil, 0, false, err
	}
	outOfOrder := haveLatest && pt.Timestamp.Before(latestTS)

	if outOfOrder && p.policy == config.OutOfOrderDiscard {
		return nil, 0, true, nil
	}

	for _, c := range candidates {
		allowed, err := db.CheckAndArmCooldown(tx, pt.MMSI, c.Type, pt.Timestamp, p.cooldown)
		if err != nil {
			return nil, 0, false, err
		}
		if !allowed {
			suppressed++
			continue
		}

		alert := db.Alert{
			MMSI:      pt.MMSI,
			Timestamp: pt.Timestamp,
			RuleType:  c.Type,
			Severity:  int64(c.Severity),
			Summary:   c.Summary,
			Evidence:  marshalEvidence(c.Evidence),
		}
		if err := db.InsertAlert(tx, &alert); err != nil {
			return nil, 0, false, err
		}
		emitted = append(emitted, alert)
	}

	updateLatest := !outOfOrder || p.policy == config.OutOfOrderApply
	if updateLatest {
		st := db.VesselState{
			MMSI:      pt.MMSI,
			Timestamp: pt.Timestamp,
			Lat:       pt.Lat,
			Lon:       pt.Lon,
			SOG:       pt.SOG,
			COG:       pt.COG,
			Heading:   pt.Heading,
		}
		st.LastAlertSeverity = p.latestSeverity(pt.MMSI, emitted)
		if err := db.UpsertVesselLatest(tx, st); err != nil {
			return nil, 0, false, err
		}
	}

	if err := db.InsertVesselPosition(tx, db.VesselState{
		MMSI:      pt.MMSI,
		Timestamp: pt.Timestamp,
		Lat:       pt.Lat,
		Lon:       pt.Lon,
		SOG:       pt.SOG,
		COG:       pt.COG,
		Heading:   pt.Heading,
	}); err != nil {
		return nil, 0, false, err
	}

	return emitted, suppressed, false, nil
}

// latestSeverity resolves the last_alert_severity value for this upsert: the
// highest severity the vessel has reached this session, counting this point's
// alerts. NULL when the vessel has not alerted this session, so a quiet first
// point clears severity left by previous sessions.
func (p *Processor) latestSeverity(mmsi string, emitted []db.Alert) *int64 {
	maxSev := int64(-1)
	if sev, ok := p.severity[mmsi]; ok {
		maxSev = sev
	}
	for _, a := range emitted {
		if a.Severity > maxSev {
			maxSev = a.Severity
		}
	}
	if maxSev < 0 {
		return nil
	}
	return &maxSev
}

func marshalEvidence(ev map[string]any) string {
	if len(ev) == 0 {
		return "{}"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		monitoring.Logf("failed to marshal alert evidence: %v", err)
		return "{}"
	}
	return string(data)
}
