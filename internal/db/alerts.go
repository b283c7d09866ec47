package db

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Alert workflow statuses. New alerts always start as StatusNew; operators
// move them through the rest via the API.
const (
	StatusNew           = "new"
	StatusReviewed      = "reviewed"
	StatusResolved      = "resolved"
	StatusFalsePositive = "false_positive"
)

// ValidAlertStatus reports whether s is a member of the status enum.
func ValidAlertStatus(s string) bool {
	switch s {
	case StatusNew, StatusReviewed, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Alert is one persisted anomaly detection. Evidence holds the rule's
// structured payload as a JSON document.
type Alert struct {
	ID        int64     `json:"id"`
	MMSI      string    `json:"mmsi"`
	Timestamp time.Time `json:"timestamp"`
	RuleType  string    `json:"rule_type"`
	Severity  int64     `json:"severity"`
	Summary   string    `json:"summary"`
	Evidence  string    `json:"evidence"`
	Status    string    `json:"status"`
	Notes     *string   `json:"notes,omitempty"`
}

// InsertAlert persists a and fills in its assigned ID. An empty status
// defaults to StatusNew.
func InsertAlert(q Queryer, a *Alert) error {
	if a.Status == "" {
		a.Status = StatusNew
	}
	if !ValidAlertStatus(a.Status) {
		return fmt.Errorf("invalid alert status %q", a.Status)
	}
	evidence := a.Evidence
	if evidence == "" {
		evidence = "{}"
	}

	res, err := q.Exec(`
		INSERT INTO alerts (mmsi, ts_unix_nanos, rule_type, severity, summary, evidence, status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.MMSI, tsToNanos(a.Timestamp), a.RuleType, a.Severity, a.Summary, evidence, a.Status, a.Notes)
	if err != nil {
		return fmt.Errorf("insert alert for %s: %w", a.MMSI, err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read alert id: %w", err)
	}
	return nil
}

// CheckAndArmCooldown implements the per-(vessel, rule) alert suppression
// window, measured in source time. It returns true and records ts when the
// alert may be emitted; false leaves the stored timestamp untouched, so a
// burst of suppressed detections does not extend the window.
func CheckAndArmCooldown(q Queryer, mmsi, ruleType string, ts time.Time, cooldown time.Duration) (bool, error) {
	if cooldown > 0 {
		var lastNanos int64
		err := q.QueryRow(`SELECT last_alert_ts_unix_nanos FROM alert_cooldowns
			WHERE mmsi = ? AND rule_type = ?`, mmsi, ruleType).Scan(&lastNanos)
		switch {
		case err == sql.ErrNoRows:
			// First alert for this pair.
		case err != nil:
			return false, fmt.Errorf("read cooldown for %s/%s: %w", mmsi, ruleType, err)
		default:
			if ts.Sub(nanosToTS(lastNanos)) < cooldown {
				return false, nil
			}
		}
	}

	_, err := q.Exec(`
		INSERT INTO alert_cooldowns (mmsi, rule_type, last_alert_ts_unix_nanos)
		VALUES (?, ?, ?)
		ON CONFLICT(mmsi, rule_type) DO UPDATE SET
			last_alert_ts_unix_nanos = excluded.last_alert_ts_unix_nanos`,
		mmsi, ruleType, tsToNanos(ts))
	if err != nil {
		return false, fmt.Errorf("arm cooldown for %s/%s: %w", mmsi, ruleType, err)
	}
	return true, nil
}

// DeleteCooldownsBefore removes cooldown rows whose last alert is older than
// cutoff, returning the number removed. Run at session end to keep the table
// from accumulating vessels that left the dataset.
func DeleteCooldownsBefore(q Queryer, cutoff time.Time) (int64, error) {
	res, err := q.Exec(`DELETE FROM alert_cooldowns WHERE last_alert_ts_unix_nanos < ?`, tsToNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete stale cooldowns: %w", err)
	}
	return res.RowsAffected()
}

// AlertFilter selects alerts for listing and export. Zero values mean
// "no constraint".
type AlertFilter struct {
	MMSI        string
	RuleType    string
	Status      string
	MinSeverity int64
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

// ListAlerts returns alerts matching f, newest first.
func (db *DB) ListAlerts(f AlertFilter) ([]Alert, error) {
	query := `SELECT id, mmsi, ts_unix_nanos, rule_type, severity, summary, evidence, status, notes
		FROM alerts WHERE 1=1`
	var args []any

	if f.MMSI != "" {
		query += ` AND mmsi = ?`
		args = append(args, f.MMSI)
	}
	if f.RuleType != "" {
		query += ` AND rule_type = ?`
		args = append(args, f.RuleType)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.MinSeverity > 0 {
		query += ` AND severity >= ?`
		args = append(args, f.MinSeverity)
	}
	if !f.Since.IsZero() {
		query += ` AND ts_unix_nanos >= ?`
		args = append(args, tsToNanos(f.Since))
	}
	if !f.Until.IsZero() {
		query += ` AND ts_unix_nanos < ?`
		args = append(args, tsToNanos(f.Until))
	}

	query += ` ORDER BY ts_unix_nanos DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAlert returns the alert with the given id, or sql.ErrNoRows.
func (db *DB) GetAlert(id int64) (*Alert, error) {
	row := db.QueryRow(`SELECT id, mmsi, ts_unix_nanos, rule_type, severity, summary, evidence, status, notes
		FROM alerts WHERE id = ?`, id)

	var a Alert
	var nanos int64
	if err := row.Scan(&a.ID, &a.MMSI, &nanos, &a.RuleType, &a.Severity, &a.Summary, &a.Evidence, &a.Status, &a.Notes); err != nil {
		return nil, err
	}
	a.Timestamp = nanosToTS(nanos)
	return &a, nil
}

func scanAlert(rows *sql.Rows) (Alert, error) {
	var a Alert
	var nanos int64
	if err := rows.Scan(&a.ID, &a.MMSI, &nanos, &a.RuleType, &a.Severity, &a.Summary, &a.Evidence, &a.Status, &a.Notes); err != nil {
		return Alert{}, err
	}
	a.Timestamp = nanosToTS(nanos)
	return a, nil
}

// UpdateAlertStatus moves the alert through the operator workflow. A nil
// notes leaves the stored notes untouched.
func (db *DB) UpdateAlertStatus(id int64, status string, notes *string) error {
	if !ValidAlertStatus(status) {
		return fmt.Errorf("invalid alert status %q", status)
	}

	res, err := db.Exec(`UPDATE alerts SET status = ?, notes = COALESCE(?, notes) WHERE id = ?`,
		status, notes, id)
	if err != nil {
		return fmt.Errorf("update alert %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AlertStats summarises the alert table for the stats endpoint. Severity
// percentiles are empirical quantiles over all matching alerts.
type AlertStats struct {
	Total       int64            `json:"total"`
	ByType      map[string]int64 `json:"by_type"`
	ByStatus    map[string]int64 `json:"by_status"`
	// Severity bands: high >= 70, medium 30..69, low < 30.
	BySeverity  map[string]int64 `json:"by_severity"`
	MaxSeverity int64            `json:"max_severity"`
	SeverityP50 float64          `json:"severity_p50"`
	SeverityP90 float64          `json:"severity_p90"`
	SeverityP99 float64          `json:"severity_p99"`
}

// AlertStatistics computes AlertStats over alerts matching f (its Limit and
// Offset are ignored).
func (db *DB) AlertStatistics(f AlertFilter) (*AlertStats, error) {
	f.Limit = 0
	f.Offset = 0
	alerts, err := db.ListAlerts(f)
	if err != nil {
		return nil, err
	}

	stats := &AlertStats{
		ByType:     make(map[string]int64),
		ByStatus:   make(map[string]int64),
		BySeverity: map[string]int64{"high": 0, "medium": 0, "low": 0},
	}
	severities := make([]float64, 0, len(alerts))
	for _, a := range alerts {
		stats.Total++
		stats.ByType[a.RuleType]++
		stats.ByStatus[a.Status]++
		switch {
		case a.Severity >= 70:
			stats.BySeverity["high"]++
		case a.Severity >= 30:
			stats.BySeverity["medium"]++
		default:
			stats.BySeverity["low"]++
		}
		if a.Severity > stats.MaxSeverity {
			stats.MaxSeverity = a.Severity
		}
		severities = append(severities, float64(a.Severity))
	}

	if len(severities) > 0 {
		sort.Float64s(severities)
		stats.SeverityP50 = stat.Quantile(0.50, stat.Empirical, severities, nil)
		stats.SeverityP90 = stat.Quantile(0.90, stat.Empirical, severities, nil)
		stats.SeverityP99 = stat.Quantile(0.99, stat.Empirical, severities, nil)
	}
	return stats, nil
}
