package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Queryer is the query surface shared by *DB and *sql.Tx, so the write path
// can run inside the per-point transaction while reads go straight to the
// pool.
type Queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// VesselState is one vessel position report as stored, either the
// latest-state row or a history row. Optional AIS fields are nil when the
// source report omitted them.
type VesselState struct {
	MMSI              string
	Timestamp         time.Time
	Lat               float64
	Lon               float64
	SOG               *float64
	COG               *float64
	Heading           *float64
	LastAlertSeverity *int64
}

// UpsertVesselLatest writes st as the vessel's current state, inserting or
// replacing the existing row.
func UpsertVesselLatest(q Queryer, st VesselState) error {
	_, err := q.Exec(`
		INSERT INTO vessels_latest (mmsi, ts_unix_nanos, lat, lon, sog, cog, heading, last_alert_severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mmsi) DO UPDATE SET
			ts_unix_nanos = excluded.ts_unix_nanos,
			lat = excluded.lat,
			lon = excluded.lon,
			sog = excluded.sog,
			cog = excluded.cog,
			heading = excluded.heading,
			last_alert_severity = excluded.last_alert_severity`,
		st.MMSI, tsToNanos(st.Timestamp), st.Lat, st.Lon, st.SOG, st.COG, st.Heading, st.LastAlertSeverity)
	if err != nil {
		return fmt.Errorf("upsert vessels_latest for %s: %w", st.MMSI, err)
	}
	return nil
}

// VesselLatestTimestamp returns the timestamp of the vessel's current
// latest-state row. found is false when the vessel has never been persisted.
func VesselLatestTimestamp(q Queryer, mmsi string) (ts time.Time, found bool, err error) {
	var nanos int64
	err = q.QueryRow(`SELECT ts_unix_nanos FROM vessels_latest WHERE mmsi = ?`, mmsi).Scan(&nanos)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read vessels_latest timestamp for %s: %w", mmsi, err)
	}
	return nanosToTS(nanos), true, nil
}

// InsertVesselPosition appends st to the position history.
func InsertVesselPosition(q Queryer, st VesselState) error {
	_, err := q.Exec(`
		INSERT INTO vessel_positions (mmsi, ts_unix_nanos, lat, lon, sog, cog, heading)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.MMSI, tsToNanos(st.Timestamp), st.Lat, st.Lon, st.SOG, st.COG, st.Heading)
	if err != nil {
		return fmt.Errorf("insert vessel_positions for %s: %w", st.MMSI, err)
	}
	return nil
}

// ListVesselsLatest returns the current state of every known vessel, most
// recently updated first. minSeverity > 0 keeps only vessels whose last
// alert this session reached that severity. A limit <= 0 means no limit.
func (db *DB) ListVesselsLatest(limit int, minSeverity int64) ([]VesselState, error) {
	query := `SELECT mmsi, ts_unix_nanos, lat, lon, sog, cog, heading, last_alert_severity
		FROM vessels_latest`
	var args []any
	if minSeverity > 0 {
		query += ` WHERE last_alert_severity >= ?`
		args = append(args, minSeverity)
	}
	query += ` ORDER BY ts_unix_nanos DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list vessels_latest: %w", err)
	}
	defer rows.Close()

	var out []VesselState
	for rows.Next() {
		var st VesselState
		var nanos int64
		if err := rows.Scan(&st.MMSI, &nanos, &st.Lat, &st.Lon, &st.SOG, &st.COG, &st.Heading, &st.LastAlertSeverity); err != nil {
			return nil, err
		}
		st.Timestamp = nanosToTS(nanos)
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetVesselLatest returns the vessel's current state, or sql.ErrNoRows.
func (db *DB) GetVesselLatest(mmsi string) (*VesselState, error) {
	row := db.QueryRow(`SELECT mmsi, ts_unix_nanos, lat, lon, sog, cog, heading, last_alert_severity
		FROM vessels_latest WHERE mmsi = ?`, mmsi)

	var st VesselState
	var nanos int64
	if err := row.Scan(&st.MMSI, &nanos, &st.Lat, &st.Lon, &st.SOG, &st.COG, &st.Heading, &st.LastAlertSeverity); err != nil {
		return nil, err
	}
	st.Timestamp = nanosToTS(nanos)
	return &st, nil
}

// VesselTrack returns the vessel's position history in ascending source time,
// optionally windowed by [since, until). A limit > 0 keeps only the most
// recent matching rows (still returned ascending).
func (db *DB) VesselTrack(mmsi string, since, until time.Time, limit int) ([]VesselState, error) {
	where := `WHERE mmsi = ?`
	args := []any{mmsi}
	if !since.IsZero() {
		where += ` AND ts_unix_nanos >= ?`
		args = append(args, tsToNanos(since))
	}
	if !until.IsZero() {
		where += ` AND ts_unix_nanos < ?`
		args = append(args, tsToNanos(until))
	}

	query := `SELECT mmsi, ts_unix_nanos, lat, lon, sog, cog, heading
		FROM vessel_positions ` + where + ` ORDER BY ts_unix_nanos ASC`
	if limit > 0 {
		// Window the tail, then restore ascending order.
		query = `SELECT mmsi, ts_unix_nanos, lat, lon, sog, cog, heading FROM (
			SELECT mmsi, ts_unix_nanos, lat, lon, sog, cog, heading
			FROM vessel_positions ` + where + `
			ORDER BY ts_unix_nanos DESC LIMIT ?
		) ORDER BY ts_unix_nanos ASC`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vessel track for %s: %w", mmsi, err)
	}
	defer rows.Close()

	var out []VesselState
	for rows.Next() {
		var st VesselState
		var nanos int64
		if err := rows.Scan(&st.MMSI, &nanos, &st.Lat, &st.Lon, &st.SOG, &st.COG, &st.Heading); err != nil {
			return nil, err
		}
		st.Timestamp = nanosToTS(nanos)
		out = append(out, st)
	}
	return out, rows.Err()
}
