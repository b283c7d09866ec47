// Package db persists vessel state, position history, alerts, and cooldown
// rows in SQLite. The schema is managed by embedded migrations; all
// timestamps are stored as UTC unix nanoseconds.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/aegis-data/aiswatch/internal/monitoring"
)

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies the
// session pragmas. It does not touch the schema; callers run migrations
// separately so the migrate CLI can operate on unmigrated files.
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return &DB{sdb}, nil
}

// Counts reports the row counts of the main tables, for the health endpoint.
func (db *DB) Counts() (vessels, positions, alerts int64, err error) {
	for _, c := range []struct {
		table string
		dst   *int64
	}{
		{"vessels_latest", &vessels},
		{"vessel_positions", &positions},
		{"alerts", &alerts},
	} {
		if err = db.QueryRow(`SELECT COUNT(*) FROM ` + c.table).Scan(c.dst); err != nil {
			return 0, 0, 0, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return vessels, positions, alerts, nil
}

// tsToNanos converts a timestamp to its storage representation.
func tsToNanos(t time.Time) int64 { return t.UTC().UnixNano() }

// nanosToTS converts a stored timestamp back to a UTC time.
func nanosToTS(n int64) time.Time { return time.Unix(0, n).UTC() }

// AttachAdminRoutes mounts the tsweb debug pages on mux: a live SQL console
// and an on-demand gzipped backup produced with VACUUM INTO.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://aiswatch.db", db.DB, &tailsql.DBOptions{
		Label: "AIS Watch DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("failed to remove backup file %s: %v", backupPath, err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			monitoring.Logf("backup download aborted: %v", err)
		}
	}))

	return nil
}
