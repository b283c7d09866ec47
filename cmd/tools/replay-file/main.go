// Command replay-file pushes an AIS recording through the detection pipeline
// as fast as the database allows, with no pacing and no HTTP server. Useful
// for backfilling a database or sizing a rule change against a known capture.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-data/aiswatch/internal/config"
	"github.com/aegis-data/aiswatch/internal/db"
	"github.com/aegis-data/aiswatch/internal/ingest"
	"github.com/aegis-data/aiswatch/internal/pipeline"
)

func main() {
	input := flag.String("i", "", "input recording (.csv, .dat, optionally .zst)")
	dbPath := flag.String("db", "aiswatch.db", "SQLite database path")
	configPath := flag.String("config", "", "detection config JSON (defaults apply when empty)")
	migrate := flag.Bool("migrate", false, "apply pending schema migrations before replaying")
	flag.Parse()

	if *input == "" {
		log.Fatal("input file is required (-i)")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()

	if *migrate {
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	if err := database.CheckSchemaCurrent(); err != nil {
		log.Fatalf("schema check: %v (rerun with -migrate)", err)
	}

	reader, err := ingest.Open(*input, cfg.GetChunkSize())
	if err != nil {
		log.Fatalf("open input: %v", err)
	}
	defer reader.Close()

	sessionID := uuid.NewString()
	proc := pipeline.New(database, cfg, nil, sessionID)
	start := time.Now()

	var firstTS, lastTS time.Time
	for {
		chunk, err := reader.NextChunk()
		for _, pt := range chunk {
			if firstTS.IsZero() {
				firstTS = pt.Timestamp
			}
			lastTS = pt.Timestamp
			// Point-level failures are logged by the pipeline; keep going.
			_ = proc.Process(pt)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("read input: %v", err)
		}
	}
	if err := proc.Flush(); err != nil {
		log.Fatalf("commit final batch: %v", err)
	}

	stats := proc.Stats()
	fmt.Printf("session  %s\n", sessionID)
	fmt.Printf("elapsed  %v (source span %v)\n", time.Since(start).Round(time.Millisecond), lastTS.Sub(firstTS))
	fmt.Printf("points   %d processed, %d discarded, %d failed, %d rows skipped\n",
		stats.PointsProcessed, stats.PointsDiscarded, stats.PointsFailed, reader.Skipped())
	fmt.Printf("vessels  %d\n", proc.Vessels())
	fmt.Printf("alerts   %d emitted, %d suppressed by cooldown\n", stats.AlertsEmitted, stats.AlertsSuppressed)

	if stats.AlertsEmitted > 0 {
		agg, err := database.AlertStatistics(db.AlertFilter{Since: firstTS, Until: lastTS})
		if err != nil {
			log.Fatalf("alert stats: %v", err)
		}
		fmt.Printf("severity p50=%.0f p90=%.0f p99=%.0f max=%d\n",
			agg.SeverityP50, agg.SeverityP90, agg.SeverityP99, agg.MaxSeverity)
		for ruleType, n := range agg.ByType {
			fmt.Printf("  %-26s %d\n", ruleType, n)
		}
	}
}
