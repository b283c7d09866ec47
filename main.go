package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aegis-data/aiswatch/internal/api"
	"github.com/aegis-data/aiswatch/internal/config"
	"github.com/aegis-data/aiswatch/internal/db"
	"github.com/aegis-data/aiswatch/internal/events"
	"github.com/aegis-data/aiswatch/internal/replay"
	"github.com/aegis-data/aiswatch/internal/version"
)

var (
	listen     = flag.String("listen", ":8080", "Listen address")
	dbPath     = flag.String("db", "aiswatch.db", "Path to the SQLite database")
	configPath = flag.String("config", "", "Path to a detection config JSON file (defaults apply when empty)")
	dataDirs   = flag.String("data-dirs", "", "Comma-separated directories replay files must live in (empty allows any path)")
)

func main() {
	flag.Parse()

	// Subcommands (e.g. "aiswatch migrate up") run and exit; with no
	// subcommand the process starts the replay service.
	if flag.NArg() > 0 {
		runCommand(flag.Args())
		return
	}
	runServe()
}

func runServe() {
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("aiswatch %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		log.Printf("Loaded detection config from %s", *configPath)
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := database.CheckSchemaCurrent(); err != nil {
		log.Fatalf("Database schema check failed: %v (run \"aiswatch migrate up\")", err)
	}

	bus := events.NewBus()
	defer bus.Close()
	driver := replay.NewDriver(database, cfg, bus)
	if *dataDirs != "" {
		dirs := strings.Split(*dataDirs, ",")
		for i := range dirs {
			dirs[i] = strings.TrimSpace(dirs[i])
		}
		driver.RestrictTo(dirs...)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (SQL console and backup)
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("admin routes unavailable: %v", err)
		}

		apiMux := api.NewServer(database, driver, bus, cfg).ServeMux()
		mux.Handle("/api/", apiMux)
		mux.Handle("/debug/charts/", apiMux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Replay supervision goroutine: stop any active replay session on
	// shutdown and wait for it to flush before the process exits.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := driver.Stop(); err == nil {
			log.Printf("stopping active replay session...")
		}
		driver.Wait()
		log.Printf("replay routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func exitUsage(msg string) {
	log.Print(msg)
	os.Exit(2)
}
