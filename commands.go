package main

import (
	"fmt"

	"github.com/aegis-data/aiswatch/internal/db"
)

// runCommand dispatches a CLI subcommand. The zero-subcommand path (the
// long-running service) is handled in main.
func runCommand(args []string) {
	switch args[0] {
	case "migrate":
		db.RunMigrateCommand(args[1:], *dbPath)
	case "help":
		printUsage()
	default:
		exitUsage(fmt.Sprintf("unknown command %q (try \"aiswatch help\")", args[0]))
	}
}

func printUsage() {
	fmt.Println(`aiswatch - AIS replay and anomaly detection service

Usage:
  aiswatch [flags]                 start the HTTP service
  aiswatch [flags] migrate <cmd>   manage the database schema
  aiswatch help                    show this help

Flags:
  -listen addr   HTTP listen address (default :8080)
  -db path       SQLite database path (default aiswatch.db)
  -config path   detection config JSON (defaults apply when empty)`)
	db.PrintMigrateHelp()
}
