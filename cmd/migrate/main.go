package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"circularity-platform/internal/config"
	"circularity-platform/internal/migrations"
	"circularity-platform/pkg/database"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("CIRC_CONFIG"), "Path to the YAML configuration file")
	direction := flag.String("direction", "up", "Migration direction: up, down or status")
	steps := flag.Int("steps", 1, "Migrations to roll back with -direction down")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("circularity-migrate", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	m := metrics.NewCollector("circularity_migrate", prometheus.NewRegistry())

	db, err := database.Open(cfg.Database.DatabaseSettings(), logger, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("Connected to %s database successfully\n", db.Driver())

	ctx := context.Background()
	switch *direction {
	case "up":
		n, err := migrations.Up(ctx, db, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to execute migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Applied %d migration(s)\n", n)
	case "down":
		n, err := migrations.Down(ctx, db, logger, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to roll back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Rolled back %d migration(s)\n", n)
	case "status":
		applied, err := migrations.Applied(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read migration ledger: %v\n", err)
			os.Exit(1)
		}
		all, err := migrations.All()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read migrations: %v\n", err)
			os.Exit(1)
		}
		done := make(map[int]bool, len(applied))
		for _, v := range applied {
			done[v] = true
		}
		for _, mig := range all {
			state := "pending"
			if done[mig.Version] {
				state = "applied"
			}
			fmt.Printf("  %03d %-24s %s\n", mig.Version, mig.Name, state)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown direction %q\n", *direction)
		os.Exit(2)
	}
}
