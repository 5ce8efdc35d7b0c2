// Pipeline CLI - circularity indicators batch
//
// Usage:
//
//	pipeline validate
//	pipeline ingest --years 2018-2020 --raw-dir ./raw
//	pipeline run --years 2018-2020
//	pipeline export --years 2020 --out indicators.csv
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

const version = "1.0.0"

func main() {
	app := &cli.App{
		Name:    "pipeline",
		Usage:   "Harmonize production and trade statistics into circularity indicators",
		Version: version,

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"CIRC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address while the command runs",
			},
		},

		Commands: []*cli.Command{
			validateCommand(),
			ingestCommand(),
			runCommand(),
			exportCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
