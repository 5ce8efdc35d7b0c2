package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"circularity-platform/internal/config"
	"circularity-platform/internal/fetch"
	"circularity-platform/internal/migrations"
	"circularity-platform/internal/models"
	"circularity-platform/internal/params"
	"circularity-platform/internal/repository"
	"circularity-platform/internal/services"
	"circularity-platform/pkg/database"
	"circularity-platform/pkg/logging"
	"circularity-platform/pkg/metrics"
)

// env holds what every command needs after start-up.
type env struct {
	cfg     *config.Config
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

func setup(c *cli.Context) (*env, error) {
	path := c.String("config")
	if !c.IsSet("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.NewStructuredLogger("circularity-pipeline", version, logging.ParseLevel(cfg.Logging.Level))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector("circularity_pipeline", reg)

	if addr := c.String("metrics-addr"); addr != "" {
		go func() {
			logger.Info(c.Context, "[METRICS_START] Serving metrics", logging.Fields{"address": addr})
			if err := http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
				logger.Error(c.Context, "[METRICS_ERROR] Metrics listener stopped", nil, err)
			}
		}()
	}
	return &env{cfg: cfg, logger: logger, metrics: m}, nil
}

func (e *env) parameters() (*params.AnalysisParameters, error) {
	cat, err := config.LoadCatalogueFile(e.cfg.CatalogueFile)
	if err != nil {
		return nil, err
	}
	rates, err := config.LoadRatesFile(e.cfg.RatesFile)
	if err != nil {
		return nil, err
	}
	return params.Build(params.Sources{
		ProdcomDataset: e.cfg.Pipeline.ProdcomDataset,
		ComextDataset:  e.cfg.Pipeline.ComextDataset,
		DeriveWeights:  e.cfg.Pipeline.DeriveWeights,
	}, cat, rates, e.logger)
}

// warehouse opens the database and brings its schema up to date.
func (e *env) warehouse(ctx context.Context) (*database.DB, repository.WarehouseRepository, error) {
	db, err := database.Open(e.cfg.Database.DatabaseSettings(), e.logger, e.metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	if _, err := migrations.Up(ctx, db, e.logger); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, repository.NewWarehouseRepository(db, e.logger, e.metrics), nil
}

func (e *env) years(c *cli.Context) ([]int, error) {
	if s := c.String("years"); s != "" {
		return config.ParseYears(s)
	}
	if len(e.cfg.Pipeline.Years) == 0 {
		return nil, errors.New("no years given; pass --years or set pipeline.years")
	}
	return e.cfg.Pipeline.Years, nil
}

var yearsFlag = &cli.StringFlag{
	Name:    "years",
	Aliases: []string{"y"},
	Usage:   `Years to process, e.g. "2019,2020" or "2015-2020"`,
}

func banner(title string) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", 80))
}

// =============================================================================
// VALIDATE COMMAND
// =============================================================================

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check the configuration, catalogue and rate files without touching the warehouse",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			p, err := e.parameters()
			if err != nil {
				return err
			}

			banner("CONFIGURATION VALID")
			fmt.Printf("Products:        %d\n", len(p.Catalogue().Entries()))
			fmt.Printf("Rate entries:    %d\n", len(p.Rates()))
			fmt.Printf("Config hash:     %s\n", p.ConfigHash())
			fmt.Printf("Database driver: %s\n", e.cfg.Database.Driver)
			return nil
		},
	}
}

// =============================================================================
// INGEST COMMAND
// =============================================================================

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Load raw PRODCOM and COMEXT payloads into the warehouse",
		Flags: []cli.Flag{
			yearsFlag,
			&cli.StringFlag{
				Name:  "raw-dir",
				Usage: "Directory holding <source>_<dataset>_<year>.csv payloads (default: pipeline.raw_dir)",
			},
		},
		Action: runIngest,
	}
}

func runIngest(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	years, err := e.years(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	db, repo, err := e.warehouse(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	dir := c.String("raw-dir")
	if dir == "" {
		dir = e.cfg.Pipeline.RawDir
	}
	fc := e.cfg.Fetch
	fetcher := fetch.NewPolicy(fetch.DirFetcher{Dir: dir}, fetch.RetryPolicy{
		MaxAttempts:    fc.MaxAttempts,
		InitialBackoff: fc.InitialBackoff,
		MaxBackoff:     fc.MaxBackoff,
		Jitter:         fc.Jitter,
	}, fc.RatePerSecond, fc.Burst, e.logger, e.metrics)

	var requests []fetch.Request
	for _, y := range years {
		requests = append(requests,
			fetch.Request{Source: models.SourceProdcom, DatasetID: e.cfg.Pipeline.ProdcomDataset, Year: y},
			fetch.Request{Source: models.SourceComext, DatasetID: e.cfg.Pipeline.ComextDataset, Year: y},
		)
	}

	result, err := services.NewIngestionService(repo, fetcher, e.logger, e.metrics).Ingest(ctx, requests)
	if err != nil {
		return fmt.Errorf("ingestion interrupted: %w", err)
	}

	banner("INGESTION COMPLETE")
	fmt.Printf("Requests:           %d\n", result.Requests)
	fmt.Printf("Total Records:      %d\n", result.TotalRecords)
	fmt.Printf("Successful Records: %d\n", result.SuccessfulRecords)
	fmt.Printf("Failed Records:     %d\n", result.FailedRecords)
	fmt.Printf("Duration:           %v\n", result.Duration)

	if len(result.Gaps) > 0 {
		fmt.Printf("\nGaps (%d):\n", len(result.Gaps))
		for _, g := range result.Gaps {
			fmt.Printf("  - %s\n", g)
		}
	}
	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for i, msg := range result.Errors {
			if i == 10 {
				fmt.Printf("  ... and %d more errors\n", len(result.Errors)-10)
				break
			}
			fmt.Printf("  - %s\n", msg)
		}
		return cli.Exit("some payloads could not be ingested", 2)
	}
	return nil
}

// =============================================================================
// RUN COMMAND
// =============================================================================

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Harmonize the given years and compute indicators",
		Flags: []cli.Flag{
			yearsFlag,
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Years processed in parallel (default: pipeline.concurrency)",
			},
		},
		Action: runPipeline,
	}
}

func runPipeline(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	years, err := e.years(c)
	if err != nil {
		return err
	}
	p, err := e.parameters()
	if err != nil {
		return err
	}
	ctx := c.Context

	db, repo, err := e.warehouse(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	opts := services.PipelineOptions{
		Concurrency: e.cfg.Pipeline.Concurrency,
		YearTimeout: e.cfg.Pipeline.YearTimeout,
		BackupDir:   e.cfg.Pipeline.BackupDir,
	}
	if n := c.Int("concurrency"); n > 0 {
		opts.Concurrency = n
	}

	summary, err := services.NewPipelineService(repo, p, opts, e.logger, e.metrics).Run(ctx, years)
	if err != nil {
		return err
	}

	banner("PIPELINE RUN " + strings.ToUpper(summary.Status))
	fmt.Printf("Run ID:      %s\n", summary.RunID)
	fmt.Printf("Config hash: %s\n", summary.ConfigHash)
	fmt.Printf("Years:       %d succeeded, %d failed\n\n", summary.YearsSucceeded, summary.YearsFailed)
	for _, y := range summary.Years {
		line := fmt.Sprintf("  %d  %-9s rows=%-6d gaps=%-4d fills=%-4d %6dms",
			y.Year, y.Status, y.IndicatorRows, y.MappingGaps, y.FallbackFills, y.DurationMS)
		if y.Error != "" {
			line += "  " + y.Error
		}
		if y.BackupPath != "" {
			line += "  backup=" + y.BackupPath
		}
		fmt.Println(line)
	}

	switch summary.Status {
	case models.StatusFailed:
		return cli.Exit("every year failed", 1)
	case models.StatusPartial:
		return cli.Exit("some years failed", 2)
	}
	return nil
}

// =============================================================================
// EXPORT COMMAND
// =============================================================================

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write stored indicator rows as CSV",
		Flags: []cli.Flag{
			yearsFlag,
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Value:   "-",
				Usage:   `Output file, "-" for stdout`,
			},
		},
		Action: runExport,
	}
}

func runExport(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	var years []int
	if s := c.String("years"); s != "" {
		if years, err = config.ParseYears(s); err != nil {
			return err
		}
	}
	ctx := c.Context

	db, repo, err := e.warehouse(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	var w io.Writer = os.Stdout
	if out := c.String("out"); out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", out, err)
		}
		defer f.Close()
		w = f
	}

	n, err := services.NewIndicatorService(repo, e.logger, e.metrics).Export(ctx, w, years)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d rows\n", n)
	return nil
}
