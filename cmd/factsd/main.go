// Command factsd runs the financial facts pipeline daemon: scheduled
// incremental refreshes of the configured ticker universe, with
// partitioned Parquet storage and an analytical query layer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/factfeed/factfeed/internal/cache"
	appcfg "github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/dataservice"
	"github.com/factfeed/factfeed/internal/edgar"
	"github.com/factfeed/factfeed/internal/etl"
	"github.com/factfeed/factfeed/internal/logging"
	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/internal/storage/query"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (defaults apply when empty)")
		dataDir    = flag.String("data", "", "override storage data directory")
		tickers    = flag.String("tickers", "", "override ticker universe file")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error")
		jsonLogs   = flag.Bool("json-logs", false, "emit JSON logs")
		once       = flag.Bool("once", false, "run one incremental pass and exit")
	)
	flag.Parse()

	if err := run(*configPath, *dataDir, *tickers, *logLevel, *jsonLogs, *once); err != nil {
		fmt.Fprintf(os.Stderr, "factsd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, tickersFile, logLevel string, jsonLogs, once bool) error {
	cfg := appcfg.DefaultConfig()
	if configPath != "" {
		loaded, err := appcfg.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if tickersFile != "" {
		cfg.ETL.TickersFile = tickersFile
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if jsonLogs {
		cfg.Logging.JSON = true
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("factsd")

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return err
	}

	client := edgar.New(cfg.EDGAR)

	pipeline, err := etl.NewPipeline(cfg.ETL, client, store)
	if err != nil {
		return err
	}

	queries, err := query.NewService(cfg.Query)
	if err != nil {
		return err
	}

	svc := dataservice.New(*cfg, store, pipeline, queries, cache.New(cfg.Cache))
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	universe := func() ([]string, error) { return cfg.TickerUniverse() }

	if once {
		list, err := universe()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("no tickers configured, set -tickers or etl.tickers_file")
		}

		jobs, err := svc.RunIncrementalETL(ctx, list)
		if err != nil {
			return err
		}

		var failed int
		for i := range jobs {
			if jobs[i].Status == etl.StatusFailed {
				failed++
			}
		}
		log.Info("incremental pass finished", "jobs", len(jobs), "failed", failed)
		if failed > 0 {
			return fmt.Errorf("%d of %d jobs failed", failed, len(jobs))
		}
		return nil
	}

	if cfg.ETL.Schedule == "" {
		return fmt.Errorf("no schedule configured, set etl.schedule or use -once")
	}

	scheduler, err := etl.NewScheduler(cfg.ETL.Schedule, pipeline, universe)
	if err != nil {
		return err
	}

	scheduler.Start()
	log.Info("daemon started", "schedule", cfg.ETL.Schedule, "data_dir", cfg.Storage.DataDir)

	<-ctx.Done()

	log.Info("shutting down")
	scheduler.Stop()
	return nil
}
