package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/doicache/internal/config"
	"github.com/helixir/doicache/internal/database"
	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/events"
	"github.com/helixir/doicache/internal/journal"
	"github.com/helixir/doicache/internal/observability"
	httpserver "github.com/helixir/doicache/internal/server/http"
	"github.com/helixir/doicache/internal/sweep"
	"github.com/helixir/doicache/internal/worker"
)

const metricsNamespace = "doicache"

func newSweepCommand(a *app) *cobra.Command {
	var params sweep.Params
	cmd := &cobra.Command{
		Use:         "sweep",
		Short:       "Search the preprint index and process every DOI found",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{runLogAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("workers") {
				params.Workers = a.cfg.Worker.Count
			}
			params = params.WithDefaults(time.Now())
			if err := params.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runSweep(ctx, params)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&params.Query, "query", "q", "", "search-index query")
	flags.IntVarP(&params.Workers, "workers", "w", 0, "number of worker slots (default: worker.count)")
	flags.StringVar(&params.StartDate, "start-date", "", "first day searched, YYYY-MM-DD (default "+sweep.DefaultStartDate+")")
	flags.StringVar(&params.EndDate, "end-date", "", "last day searched, YYYY-MM-DD (default: today)")
	flags.IntVar(&params.Interval, "interval", 0, "split the date range into windows of this many days; 0 searches it at once")
	_ = cmd.MarkFlagRequired("query")
	flags.String("isolation", "", "worker isolation: process or inline")
	mustBindPFlag(a.v, "worker.isolation", flags.Lookup("isolation"))
	return cmd
}

func (a *app) runSweep(ctx context.Context, params sweep.Params) error {
	cfg := a.cfg
	metrics := observability.NewMetrics(metricsNamespace)
	run := sweep.NewRun(params)
	logger := observability.WithRunContext(a.logger, run.ID.String(), params.Query)

	runner, err := a.newRunner(metrics, params.Workers)
	if err != nil {
		return err
	}

	poolOpts := []worker.Option{
		worker.WithRunID(run.ID),
		worker.WithMetrics(metrics),
		worker.WithLogger(logger),
	}
	sweepOpts := []sweep.Option{
		sweep.WithMetrics(metrics),
		sweep.WithLogger(logger),
	}

	var health httpserver.HealthChecker
	if cfg.Database.Enabled {
		db, err := openJournalDB(ctx, &cfg.Database, a)
		if err != nil {
			return err
		}
		defer db.Close()
		health = db

		j := journal.NewPgJournal(db)
		sweepOpts = append(sweepOpts, sweep.WithJournal(j))
		poolOpts = append(poolOpts, worker.WithOutcomeHandler(journal.OutcomeRecorder(j,
			func(o domain.Outcome, err error) {
				logger.Warn().Err(err).Str("doi", o.DOI).Msg("failed to journal outcome")
			})))
	}

	if cfg.Kafka.Enabled {
		publisher := events.NewKafkaPublisher(events.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close event publisher")
			}
		}()
		sweepOpts = append(sweepOpts, sweep.WithPublisher(publisher))
		poolOpts = append(poolOpts, worker.WithOutcomeHandler(events.OutcomePublisher(publisher,
			func(o domain.Outcome, err error) {
				logger.Warn().Err(err).Str("doi", o.DOI).Msg("failed to publish outcome")
			})))
	}

	pool := worker.New(worker.Config{
		Slots:              params.Workers,
		PollInterval:       cfg.Worker.PollInterval,
		CancelPollInterval: cfg.Worker.CancelPollInterval,
	}, runner, poolOpts...)
	sweeper := sweep.New(cfg.Cache.Root, newBioRxiv(cfg, metrics), sweepOpts...)

	if !cfg.Metrics.Enabled {
		return sweeper.Run(ctx, run, params, pool)
	}

	status := func() httpserver.RunStatus {
		started := run.StartedAt
		return httpserver.RunStatus{
			RunID:     run.ID.String(),
			Query:     run.Query,
			Running:   pool.Running(),
			Queued:    pool.QueueLen(),
			Summary:   pool.Summary(),
			StartedAt: &started,
		}
	}
	serverOpts := []httpserver.Option{}
	if health != nil {
		serverOpts = append(serverOpts, httpserver.WithHealthChecker(health))
	}
	srv := httpserver.NewServer(httpserver.Config{
		Address:         cfg.Metrics.Address,
		MetricsPath:     cfg.Metrics.Path,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	}, status, logger, serverOpts...)

	serverCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(serverCtx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	runErr := sweeper.Run(ctx, run, params, pool)
	stopServer()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("metrics server failed")
	}
	return runErr
}

// newRunner selects the isolation mode. Process isolation re-executes this
// binary with the resolved cache root so children see the same cache. Child
// log lines go to this process's log writer, which owns the run log.
func (a *app) newRunner(metrics *observability.Metrics, workers int) (worker.Runner, error) {
	switch a.cfg.Worker.Isolation {
	case config.IsolationInline:
		p, err := a.newPipeline(metrics)
		if err != nil {
			return nil, err
		}
		return worker.InlineRunner{Processor: p}, nil
	default:
		// Fail before discovery rather than once per child.
		if err := a.cfg.ValidateLLMCredentials(); err != nil {
			return nil, err
		}
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		return worker.ExecRunner{
			Path:    exe,
			Args:    childArgs(a.v.ConfigFileUsed()),
			Env:     childEnv(os.Environ(), a.cfg, workers),
			Stderr:  a.logOutput,
			Metrics: metrics,
		}, nil
	}
}

func childArgs(configFile string) []string {
	if configFile == "" {
		return nil
	}
	return []string{"--" + configFlag, configFile}
}

// childEnv passes values that may have come from flags, which children do
// not receive, through the environment. Children log JSON to stderr so the
// parent can forward each record, and share the service rate limits: a
// child lives for one DOI, so each gets an even share of the limit with a
// burst of one. The parent keeps one bioRxiv share for discovery.
func childEnv(base []string, cfg *config.Config, workers int) []string {
	workers = max(workers, 1)
	env := append([]string{}, base...)
	return append(env,
		config.EnvPrefix+"_CACHE_ROOT="+cfg.Cache.Root,
		config.EnvPrefix+"_LOGGING_LEVEL="+cfg.Logging.Level,
		config.EnvPrefix+"_LOGGING_FORMAT=json",
		config.EnvPrefix+"_LOGGING_OUTPUT=stderr",
		config.EnvPrefix+"_LLM_PROMPT="+cfg.LLM.Prompt,
		config.EnvPrefix+"_CROSSREF_RATE_LIMIT="+formatRate(cfg.CrossRef.RateLimit/float64(workers)),
		config.EnvPrefix+"_CROSSREF_BURST=1",
		config.EnvPrefix+"_BIORXIV_RATE_LIMIT="+formatRate(cfg.BioRxiv.RateLimit/float64(workers+1)),
		config.EnvPrefix+"_BIORXIV_BURST=1",
	)
}

func formatRate(perSecond float64) string {
	return strconv.FormatFloat(perSecond, 'g', -1, 64)
}

func openJournalDB(ctx context.Context, cfg *config.DatabaseConfig, a *app) (*database.DB, error) {
	db, err := database.New(ctx, cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to journal database: %w", err)
	}
	if !cfg.MigrationAutoRun {
		return db, nil
	}

	migrator, err := database.NewMigrator(db, a.logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	upErr := migrator.Up()
	closeErr := migrator.Close()
	if err := errors.Join(upErr, closeErr); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal database: %w", err)
	}
	return db, nil
}
