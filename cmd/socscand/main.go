// Command socscand is the scan orchestration core's HTTP server: it wires
// the TaskStore, ScannerEngine, APISecurityPipeline, Scheduler, EventBus,
// and HTTP API together and serves spec.md's external interface. Grounded
// on the teacher's cmd/appserver/main.go wiring idiom (flag-then-env
// config resolution, conditional postgres-vs-in-memory storage, graceful
// shutdown on SIGINT/SIGTERM).
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/scanforge/socscan/internal/apisec"
	"github.com/scanforge/socscan/internal/apisec/ssrf"
	"github.com/scanforge/socscan/internal/config"
	"github.com/scanforge/socscan/internal/domain"
	"github.com/scanforge/socscan/internal/eventbus"
	"github.com/scanforge/socscan/internal/httpapi"
	"github.com/scanforge/socscan/internal/logger"
	"github.com/scanforge/socscan/internal/merger"
	"github.com/scanforge/socscan/internal/platform/database"
	"github.com/scanforge/socscan/internal/platform/migrations"
	"github.com/scanforge/socscan/internal/ratelimit"
	"github.com/scanforge/socscan/internal/scanner"
	"github.com/scanforge/socscan/internal/scheduler"
	"github.com/scanforge/socscan/internal/taskstore/memory"
	"github.com/scanforge/socscan/internal/taskstore/postgres"
)

func main() {
	envFile := flag.String("env-file", "", "path to a .env file to load before reading environment variables")
	yamlFile := flag.String("config", "", "path to a YAML config file overriding defaults")
	flag.Parse()

	cfg, err := config.Load(*envFile, *yamlFile)
	if err != nil {
		log := logger.NewDefault("socscand")
		log.WithError(err).Fatal("load configuration")
	}

	log := logger.New("socscand", logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(rootCtx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("initialise task store")
	}
	if closeStore != nil {
		defer closeStore()
	}

	bus := eventbus.New(eventbus.DefaultBufferSize)

	apisecCfg := apisec.Config{
		MaxConcurrentRequests: cfg.APISecurity.MaxConcurrentRequests,
		MaxJSFiles:            cfg.APISecurity.MaxJSFiles,
		HTTPTimeout:           time.Duration(cfg.APISecurity.HTTPTimeoutS) * time.Second,
		SSRF:                  ssrfConfigFrom(cfg.SSRF),
		Resolver:              &net.Resolver{},
	}
	pipeline := apisec.New(apisecCfg, logger.New("apisec", logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}))

	engineCfg := scanner.Config{
		MaxConcurrentSubprocessesPerTask: cfg.Engine.MaxConcurrentSubprocessesPerTask,
		DefaultStageTimeout:              time.Duration(cfg.Engine.DefaultStageTimeoutS) * time.Second,
		CancelGracePeriod:                time.Duration(cfg.Engine.CancelGracePeriodS) * time.Second,
		StderrCaptureBytes:               cfg.Engine.StderrCaptureBytes,
		Merger: merger.Config{
			EvidenceCapPerSource: cfg.Merger.EvidenceCapPerSource,
			RemediationPriority:  cfg.Merger.RemediationPriority,
		},
	}
	engine := scanner.New(engineCfg, logger.New("engine", logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}), bus)
	scanner.RegisterDefaultStages(engine, scanner.DefaultToolPaths(), engineCfg.DefaultStageTimeout)
	engine.WithAPISecurity(pipeline)

	limiter := ratelimit.New(ratelimit.Config{PerMinute: cfg.RateLimit.SubmissionsPerMinute, Burst: cfg.RateLimit.Burst})

	schedCfg := scheduler.Config{
		WorkerCount:        cfg.Scheduler.WorkerCount,
		InflightCap:        cfg.Scheduler.InflightCap,
		CancelHardDeadline: time.Duration(cfg.Scheduler.CancelHardDeadline) * time.Second,
		PollInterval:       time.Duration(cfg.Scheduler.PollIntervalMS) * time.Millisecond,
		DefaultRetry:       domain.RetryPolicy{MaxRetries: 2, RetryDelay: 5 * time.Second},
	}
	sched := scheduler.New(store, limiter, engine, logger.New("scheduler", logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}), schedCfg)
	sched.WithNotifier(bus)
	sched.WithSSRFConfig(ssrfConfigFrom(cfg.SSRF))

	if err := sched.Recover(rootCtx); err != nil {
		log.WithError(err).Error("recover in-flight tasks")
	}
	if err := sched.Start(rootCtx); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}

	metrics := httpapi.NewMetrics()
	router := httpapi.NewRouter(httpapi.NewSchedulerAdapter(sched), cfg.Auth, metrics)

	port := cfg.Server.Port
	if port <= 0 {
		port = 8080
	}
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port))
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("socscand listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("scheduler shutdown")
	}
}

// openStore selects durable postgres storage when a DSN is configured,
// applying embedded migrations first, and falls back to the in-memory
// store otherwise (spec §6 "zero-config in-memory store by default").
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (domain.Store, func(), error) {
	if cfg.Database.DSN == "" {
		return memory.New(), nil, nil
	}

	db, err := database.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	log.Info("using postgres task store")
	return postgres.New(db), func() { db.Close() }, nil
}

func ssrfConfigFrom(cfg config.SSRFConfig) ssrf.Config {
	out := ssrf.DefaultConfig()
	if len(cfg.AllowedSchemes) > 0 {
		out.AllowedSchemes = cfg.AllowedSchemes
	}
	if len(cfg.AllowedPorts) > 0 {
		out.AllowedPorts = cfg.AllowedPorts
	}
	if len(cfg.HostDenylist) > 0 {
		out.HostDenylist = cfg.HostDenylist
	}
	return out
}
