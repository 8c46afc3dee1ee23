package settlementd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"nftledger/observability"
	"nftledger/observability/logging"
	telemetry "nftledger/observability/otel"
	"nftledger/services/settlementd/chain"
	"nftledger/services/settlementd/config"
	"nftledger/services/settlementd/engine"
	"nftledger/services/settlementd/jobs"
	"nftledger/services/settlementd/lock"
	"nftledger/services/settlementd/models"
	"nftledger/services/settlementd/money"
	"nftledger/services/settlementd/notify"
	"nftledger/services/settlementd/recon"
	"nftledger/services/settlementd/referral"
	"nftledger/services/settlementd/server"
	"nftledger/services/settlementd/store"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithFile("settlementd", cfg.Environment, logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   true,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := initTelemetry(cfg.Environment)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("ledger database ready", logging.MaskField("database_url", cfg.Database.URL))
	st, err := store.New(db)
	if err != nil {
		return err
	}

	metrics := observability.Settlement()

	locks, err := lock.NewManager(db, lock.Config{
		TTL:         cfg.Lock.TTL.Duration,
		Backoff:     cfg.Lock.Backoff.Duration,
		MaxAttempts: cfg.Lock.MaxAttempts,
		MaxWait:     cfg.Lock.MaxWait.Duration,
		Logger:      logger,
		Observer:    metrics,
	})
	if err != nil {
		return fmt.Errorf("lock manager: %w", err)
	}

	threshold, err := money.Parse(cfg.Referral.BDAThreshold)
	if err != nil {
		return fmt.Errorf("referral bda_threshold: %w", err)
	}
	referrals, err := referral.NewEngine(referral.Config{
		BDARatio:         cfg.Referral.BDARatio,
		ReferrerRatio:    cfg.Referral.ReferrerRatio,
		Divisor:          cfg.Referral.Divisor,
		Threshold:        threshold,
		MinDirectReferee: cfg.Referral.MinDirectReferee,
		Logger:           logger,
		Observer:         metrics,
	})
	if err != nil {
		return fmt.Errorf("referral engine: %w", err)
	}

	rpc, err := chain.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer rpc.Close()
	chainClient, err := chain.NewClient(chain.Config{
		RPC:               rpc,
		ExchangeContract:  common.HexToAddress(cfg.Chain.ExchangeContract),
		MaxRetry:          cfg.Chain.MaxRetry,
		RetryBackoff:      cfg.Chain.RetryBackoff.Duration,
		RequestsPerSecond: cfg.Chain.RequestsPerSec,
		Timeout:           cfg.Chain.Timeout.Duration,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}
	signer, err := chain.ParsePrivateKey(cfg.Chain.SignerKey)
	if err != nil {
		return err
	}

	sinks := []notify.Sink{notify.LogSink{Logger: logger}}
	if url := strings.TrimSpace(cfg.Notify.WebhookURL); url != "" {
		sinks = append(sinks, notify.NewWebhookSink(url, cfg.Notify.RequestTimeout.Duration))
	}
	dispatcher, err := notify.NewDispatcher(sinks,
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithRate(cfg.Notify.RatePerSecond, cfg.Notify.Burst),
		notify.WithLogger(logger),
		notify.WithObserver(metrics),
	)
	if err != nil {
		return fmt.Errorf("notification dispatcher: %w", err)
	}
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	var jobStore jobs.Store
	if path := strings.TrimSpace(cfg.Jobs.BoltPath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("jobs dir: %w", err)
		}
		bolt, err := jobs.OpenBoltStore(path)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		defer bolt.Close()
		jobStore = bolt
	}
	queue := jobs.NewQueue(jobs.Config{
		Workers:       cfg.Jobs.Workers,
		DefaultPolicy: jobs.RetryPolicy{MaxAttempts: cfg.Jobs.MaxAttempts, Backoff: cfg.Jobs.RetryBackoff.Duration},
		Store:         jobStore,
		Logger:        logger,
	})

	eng, err := engine.New(engine.Config{
		Store:             st,
		Locks:             locks,
		Referral:          referrals,
		Chain:             chainClient,
		Jobs:              queue,
		Notifier:          dispatcher,
		Observer:          metrics,
		Logger:            logger,
		SignerKey:         signer,
		LockingContract:   cfg.Chain.LockingContract,
		SystemAddress:     cfg.Referral.SystemAddress,
		AdminAddress:      cfg.AdminAddress,
		ConfirmationDelay: cfg.Jobs.ConfirmationDelay.Duration,
		ReferralRetry:     jobs.RetryPolicy{MaxAttempts: cfg.Jobs.MaxAttempts, Backoff: cfg.Jobs.RetryBackoff.Duration},
	})
	if err != nil {
		return err
	}
	if err := eng.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap users: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	defer queue.Stop()

	if !cfg.Recon.DisableRun {
		reconciler, err := recon.NewReconciler(recon.Config{
			Ledger:    eng,
			Grace:     cfg.Recon.Grace.Duration,
			Timeout:   cfg.Recon.Timeout.Duration,
			BatchSize: cfg.Recon.BatchSize,
			OutputDir: cfg.Recon.OutputDir,
			DryRun:    cfg.Recon.DryRun,
			Observer:  metrics,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("reconciler init: %w", err)
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Interval:   cfg.Recon.Interval.Duration,
			Logger:     logger,
		})
		go scheduler.Start(ctx)
	}

	var auth *server.Authenticator
	if !cfg.Auth.DisableCheck {
		auth, err = server.NewAuthenticator(server.AuthConfig{
			Secret: []byte(cfg.Auth.HMACSecret),
			Issuer: cfg.Auth.Issuer,
			Leeway: cfg.Auth.AllowedSkew.Duration,
		})
		if err != nil {
			return fmt.Errorf("authenticator: %w", err)
		}
	} else {
		logger.Warn("bearer token verification disabled; /v1 routes will reject every request")
	}
	srv := server.New(server.Config{
		Ledger:     eng,
		Auth:       auth,
		WorkerRole: cfg.Auth.WorkerRole,
		AdminRole:  cfg.Auth.AdminRole,
		Observer:   metrics,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func initTelemetry(env string) (func(context.Context) error, error) {
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlementd",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
}
