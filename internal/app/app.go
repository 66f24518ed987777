package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"gmail-webhook-relay/internal/config"
	"gmail-webhook-relay/internal/credential"
	"gmail-webhook-relay/internal/db"
	"gmail-webhook-relay/internal/dispatcher"
	"gmail-webhook-relay/internal/events"
	"gmail-webhook-relay/internal/handler"
	"gmail-webhook-relay/internal/ledger"
	"gmail-webhook-relay/internal/mailclient"
	"gmail-webhook-relay/internal/metrics"
	"gmail-webhook-relay/internal/repository"
	"gmail-webhook-relay/internal/router"
	"gmail-webhook-relay/internal/scheduler"
)

// SetupLogging configures the standard logrus logger.
func SetupLogging(cfg config.LogConfig) {
	if cfg.Format == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// NewMailClient picks the IMAP or Gmail API transport.
func NewMailClient(ctx context.Context, cfg config.GmailConfig, creds *credential.Store) (mailclient.Client, error) {
	if cfg.UseIMAP {
		logrus.Info("Using IMAP for mailbox access")
		return mailclient.NewIMAPClient(cfg, creds), nil
	}
	logrus.Info("Using Gmail API for mailbox access")
	gc, err := mailclient.NewGmailClient(ctx, creds.TokenSource(ctx), cfg)
	if err != nil {
		return nil, err
	}
	return gc, nil
}

// Run initializes and starts the application and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	logrus.Info("Starting Gmail Webhook Relay")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := dbConn.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	defer sqlDB.Close()

	repo, err := repository.New(dbConn)
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	creds, err := credential.Open(cfg.Gmail)
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}
	creds.OnRefresh = m.ObserveRefresh

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	mail, err := NewMailClient(rootCtx, cfg.Gmail, creds)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	disp := dispatcher.New(dispatcher.Options{
		Timeout:       cfg.Webhook.Timeout,
		UserAgent:     cfg.Webhook.UserAgent,
		SnippetLength: cfg.Webhook.ResponseSnippetLength,
	})
	disp.OnDelivery(func(o dispatcher.DeliveryOutcome) {
		m.ObserveDelivery(o.Success, o.Duration.Seconds())
	})

	hub := events.NewHub(64)

	sched := scheduler.NewScheduler(cfg.Scheduler, cfg.Processing.BodySnippetLength, scheduler.Deps{
		Store:      repo,
		Mail:       mail,
		Ledger:     ledger.New(repo),
		Dispatcher: disp,
		Tokens:     creds,
		Metrics:    m,
		Events:     hub,
	})

	h := handler.NewHandlers(handler.Options{
		Repo:       repo,
		Scheduler:  sched,
		Auth:       creds,
		Tester:     disp,
		Hub:        hub,
		Scheduling: cfg.Scheduler,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(h, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	// SSE streams end when the hub closes, so Shutdown does not wait on them
	srv.RegisterOnShutdown(hub.Close)

	if status, err := creds.Status(rootCtx); err == nil && !status.Authorized {
		logrus.Warn("Mailbox is not authorized yet; visit /api/v1/auth/url to grant access")
	}

	if err := sched.Start(rootCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case <-quit:
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP server error: %w", err)
	}

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := sched.Shutdown(ctx); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return runErr
}
