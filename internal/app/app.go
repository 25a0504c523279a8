package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/mailing/internal/config"
	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/dkim"
	"github.com/foxzi/mailing/internal/mailer"
	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/repository"
	mailingTLS "github.com/foxzi/mailing/internal/tls"
	"github.com/foxzi/mailing/internal/tracking"
)

// App runs the long-lived services: tracking endpoint, hit consumer,
// mailing processor and metrics.
type App struct {
	config        *config.Config
	db            *db.DB
	buffer        *tracking.Buffer
	consumer      *tracking.Consumer
	processor     *mailer.Processor
	tls           *mailingTLS.Source
	trackingSrv   *http.Server
	challengeSrv  *http.Server
	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New wires the services configured in cfg on top of database
func New(cfg *config.Config, database *db.DB, logger *slog.Logger) (*App, error) {
	a := &App{config: cfg, db: database, logger: logger}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
		a.collector = metrics.NewCollector(a.metrics, repository.NewMailingRepository(database), cfg.Tracking.BufferPath, 15*time.Second)
	}

	if cfg.Tracking.BaseURL != "" {
		if err := a.setupTracking(); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Processor.Enabled {
		p, err := NewProcessor(cfg, database, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.processor = p
	}
	return a, nil
}

func (a *App) setupTracking() error {
	cfg := a.config.Tracking

	buffer, err := tracking.NewBuffer(cfg.BufferPath)
	if err != nil {
		return fmt.Errorf("failed to open hit buffer: %w", err)
	}
	a.buffer = buffer
	a.consumer = tracking.NewConsumer(buffer, repository.NewStatHitRepository(a.db), cfg.FlushInterval, cfg.BatchSize, a.logger)

	source, err := mailingTLS.New(cfg.TLS)
	if err != nil {
		return err
	}
	a.tls = source

	unsub := tracking.NewUnsubscriber(a.db, a.config.Mailing.UnsubscribeAll, a.config.Mailing.DeleteUser, a.logger)
	handler := tracking.NewHandler(tracking.NewSigner(cfg.Secret), buffer, unsub, cfg.RateLimit, a.logger)
	a.trackingSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if source != nil {
		a.trackingSrv.TLSConfig = source.Config()
		if source.UsesACME() {
			a.challengeSrv = &http.Server{
				Addr:              cfg.TLS.ACME.ChallengeAddr,
				Handler:           source.ChallengeHandler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
		}
	}
	return nil
}

// Run starts every service and blocks until a signal arrives or one fails
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 3)
	serve := func(name string, fn func() error) {
		go func() {
			if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if a.metricsServer != nil {
		a.collector.Start(ctx)
		serve("metrics server", a.metricsServer.ListenAndServe)
	}
	if a.trackingSrv != nil {
		a.consumer.Start(ctx)
		a.logger.Info("starting tracking server", "addr", a.trackingSrv.Addr, "tls", a.tls != nil)
		if a.tls != nil {
			serve("tracking server", func() error { return a.trackingSrv.ListenAndServeTLS("", "") })
		} else {
			serve("tracking server", a.trackingSrv.ListenAndServe)
		}
		if a.challengeSrv != nil {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.challengeSrv.Addr)
			serve("acme challenge server", a.challengeSrv.ListenAndServe)
		}
	}
	if a.processor != nil {
		a.processor.Start(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown stops the services, flushing buffered hits
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.processor != nil {
		a.processor.Stop()
	}
	for _, srv := range []*http.Server{a.trackingSrv, a.challengeSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	if a.consumer != nil {
		a.consumer.Stop(shutdownCtx)
	}
	if a.metricsServer != nil {
		a.collector.Stop()
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases the hit buffer
func (a *App) Close() {
	if a.buffer != nil {
		if err := a.buffer.Close(); err != nil {
			a.logger.Error("hit buffer close error", "error", err)
		}
		a.buffer = nil
	}
}

// NewTransports builds the simple and mailing SMTP transports
func NewTransports(cfg *config.Config, logger *slog.Logger) (simple, bulk *mailer.Transport, err error) {
	signer, err := dkim.New(cfg.DKIM)
	if err != nil {
		return nil, nil, err
	}
	simple = mailer.NewTransport(mailer.MailerSimple, cfg.Mailer.Simple, signer, logger)
	bulk = mailer.NewTransport(mailer.MailerMailing, cfg.Mailer.Mailing, signer, logger)
	return simple, bulk, nil
}

// NewProcessor builds the mailing processor with tracked links when a
// tracking base URL is configured
func NewProcessor(cfg *config.Config, database *db.DB, logger *slog.Logger) (*mailer.Processor, error) {
	simple, bulk, err := NewTransports(cfg, logger)
	if err != nil {
		return nil, err
	}
	var urls *tracking.URLs
	if cfg.Tracking.BaseURL != "" {
		urls = tracking.NewURLs(cfg.Tracking.BaseURL, tracking.NewSigner(cfg.Tracking.Secret))
	}
	composer := mailer.NewComposer(cfg.Mailing, urls)
	return mailer.NewProcessor(database, composer, bulk, simple, cfg.Mailing, cfg.Processor.Interval, logger), nil
}

// SetupLogger creates the logger described by cfg writing to w
func SetupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
