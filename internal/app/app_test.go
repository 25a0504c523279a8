package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/mailing/internal/config"
	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/models"
	"github.com/foxzi/mailing/internal/repository"
	"github.com/foxzi/mailing/internal/tracking"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	smtpCfg := config.SMTPConfig{Host: "127.0.0.1", Port: 2525, TLS: "none", Hostname: "test.local", Timeout: time.Second}
	return &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite3", DSN: filepath.Join(dir, "mailing.db")},
		Mailing:  config.MailingConfig{Timezone: "UTC", EmailFromAddress: "news@example.com"},
		Mailer:   config.MailerConfig{Simple: smtpCfg, Mailing: smtpCfg},
		Tracking: config.TrackingConfig{
			ListenAddr:    "127.0.0.1:0",
			BaseURL:       "https://t.example.com",
			Secret:        testSecret,
			BufferPath:    filepath.Join(dir, "hits.db"),
			FlushInterval: time.Hour,
			BatchSize:     10,
		},
		Processor: config.ProcessorConfig{Enabled: true, Interval: time.Hour},
	}
}

func openDB(t *testing.T, cfg *config.Config) *db.DB {
	t.Helper()
	database, err := db.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return database
}

func TestTrackingHitsReachDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	database := openDB(t, cfg)

	b := &models.Broadcast{}
	if err := repository.NewBroadcastRepository(database).Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfg, database, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.processor == nil || a.trackingSrv == nil {
		t.Fatal("processor and tracking server should be configured")
	}
	if a.metricsServer != nil {
		t.Error("metrics are disabled")
	}

	urls := tracking.NewURLs(cfg.Tracking.BaseURL, tracking.NewSigner(cfg.Tracking.Secret))
	req := httptest.NewRequest(http.MethodGet, urls.Read(b.ID, "alice@example.org"), nil)
	rec := httptest.NewRecorder()
	a.trackingSrv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/gif" {
		t.Fatalf("read = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}

	// shutdown flushes the buffered hit
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	stats, err := repository.NewStatHitRepository(database).Stats(ctx, []int64{b.ID})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Opens != 1 {
		t.Errorf("opens = %d, want 1", stats.Opens)
	}
}

func TestNewWithoutTracking(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracking.BaseURL = ""
	cfg.Processor.Enabled = false
	cfg.Metrics = config.MetricsConfig{Enabled: true, ListenAddr: "127.0.0.1:0", Path: "/metrics"}

	a, err := New(cfg, openDB(t, cfg), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.trackingSrv != nil || a.buffer != nil || a.processor != nil {
		t.Error("tracking and processor should be disabled")
	}
	if a.metricsServer == nil || a.collector == nil {
		t.Error("metrics should be enabled")
	}
	a.Close()
}

func TestNewFailsOnBadDKIMKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.DKIM = config.DKIMConfig{Enabled: true, Domain: "example.com", Selector: "news", KeyFile: filepath.Join(t.TempDir(), "missing.pem")}

	if _, err := New(cfg, openDB(t, cfg), discardLogger()); err == nil {
		t.Fatal("New() should fail with a missing DKIM key")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, openDB(t, cfg), discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		cfg      config.LoggingConfig
		debug    bool
		jsonLike bool
	}{
		{config.LoggingConfig{Level: "debug", Format: "json"}, true, true},
		{config.LoggingConfig{Level: "info", Format: "text"}, false, false},
		{config.LoggingConfig{Level: "error", Format: "text"}, false, false},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := SetupLogger(tt.cfg, &buf)
		logger.Debug("debug line")
		logger.Error("error line", "component", "test")

		out := buf.String()
		if strings.Contains(out, "debug line") != tt.debug {
			t.Errorf("%+v: debug written = %v, want %v", tt.cfg, !tt.debug, tt.debug)
		}
		if strings.HasPrefix(out, "{") != tt.jsonLike {
			t.Errorf("%+v: output = %q", tt.cfg, out)
		}
	}
}

func discardLogger() *slog.Logger {
	return SetupLogger(config.LoggingConfig{Level: "error"}, io.Discard)
}
