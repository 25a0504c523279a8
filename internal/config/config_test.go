package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
database:
  driver: postgres
  dsn: "postgres://mailing@localhost/mailing?sslmode=disable"

legacy:
  driver: mysql
  dsn: "ez:ez@tcp(localhost:3306)/ezp"

mailing:
  languages: ["fre-FR", "eng-GB"]
  default_language: "fre-FR"
  site_accesses: ["site_fr", "site_en"]
  timezone: "Europe/Paris"
  email_subject_prefix: "[News]"
  email_from_address: "news@example.com"
  unsubscribe_all: true

mailer:
  mailing:
    host: smtp.example.com
    port: 587
    tls: starttls
    timeout: 10s

tracking:
  base_url: "https://t.example.com"
  secret: "0123456789abcdef0123456789abcdef"
  flush_interval: 5s

logging:
  level: debug
  format: text
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %v, want postgres", cfg.Database.Driver)
	}
	if cfg.Mailing.DefaultLanguage != "fre-FR" {
		t.Errorf("Mailing.DefaultLanguage = %v, want fre-FR", cfg.Mailing.DefaultLanguage)
	}
	if len(cfg.Mailing.SiteAccesses) != 2 {
		t.Errorf("Mailing.SiteAccesses = %v, want 2 entries", cfg.Mailing.SiteAccesses)
	}
	if !cfg.Mailing.UnsubscribeAll {
		t.Error("Mailing.UnsubscribeAll = false, want true")
	}
	if cfg.Mailer.Mailing.Port != 587 {
		t.Errorf("Mailer.Mailing.Port = %v, want 587", cfg.Mailer.Mailing.Port)
	}
	if cfg.Mailer.Mailing.Timeout != 10*time.Second {
		t.Errorf("Mailer.Mailing.Timeout = %v, want 10s", cfg.Mailer.Mailing.Timeout)
	}
	if cfg.Tracking.FlushInterval != 5*time.Second {
		t.Errorf("Tracking.FlushInterval = %v, want 5s", cfg.Tracking.FlushInterval)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %v, want text", cfg.Logging.Format)
	}
	if cfg.Mailing.Location().String() != "Europe/Paris" {
		t.Errorf("Location() = %v, want Europe/Paris", cfg.Mailing.Location())
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %v, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "/var/lib/mailing/mailing.db" {
		t.Errorf("Database.DSN = %v, want /var/lib/mailing/mailing.db", cfg.Database.DSN)
	}
	if cfg.Legacy.Driver != "mysql" {
		t.Errorf("Legacy.Driver = %v, want mysql", cfg.Legacy.Driver)
	}
	if cfg.Mailing.DefaultLanguage != "eng-GB" {
		t.Errorf("Mailing.DefaultLanguage = %v, want eng-GB", cfg.Mailing.DefaultLanguage)
	}
	if cfg.Mailer.Simple.Port != 25 {
		t.Errorf("Mailer.Simple.Port = %v, want 25", cfg.Mailer.Simple.Port)
	}
	if cfg.Mailer.Mailing.TLS != "none" {
		t.Errorf("Mailer.Mailing.TLS = %v, want none", cfg.Mailer.Mailing.TLS)
	}
	if cfg.Tracking.ListenAddr != ":8089" {
		t.Errorf("Tracking.ListenAddr = %v, want :8089", cfg.Tracking.ListenAddr)
	}
	if cfg.Processor.Interval != time.Minute {
		t.Errorf("Processor.Interval = %v, want 1m", cfg.Processor.Interval)
	}
	if cfg.Dump.Backend != "local" {
		t.Errorf("Dump.Backend = %v, want local", cfg.Dump.Backend)
	}
	if cfg.Lock.TTL != time.Hour {
		t.Errorf("Lock.TTL = %v, want 1h", cfg.Lock.TTL)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %v, want /metrics", cfg.Metrics.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(c *Config) {},
		},
		{
			name:    "unknown driver",
			modify:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "database.driver",
		},
		{
			name:    "default language not configured",
			modify:  func(c *Config) { c.Mailing.DefaultLanguage = "ger-DE" },
			wantErr: "default_language",
		},
		{
			name:    "bad timezone",
			modify:  func(c *Config) { c.Mailing.Timezone = "Mars/Olympus" },
			wantErr: "mailing.timezone",
		},
		{
			name:    "bad tls mode",
			modify:  func(c *Config) { c.Mailer.Mailing.TLS = "ssl" },
			wantErr: "mailer.mailing.tls",
		},
		{
			name:    "dkim without key",
			modify:  func(c *Config) { c.DKIM.Enabled = true; c.DKIM.Domain = "example.com" },
			wantErr: "dkim.key_file",
		},
		{
			name: "short tracking secret",
			modify: func(c *Config) {
				c.Tracking.BaseURL = "https://t.example.com"
				c.Tracking.Secret = "short"
			},
			wantErr: "tracking.secret",
		},
		{
			name:    "acme without domains",
			modify:  func(c *Config) { c.Tracking.TLS.ACME.Enabled = true },
			wantErr: "acme.domains",
		},
		{
			name:    "s3 dump without bucket",
			modify:  func(c *Config) { c.Dump.Backend = "s3" },
			wantErr: "dump.s3.bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.modify(cfg)

			err := validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}
