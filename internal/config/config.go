package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Legacy    DatabaseConfig  `yaml:"legacy"`
	Mailing   MailingConfig   `yaml:"mailing"`
	Mailer    MailerConfig    `yaml:"mailer"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Processor ProcessorConfig `yaml:"processor"`
	Dump      DumpConfig      `yaml:"dump"`
	Lock      LockConfig      `yaml:"lock"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig selects a database/sql driver. Path is a shortcut for sqlite3.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

type MailingConfig struct {
	Languages            []string `yaml:"languages"`
	DefaultLanguage      string   `yaml:"default_language"`
	SiteAccesses         []string `yaml:"site_accesses"`
	Timezone             string   `yaml:"timezone"`
	EmailSubjectPrefix   string   `yaml:"email_subject_prefix"`
	EmailFromAddress     string   `yaml:"email_from_address"`
	EmailFromName        string   `yaml:"email_from_name"`
	EmailReturnPath      string   `yaml:"email_return_path"`
	DefaultMailingListID int64    `yaml:"default_mailinglist_id"`
	UnsubscribeAll       bool     `yaml:"unsubscribe_all"`
	DeleteUser           bool     `yaml:"delete_user"`
}

type MailerConfig struct {
	Simple  SMTPConfig `yaml:"simple"`
	Mailing SMTPConfig `yaml:"mailing"`
}

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	TLS      string        `yaml:"tls"` // none, starttls, implicit
	Hostname string        `yaml:"hostname"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  uint          `yaml:"retries"`
}

type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

type TrackingConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	BaseURL       string        `yaml:"base_url"`
	Secret        string        `yaml:"secret"`
	RateLimit     int           `yaml:"rate_limit"`
	BufferPath    string        `yaml:"buffer_path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	TLS           TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

type ACMEConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Email         string   `yaml:"email"`
	Domains       []string `yaml:"domains"`
	CacheDir      string   `yaml:"cache_dir"`
	ChallengeAddr string   `yaml:"challenge_addr"`
}

type ProcessorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type DumpConfig struct {
	Backend string       `yaml:"backend"` // local, s3
	Path    string       `yaml:"path"`
	S3      DumpS3Config `yaml:"s3"`
}

type DumpS3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type LockConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Path       string   `yaml:"path"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.Driver == "sqlite3" && cfg.Database.DSN == "" {
		if cfg.Database.Path == "" {
			cfg.Database.Path = "/var/lib/mailing/mailing.db"
		}
		cfg.Database.DSN = cfg.Database.Path
	}
	if cfg.Legacy.Driver == "" {
		cfg.Legacy.Driver = "mysql"
	}
	if cfg.Legacy.Driver == "sqlite3" && cfg.Legacy.DSN == "" {
		cfg.Legacy.DSN = cfg.Legacy.Path
	}

	if len(cfg.Mailing.Languages) == 0 {
		cfg.Mailing.Languages = []string{"eng-GB"}
	}
	if cfg.Mailing.DefaultLanguage == "" {
		cfg.Mailing.DefaultLanguage = cfg.Mailing.Languages[0]
	}
	if len(cfg.Mailing.SiteAccesses) == 0 {
		cfg.Mailing.SiteAccesses = []string{"site"}
	}
	if cfg.Mailing.Timezone == "" {
		cfg.Mailing.Timezone = "UTC"
	}

	setSMTPDefaults(&cfg.Mailer.Simple)
	setSMTPDefaults(&cfg.Mailer.Mailing)

	if cfg.DKIM.Selector == "" {
		cfg.DKIM.Selector = "mail"
	}

	if cfg.Tracking.ListenAddr == "" {
		cfg.Tracking.ListenAddr = ":8089"
	}
	if cfg.Tracking.RateLimit == 0 {
		cfg.Tracking.RateLimit = 120
	}
	if cfg.Tracking.BufferPath == "" {
		cfg.Tracking.BufferPath = "/var/lib/mailing/hits.db"
	}
	if cfg.Tracking.FlushInterval == 0 {
		cfg.Tracking.FlushInterval = 10 * time.Second
	}
	if cfg.Tracking.BatchSize == 0 {
		cfg.Tracking.BatchSize = 500
	}
	if cfg.Tracking.TLS.ACME.CacheDir == "" {
		cfg.Tracking.TLS.ACME.CacheDir = "/var/lib/mailing/acme"
	}
	if cfg.Tracking.TLS.ACME.ChallengeAddr == "" {
		cfg.Tracking.TLS.ACME.ChallengeAddr = ":80"
	}

	if cfg.Processor.Interval == 0 {
		cfg.Processor.Interval = time.Minute
	}

	if cfg.Dump.Backend == "" {
		cfg.Dump.Backend = "local"
	}
	if cfg.Dump.Path == "" {
		cfg.Dump.Path = "/var/lib/mailing/dump"
	}

	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = time.Hour
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func setSMTPDefaults(c *SMTPConfig) {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 25
	}
	if c.TLS == "" {
		c.TLS = "none"
	}
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
}

var supportedDrivers = []string{"sqlite3", "postgres", "mysql"}

func validate(cfg *Config) error {
	if !slices.Contains(supportedDrivers, cfg.Database.Driver) {
		return fmt.Errorf("database.driver must be one of %s", strings.Join(supportedDrivers, ", "))
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if !slices.Contains(supportedDrivers, cfg.Legacy.Driver) {
		return fmt.Errorf("legacy.driver must be one of %s", strings.Join(supportedDrivers, ", "))
	}
	if !slices.Contains(cfg.Mailing.Languages, cfg.Mailing.DefaultLanguage) {
		return fmt.Errorf("mailing.default_language %q is not in mailing.languages", cfg.Mailing.DefaultLanguage)
	}
	if _, err := time.LoadLocation(cfg.Mailing.Timezone); err != nil {
		return fmt.Errorf("mailing.timezone: %w", err)
	}

	for name, c := range map[string]SMTPConfig{"simple": cfg.Mailer.Simple, "mailing": cfg.Mailer.Mailing} {
		switch c.TLS {
		case "none", "starttls", "implicit":
		default:
			return fmt.Errorf("mailer.%s.tls must be none, starttls or implicit", name)
		}
	}

	if cfg.DKIM.Enabled {
		if cfg.DKIM.Domain == "" {
			return fmt.Errorf("dkim.domain is required when DKIM is enabled")
		}
		if cfg.DKIM.KeyFile == "" {
			return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
		}
	}

	if cfg.Tracking.BaseURL != "" && len(cfg.Tracking.Secret) < 32 {
		return fmt.Errorf("tracking.secret must be at least 32 characters")
	}
	if cfg.Tracking.TLS.ACME.Enabled && len(cfg.Tracking.TLS.ACME.Domains) == 0 {
		return fmt.Errorf("tracking.tls.acme.domains is required when ACME is enabled")
	}
	if (cfg.Tracking.TLS.CertFile == "") != (cfg.Tracking.TLS.KeyFile == "") {
		return fmt.Errorf("tracking.tls.cert_file and tracking.tls.key_file must be set together")
	}

	switch cfg.Dump.Backend {
	case "local":
	case "s3":
		if cfg.Dump.S3.Bucket == "" {
			return fmt.Errorf("dump.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("dump.backend must be local or s3")
	}

	return nil
}

// Location returns the timezone used to interpret mailing schedules.
func (c *MailingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
