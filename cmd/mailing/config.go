package main

import (
	"fmt"

	"github.com/spf13/cobra"

	mailingTLS "github.com/foxzi/mailing/internal/tls"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  Database: %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  Languages: %v (default %s)\n", cfg.Mailing.Languages, cfg.Mailing.DefaultLanguage)
	fmt.Fprintf(out, "  Timezone: %s\n", cfg.Mailing.Timezone)
	fmt.Fprintf(out, "  Mailer: %s:%d (simple), %s:%d (mailing)\n",
		cfg.Mailer.Simple.Host, cfg.Mailer.Simple.Port, cfg.Mailer.Mailing.Host, cfg.Mailer.Mailing.Port)
	if cfg.DKIM.Enabled {
		fmt.Fprintf(out, "  DKIM: %s (selector %s)\n", cfg.DKIM.Domain, cfg.DKIM.Selector)
	}
	if cfg.Tracking.BaseURL != "" {
		fmt.Fprintf(out, "  Tracking: %s on %s\n", cfg.Tracking.BaseURL, cfg.Tracking.ListenAddr)
	} else {
		fmt.Fprintf(out, "  Tracking: disabled\n")
	}
	fmt.Fprintf(out, "  Dump: %s\n", cfg.Dump.Backend)

	tlsCfg := cfg.Tracking.TLS
	switch {
	case tlsCfg.ACME.Enabled:
		fmt.Fprintf(out, "  TLS: ACME for %v\n", tlsCfg.ACME.Domains)
	case tlsCfg.CertFile != "":
		info, err := mailingTLS.ReadCertificate(tlsCfg.CertFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  TLS: %s, expires %s (%d days left)\n",
			info.Subject, info.NotAfter.Format("2006-01-02"), info.DaysLeft)
		if info.DaysLeft < 14 {
			fmt.Fprintf(out, "  WARNING: certificate expires soon\n")
		}
	}
	return nil
}
