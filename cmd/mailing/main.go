package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailing/internal/app"
	"github.com/foxzi/mailing/internal/config"
	"github.com/foxzi/mailing/internal/db"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "mailing",
	Short:         "Mailing - newsletter lists, campaigns and tracking",
	Long:          `Mailing manages newsletter lists, campaigns and mailings, sends them and tracks opens and clicks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "mailing version %s\n", version)
		if commit != "unknown" {
			fmt.Fprintf(out, "  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Fprintf(out, "  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/mailing/config.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
}

// env is what most commands need: configuration, logger and the database
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *db.DB
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setup loads the configuration and opens the database. The schema is
// created when migrate is true.
func setup(cmd *cobra.Command, migrate bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := app.SetupLogger(cfg.Logging, cmd.ErrOrStderr())

	database, err := db.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := database.Migrate(cmd.Context()); err != nil {
			database.Close()
			return nil, err
		}
	}
	return &env{cfg: cfg, logger: logger, db: database}, nil
}

func (e *env) Close() {
	e.db.Close()
}
