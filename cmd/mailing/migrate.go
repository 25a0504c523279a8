package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/dump"
	"github.com/foxzi/mailing/internal/lock"
	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/migrate/cjwnl"
	"github.com/foxzi/mailing/internal/migrate/novaezmailing"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

var migrateCjwnlCmd = &cobra.Command{
	Use:   "cjwnl",
	Short: "Migrate the legacy CJW newsletter data through JSON dump files",
	Long: `Export reads the legacy cjwnl tables into JSON files of the dump storage,
import loads them into the mailing tables, clean empties the mailing tables.`,
	RunE: runMigrateCjwnl,
}

var migrateNovaCmd = &cobra.Command{
	Use:   "novaezmailing",
	Short: "Copy the novaezmailing tables into the mailing tables and drop them",
	RunE:  runMigrateNova,
}

var (
	cjwnlExport bool
	cjwnlImport bool
	cjwnlClean  bool
)

// errNoAction is returned by migrate cjwnl when no step was requested
var errNoAction = errors.New("nothing to do: use --export, --import or --clean")

func init() {
	migrateCjwnlCmd.Flags().BoolVar(&cjwnlExport, "export", false, "Export the legacy data to JSON files")
	migrateCjwnlCmd.Flags().BoolVar(&cjwnlImport, "import", false, "Import the JSON files into the mailing tables")
	migrateCjwnlCmd.Flags().BoolVar(&cjwnlClean, "clean", false, "Empty the mailing tables")

	migrateCmd.AddCommand(migrateCjwnlCmd, migrateNovaCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
	return nil
}

func runMigrateCjwnl(cmd *cobra.Command, args []string) error {
	if !cjwnlExport && !cjwnlImport && !cjwnlClean {
		return errNoAction
	}

	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	store, err := dump.New(ctx, e.cfg.Dump)
	if err != nil {
		return err
	}
	locker, closeLocker := lock.New(e.cfg.Lock)
	defer closeLocker()

	var legacy *db.DB
	var content cjwnl.ContentLoader
	if cjwnlExport {
		legacy, err = db.New(e.cfg.Legacy.Driver, e.cfg.Legacy.DSN)
		if err != nil {
			return fmt.Errorf("failed to open legacy database: %w", err)
		}
		defer legacy.Close()
		content = cjwnl.NewLegacyContentLoader(legacy)
	}

	opts := cjwnl.Options{
		Languages:       e.cfg.Mailing.Languages,
		DefaultLanguage: e.cfg.Mailing.DefaultLanguage,
		SiteAccesses:    e.cfg.Mailing.SiteAccesses,
		Location:        e.cfg.Mailing.Location(),
	}
	var q db.Querier
	if legacy != nil {
		q = legacy
	}
	m := cjwnl.New(q, e.db, store, content, locker, opts, e.logger)
	m.SetProgress(newProgressBar(cmd.OutOrStdout()))

	return runCjwnlSteps(ctx, cmd, m)
}

// cjwnlSteps is what runCjwnlSteps needs from the migrator
type cjwnlSteps interface {
	Export(ctx context.Context) (cjwnl.Totals, error)
	Import(ctx context.Context) (cjwnl.Totals, error)
	Clean(ctx context.Context) error
}

func runCjwnlSteps(ctx context.Context, cmd *cobra.Command, m cjwnlSteps) error {
	out := cmd.OutOrStdout()
	if cjwnlExport {
		totals, err := m.Export(ctx)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Fprintf(out, "Export done. %s\n", totals)
	}
	if cjwnlImport {
		totals, err := m.Import(ctx)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		recordTotals(totals)
		fmt.Fprintf(out, "Import done. %s\n", totals)
	}
	// import cleans on its own
	if cjwnlClean && !cjwnlImport {
		if err := m.Clean(ctx); err != nil {
			return fmt.Errorf("clean failed: %w", err)
		}
		fmt.Fprintln(out, "Clean done.")
	}
	return nil
}

func recordTotals(t cjwnl.Totals) {
	metrics.AddMigratedRows("cjwnl", "mailing_list", t.Lists)
	metrics.AddMigratedRows("cjwnl", "campaign", t.Campaigns)
	metrics.AddMigratedRows("cjwnl", "mailing", t.Mailings)
	metrics.AddMigratedRows("cjwnl", "user", t.Users)
	metrics.AddMigratedRows("cjwnl", "registrations", t.Registrations)
}

func runMigrateNova(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	locker, closeLocker := lock.New(e.cfg.Lock)
	defer closeLocker()

	m := novaezmailing.New(e.db, locker, e.logger)
	m.SetProgress(newProgressBar(cmd.OutOrStdout()))

	n, err := m.Run(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migration done. %d rows copied.\n", n)
	return nil
}
