package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailing/internal/repository"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired confirmation tokens",
	RunE:  runCleanup,
}

var cleanupTokensDays int

func init() {
	cleanupCmd.Flags().IntVar(&cleanupTokensDays, "tokens-days", 7, "Delete confirmation tokens older than N days")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	cutoff := time.Now().AddDate(0, 0, -cleanupTokensDays)
	deleted, err := repository.NewConfirmationTokenRepository(e.db).DeleteOlderThan(cmd.Context(), cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup confirmation tokens: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Confirmation tokens older than %d days deleted: %d\n", cleanupTokensDays, deleted)
	return nil
}
