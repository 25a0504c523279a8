package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailing/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tracking server and the mailing processor",
	Long:  `Start the tracking HTTP endpoint, the hit consumer, the mailing processor and the metrics server.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	application, err := app.New(e.cfg, e.db, e.logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return application.Run(cmd.Context())
}
