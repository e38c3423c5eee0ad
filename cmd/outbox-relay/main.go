package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oagudo/contract-outbox/internal/app"
	"github.com/oagudo/contract-outbox/internal/config"
)

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "outbox-relay",
		Short:         "Transactional outbox relay",
		Long:          "outbox-relay publishes the records of an outbox table to a message broker, in creation order.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Relay outbox records until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(envFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return app.Run(ctx, cfg, logger)
		},
	}
	rootCmd.AddCommand(runCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "List undelivered outbox records",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, logger, err := setup(envFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, closeDB, err := app.OpenStore(cmd.Context(), cfg.DB)
			if err != nil {
				return err
			}
			defer func() { _ = closeDB() }()

			n, err := app.Inspect(cmd.Context(), store, cmd.OutOrStdout(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d undelivered record(s)\n", n)
			return nil
		},
	}
	inspectCmd.Flags().Int("limit", 50, "maximum number of records to list (0 lists all)")
	rootCmd.AddCommand(inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup(envFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := app.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
