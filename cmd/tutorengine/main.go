package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"csec-tutor-engine/internal/config"
	"csec-tutor-engine/internal/store"
	"csec-tutor-engine/pkg/logging/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "tutorengine",
		Short:         "CSEC tutoring content and chat engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TUTOR_CONFIG"), "path to YAML config (default tutor.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.PostgresDSN == "" {
				return fmt.Errorf("migrate: storage.postgres_dsn (DATABASE_URL) is not set")
			}
			if err := store.Migrate(cmd.Context(), cfg.Storage.PostgresDSN); err != nil {
				return err
			}
			logging.DefaultLogger().Info("migrations applied")
			return nil
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "tutorengine: %v\n", err)
		os.Exit(1)
	}
}
