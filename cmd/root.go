package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/psds-microservice/virtual-device-service/internal/application"
	"github.com/psds-microservice/virtual-device-service/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "virtual-device-service",
	Short: "Virtual device service: replays recorded sensor data as live telemetry",
	Long: `HTTP + WebSocket API driving virtual fish and plant devices.
Commands: api, migrate, seed, tick, sync, command.`,
	SilenceUsage: true,
	RunE:         runAPI, // default: run API (same as "virtual-device-service api")
}

func init() {
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(syncCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}

// bootstrap loads .env (from cwd or parent when run from bin/), the config
// and the logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, err := application.NewLogger(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
