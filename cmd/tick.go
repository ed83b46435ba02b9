package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psds-microservice/virtual-device-service/internal/application"
	"github.com/psds-microservice/virtual-device-service/internal/model"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one batch tick over every active session (what the scheduler callback does)",
	RunE:  runTick,
}

var tickEnvironmentID string

func init() {
	tickCmd.Flags().StringVar(&tickEnvironmentID, "environment", "", "only tick this environment")
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := application.NewCore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer core.Close()

	res, err := core.Runner.RunBatch(ctx, model.TriggerCLI, tickEnvironmentID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
