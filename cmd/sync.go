package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psds-microservice/virtual-device-service/internal/application"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile environments, sessions and scheduler jobs, then check alerts",
	RunE:  runSync,
}

var (
	syncUserID string
	syncAlerts bool
)

func init() {
	syncCmd.Flags().StringVar(&syncUserID, "user", "", "only reconcile this user's environments (default: all)")
	syncCmd.Flags().BoolVar(&syncAlerts, "alerts", true, "raise and resolve stream alerts after syncing")
}

func runSync(cmd *cobra.Command, args []string) error {
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

	out := map[string]any{}
	report, err := core.Reconcile.PerformSync(ctx, syncUserID, "")
	if err != nil {
		return err
	}
	out["sync"] = report
	if syncAlerts {
		alerts, err := core.Health.CheckAndCreateAlerts(ctx, syncUserID)
		if err != nil {
			return err
		}
		out["alerts"] = alerts
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
