package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/goodtune/tvbill/internal/discovery"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/storage/sqlstore"
	"github.com/spf13/cobra"
)

var (
	sweepMode      string
	sweepThreshold time.Duration
)

var sweepCmd = &cobra.Command{
	Use:   "sweep presence|expiry|cleanup",
	Short: "Run one background sweep now",
	Long: `Run a single presence, expiry or discovery cleanup sweep against the
configured store. Events reach running instances when the Redis relay is enabled.`,
	Example: `  tvbill sweep expiry
  tvbill sweep cleanup --mode aggressive
  tvbill sweep cleanup --mode stale --threshold 15m`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"presence", "expiry", "cleanup"},
	RunE:      runSweep,
}

func init() {
	sweepCmd.Flags().StringVar(&sweepMode, "mode", "full", "Cleanup mode: stale, full or aggressive")
	sweepCmd.Flags().DurationVar(&sweepThreshold, "threshold", 0, "Stale pending threshold for cleanup (0 uses the configured one)")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := quietLogger()

	store, err := sqlstore.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	bus, err := newEventBus(cfg, realtime.Nop, logger)
	if err != nil {
		return err
	}
	defer bus.Close(logger)

	eng := newEngine(cfg, store, bus.publisher, clock.Real{}, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	switch args[0] {
	case "presence":
		result, err := eng.presence.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("presence sweep failed: %w", err)
		}
		_, _ = green.Fprintln(os.Stdout, "✅ Presence sweep complete")
		fmt.Fprintf(os.Stdout, "   Sessions paused:  %d\n", result.SessionsPaused)
		fmt.Fprintf(os.Stdout, "   Devices offline:  %d\n", result.DevicesOffline)

	case "expiry":
		expired, err := eng.expiry.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("expiry sweep failed: %w", err)
		}
		_, _ = green.Fprintf(os.Stdout, "✅ Expiry sweep complete: %d session(s) closed\n", len(expired))
		for _, e := range expired {
			_, _ = yellow.Fprintf(os.Stdout, "   #%d %s on %s, %d min over\n", e.Session.ID, e.Session.Status, e.Session.DeviceKey, e.OverdueMinutes)
		}

	case "cleanup":
		mode, err := discovery.ParseMode(sweepMode)
		if err != nil {
			return err
		}
		result, err := eng.discovery.Cleanup(ctx, mode, sweepThreshold)
		if err != nil {
			return fmt.Errorf("discovery cleanup failed: %w", err)
		}
		_, _ = green.Fprintf(os.Stdout, "✅ Discovery cleanup (%s) complete\n", result.Mode)
		fmt.Fprintf(os.Stdout, "   %s\n", result.String())

	default:
		return fmt.Errorf("unknown sweep %q (expected presence, expiry or cleanup)", args[0])
	}
	return nil
}
