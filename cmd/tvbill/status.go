package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/session"
	"github.com/goodtune/tvbill/internal/storage/sqlstore"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status <device-key>",
	Short:   "Show the open session on a device",
	Example: `  tvbill status tv-lounge-01`,
	Args:    cobra.ExactArgs(1),
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := sqlstore.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	eng := newEngine(cfg, store, realtime.Nop, clock.Real{}, quietLogger())

	view, err := eng.sessions.ActiveForDevice(cmd.Context(), args[0])
	if errs.CodeOf(err) == errs.CodeNotFound {
		_, _ = color.New(color.FgYellow).Printf("%s: %v\n", args[0], err)
		return nil
	}
	if err != nil {
		return err
	}

	printStatus(view)
	return nil
}

func printStatus(v *session.View) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	_, _ = cyan.Printf("Session #%d on %s", v.ID, v.DeviceKey)
	if v.DeviceName != "" {
		_, _ = cyan.Printf(" (%s)", v.DeviceName)
	}
	fmt.Println()

	fmt.Printf("Customer:   %s\n", v.CustomerName)
	fmt.Printf("Package:    %s\n", v.PackageName)
	fmt.Printf("Started:    %s\n", v.StartTime.Local().Format("2006-01-02 15:04"))
	fmt.Printf("Duration:   %d min (%d paused)\n", v.DurationMinutes, v.PausedDurationMinutes)
	fmt.Printf("Paid:       %s (%s)\n", v.AmountPaid.StringFixed(2), v.PaymentType)
	fmt.Printf("Elapsed:    %d min\n", v.ElapsedMinutes)

	fmt.Print("Remaining:  ")
	switch {
	case v.Paused():
		_, _ = yellow.Printf("%d min, PAUSED", v.RemainingMinutes)
		if v.PauseReason != "" {
			fmt.Printf(" (%s)", v.PauseReason)
		}
		fmt.Println()
	case v.RemainingMinutes <= 0:
		_, _ = red.Println("EXPIRED")
	case v.RemainingMinutes <= 5:
		_, _ = red.Printf("%d min\n", v.RemainingMinutes)
	default:
		_, _ = green.Printf("%d min\n", v.RemainingMinutes)
	}
	fmt.Printf("Status:     %s\n", v.Status)
	fmt.Println()
}
