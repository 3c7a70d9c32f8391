package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var scanDuration time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby devices, priority devices first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		d := scanDuration
		if d <= 0 {
			d = time.Duration(cfg.Scan.Duration)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		fmt.Printf("Scanning for %s...\n", d)
		if err := a.manager.StartScan(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		a.manager.StopScan()

		devices := a.manager.Devices()
		if len(devices) == 0 {
			fmt.Println("No devices found.")
			return nil
		}
		for _, dev := range devices {
			fmt.Println(formatDevice(dev))
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 0, "how long to scan (default: scan.duration)")
	rootCmd.AddCommand(scanCmd)
}
