package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	sendRetries int
	sendListen  time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <command>...",
	Short: "Send text commands to the device",
	Long: `Send each argument as one text command, in order. Replies arrive as
notifications; use --listen to print them for a while after sending.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.connectWithRetry(ctx, sendRetries); err != nil {
			return err
		}
		for _, text := range args {
			if err := a.manager.SendCommand(ctx, text); err != nil {
				return fmt.Errorf("send %q: %w", text, err)
			}
			fmt.Printf("sent: %s\n", text)
		}

		if sendListen <= 0 {
			return nil
		}
		seen := len(a.manager.Snapshot().Received)
		updates, unsubscribe := a.manager.Subscribe()
		defer unsubscribe()
		timeout := time.After(sendListen)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timeout:
				return nil
			case snap, open := <-updates:
				if !open {
					return nil
				}
				for _, r := range snap.Received[min(seen, len(snap.Received)):] {
					fmt.Printf("recv: %s\n", strings.TrimRight(r.Text, "\r\n"))
				}
				seen = len(snap.Received)
			}
		}
	},
}

func init() {
	sendCmd.Flags().IntVar(&sendRetries, "retries", 0, "explicit connect retries with backoff")
	sendCmd.Flags().DurationVar(&sendListen, "listen", 0, "print notifications for this long after sending")
	rootCmd.AddCommand(sendCmd)
}
