package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blectl/internal/comms"
)

var uploadRetries int

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload files to the device, one after another",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.connectWithRetry(ctx, uploadRetries); err != nil {
			return err
		}

		var ids []string
		for _, path := range args {
			id, err := a.manager.UploadFile(path)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		failed := 0
		for _, id := range ids {
			t, err := a.manager.WaitTransfer(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println(formatTransfer(t))
			if t.Status == comms.TransferFailed {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d transfers failed", failed, len(ids))
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().IntVar(&uploadRetries, "retries", 0, "explicit connect retries with backoff")
	rootCmd.AddCommand(uploadCmd)
}
