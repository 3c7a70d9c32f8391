package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var playOffset time.Duration

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage files stored on the device",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List files stored on the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(cmd, func(a *app) error {
			files, err := a.manager.ListRemoteFiles(cmd.Context())
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("No files on device.")
				return nil
			}
			for _, f := range files {
				fmt.Printf("%-40s %s\n", f.Name, f.Modified.Format(time.DateTime))
			}
			return nil
		})
	},
}

var filesPlayCmd = &cobra.Command{
	Use:   "play <name>",
	Short: "Play a stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(cmd, func(a *app) error {
			return a.manager.PlayRemoteFile(cmd.Context(), args[0], playOffset)
		})
	},
}

var filesPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause playback",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(cmd, func(a *app) error {
			return a.manager.PauseRemote(cmd.Context())
		})
	},
}

var filesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(cmd, func(a *app) error {
			if err := a.manager.DeleteRemoteFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}

// withConnection opens the app, connects, and runs fn.
func withConnection(cmd *cobra.Command, fn func(a *app) error) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	cmd.SetContext(ctx)

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.connect(ctx); err != nil {
		return err
	}
	return fn(a)
}

func init() {
	filesPlayCmd.Flags().DurationVar(&playOffset, "at", 0, "start offset (whole seconds)")
	filesCmd.AddCommand(filesListCmd, filesPlayCmd, filesPauseCmd, filesDeleteCmd)
	rootCmd.AddCommand(filesCmd)
}
