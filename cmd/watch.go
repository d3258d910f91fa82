package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tokencore/output"
	"tokencore/pcsc"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch for card insertion and removal across all readers",
	RunE: func(cmd *cobra.Command, args []string) error {
		listener := pcsc.NewListener(slog.Default())
		if err := listener.Err(); err != nil {
			return err
		}
		defer listener.Dispose()

		listener.Subscribe(func(ev pcsc.Event) {
			output.PrintEvent(ev)
		})

		output.PrintSuccess("Watching for card events. Press Ctrl+C to stop.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
