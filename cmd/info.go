package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tokencore/output"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Read device information from the Management application",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, conn, err := connectAndPrepareReader()
		if err != nil {
			return err
		}
		defer ctx.Release()
		defer conn.Disconnect()

		mgmt, err := openManagementSession(conn)
		if err != nil {
			return fmt.Errorf("failed to select management application: %w", err)
		}

		info, err := mgmt.GetDeviceInfo()
		if err != nil {
			return fmt.Errorf("failed to read device info: %w", err)
		}

		output.PrintDeviceInfo(info)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
