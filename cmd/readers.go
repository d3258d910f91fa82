package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tokencore/output"
	"tokencore/pcsc"
)

var readersCmd = &cobra.Command{
	Use:   "readers",
	Short: "List attached smart-card readers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := pcsc.EstablishContext()
		if err != nil {
			return fmt.Errorf("failed to establish context: %w", err)
		}
		defer ctx.Release()

		readers, err := ctx.ListReaders()
		if err != nil {
			return fmt.Errorf("failed to list readers: %w", err)
		}
		output.PrintReaderList(readers)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(readersCmd)
}
