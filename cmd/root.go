package cmd

import (
	"fmt"
	"os"

	"github.com/ebfe/scard"
	"github.com/spf13/cobra"

	"tokencore/app"
	"tokencore/management"
	"tokencore/output"
	"tokencore/pcsc"
)

var (
	version = "0.1.0"

	readerName string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "tokenctl",
	Short: "Security token reader/management CLI",
	Long: `tokenctl v` + version + `
Inspect and manage security tokens over PC/SC.

This tool supports:
  - Listing attached smart-card readers
  - Watching for card insertion/removal
  - Reading Management application device info
  - Establishing a GlobalPlatform secure channel (SCP03)`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&readerName, "reader", "r", "",
		"Reader name (use 'tokenctl readers' to see available readers)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false,
		"Suppress the auto-selected-reader and reader/ATR lines (results are still printed as tables, not JSON)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetVersion returns the current version.
func GetVersion() string {
	return version
}

// connectAndPrepareReader auto-selects a reader when none was specified,
// connects to it, and returns the open connection.
func connectAndPrepareReader() (*pcsc.Context, *pcsc.Connection, error) {
	ctx, err := pcsc.EstablishContext()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to establish context: %w", err)
	}

	name := readerName
	if name == "" {
		readers, err := ctx.ListReaders()
		if err != nil {
			ctx.Release()
			return nil, nil, fmt.Errorf("failed to list readers: %w", err)
		}
		if len(readers) == 0 {
			ctx.Release()
			return nil, nil, fmt.Errorf("no smart card readers found")
		}
		if len(readers) > 1 {
			output.PrintReaderList(readers)
			ctx.Release()
			return nil, nil, fmt.Errorf("multiple readers found, use -r <name> to select one")
		}
		name = readers[0]
		if !outputJSON {
			output.PrintSuccess(fmt.Sprintf("Auto-selected reader: %s", name))
		}
	}

	conn, err := pcsc.Connect(ctx, name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}

	if !outputJSON {
		if atr, err := conn.ATR(); err == nil {
			output.PrintReaderInfo(conn.ReaderName(), atr)
		}
	}

	return ctx, conn, nil
}

// openManagementSession selects the Management application on conn.
func openManagementSession(conn *pcsc.Connection) (*management.Session, error) {
	return management.Open(app.New(conn))
}
