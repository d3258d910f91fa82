// Package output renders CLI results as tables and status lines using the
// same go-pretty table styling and color scheme the rest of the corpus uses
// for terminal tools.
package output

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"tokencore/management"
	"tokencore/pcsc"
)

var (
	colorHeader  = text.Colors{text.FgCyan, text.Bold}
	colorLabel   = text.Colors{text.FgYellow}
	colorValue   = text.Colors{text.FgWhite}
	colorSuccess = text.Colors{text.FgGreen}
	colorError   = text.Colors{text.FgRed}
	colorWarn    = text.Colors{text.FgYellow}
)

func getTableStyle() table.Style {
	style := table.StyleRounded
	style.Color.Header = colorHeader
	style.Color.Row = text.Colors{text.FgWhite}
	style.Color.RowAlternate = text.Colors{text.FgHiWhite}
	style.Options.SeparateRows = false
	return style
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(getTableStyle())
	t.Style().Options.SeparateRows = false
	return t
}

// PrintReaderList prints the readers currently attached to the platform
// binding (spec §4.1 C1 "list readers").
func PrintReaderList(readers []string) {
	fmt.Println()
	t := newTable()
	t.SetTitle("AVAILABLE READERS")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 8},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})
	if len(readers) == 0 {
		t.AppendRow(table.Row{"Status", colorWarn.Sprint("No readers found")})
	} else {
		for i, r := range readers {
			t.AppendRow(table.Row{fmt.Sprintf("[%d]", i), r})
		}
	}
	t.Render()
}

// PrintReaderInfo prints the reader name and decoded ATR (spec §4.3 C3).
func PrintReaderInfo(readerName string, atr pcsc.ATR) {
	fmt.Println()
	t := newTable()
	t.SetTitle("READER & CARD INFO")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 15},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})
	t.AppendRow(table.Row{"Reader", readerName})
	t.AppendRow(table.Row{"ATR", fmt.Sprintf("% X", atr.Raw)})
	protoStrs := make([]string, len(atr.Protocols))
	for i, p := range atr.Protocols {
		protoStrs[i] = fmt.Sprintf("T=%d", p)
	}
	t.AppendRow(table.Row{"Protocols", protoStrs})
	t.Render()
}

// PrintDeviceInfo prints a decoded Management DeviceInfo aggregate (spec
// §4.6 C6).
func PrintDeviceInfo(info *management.DeviceInfo) {
	fmt.Println()
	t := newTable()
	t.SetTitle("DEVICE INFORMATION")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 22},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})

	if info.Serial != nil {
		t.AppendRow(table.Row{"Serial", *info.Serial})
	} else {
		t.AppendRow(table.Row{"Serial", colorWarn.Sprint("(not present)")})
	}
	t.AppendRow(table.Row{"Firmware", info.Firmware.String()})
	if info.VersionQualifier != nil {
		t.AppendRow(table.Row{"Qualifier", fmt.Sprintf("%s (build %d)", info.VersionQualifier.Version.String(), info.VersionQualifier.Iteration)})
	}
	t.AppendRow(table.Row{"Form factor", fmt.Sprintf("%d", info.FormFactor)})
	t.AppendRow(table.Row{"FIPS series", info.IsFIPSSeries})
	t.AppendRow(table.Row{"Sky series", info.IsSkySeries})
	t.AppendRow(table.Row{"Config locked", info.ConfigLocked})
	t.AppendRow(table.Row{"NFC restricted", info.NFCRestricted})
	if info.PartNumber != "" {
		t.AppendRow(table.Row{"Part number", info.PartNumber})
	}
	t.Render()

	fmt.Println()
	t2 := newTable()
	t2.SetTitle("CAPABILITIES")
	t2.AppendHeader(table.Row{"Capability", "USB supported", "USB enabled", "NFC supported", "NFC enabled"})
	t2.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 14},
	})
	for _, c := range []struct {
		name string
		bit  management.Capability
	}{
		{"OTP", management.CapabilityOTP},
		{"U2F", management.CapabilityU2F},
		{"OpenPGP", management.CapabilityOpenPGP},
		{"PIV", management.CapabilityPIV},
		{"OATH", management.CapabilityOATH},
		{"HSM Auth", management.CapabilityHSMAuth},
		{"FIDO2", management.CapabilityFIDO2},
	} {
		t2.AppendRow(table.Row{
			c.name,
			checkmark(info.USBSupported&c.bit != 0),
			checkmark(info.HasCapability(management.TransportUSB, c.bit)),
			checkmark(info.NFCSupported&c.bit != 0),
			checkmark(info.HasCapability(management.TransportNFC, c.bit)),
		})
	}
	t2.Render()
}

func checkmark(b bool) string {
	if b {
		return colorSuccess.Sprint("✓")
	}
	return colorError.Sprint("✗")
}

// PrintEvent prints a device arrival/removal notification (spec §4.4 C4).
func PrintEvent(ev pcsc.Event) {
	switch ev.Kind {
	case pcsc.EventArrived:
		PrintSuccess(fmt.Sprintf("%s: card inserted (ATR % X)", ev.ReaderName, ev.ATR))
	case pcsc.EventRemoved:
		PrintWarning(fmt.Sprintf("%s: card removed", ev.ReaderName))
	}
}

// PrintError prints an error message.
func PrintError(msg string) {
	fmt.Println(colorError.Sprintf("✗ Error: %s", msg))
}

// PrintSuccess prints a success message.
func PrintSuccess(msg string) {
	fmt.Println(colorSuccess.Sprintf("✓ %s", msg))
}

// PrintWarning prints a warning message.
func PrintWarning(msg string) {
	fmt.Println(colorWarn.Sprintf("⚠ %s", msg))
}
