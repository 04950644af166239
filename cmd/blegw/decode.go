package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blegw/internal/adv"
)

var decodeJSON bool

var decodeCmd = &cobra.Command{
	Use:   "decode <hex-payload>...",
	Short: "Decode raw advertisement payloads into AD fields",
	Long: `Splits raw advertisement payloads into their (length, type, data) fields,
the same way the gateway does before evaluating topic filters.

Examples:
  blegw decode 0201060709746865726d6f
  blegw decode --json 02010603031a18`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeJSON, "json", false, "Print fields as JSON")
}

var adTypeNames = map[string]string{
	"01": "Flags",
	"02": "Incomplete 16-bit UUIDs",
	"03": "Complete 16-bit UUIDs",
	"06": "Incomplete 128-bit UUIDs",
	"07": "Complete 128-bit UUIDs",
	"08": "Shortened Local Name",
	"09": "Complete Local Name",
	"0a": "TX Power Level",
	"16": "Service Data (16-bit)",
	"ff": "Manufacturer Specific",
}

func runDecode(cmd *cobra.Command, args []string) error {
	decoded := make([][]adv.Field, 0, len(args))
	for _, arg := range args {
		fields, err := adv.DecodeHex(strings.TrimPrefix(strings.TrimSpace(arg), "0x"))
		if err != nil {
			return err
		}
		decoded = append(decoded, fields)
	}

	out := cmd.OutOrStdout()
	if decodeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(decoded)
	}
	for i, fields := range decoded {
		printFields(out, i+1, fields)
	}
	return nil
}

func printFields(out io.Writer, n int, fields []adv.Field) {
	header := color.New(color.Bold).SprintFunc()
	typ := color.New(color.FgCyan).SprintFunc()
	name := color.New(color.FgGreen).SprintFunc()

	fmt.Fprintln(out, header(fmt.Sprintf("Payload %d: %d field(s)", n, len(fields))))
	for _, f := range fields {
		label, ok := adTypeNames[f.Type]
		if !ok {
			label = "Unknown"
		}
		line := fmt.Sprintf("  %s %-24s %s", typ(f.Type), label, f.Data)
		if f.Type == "08" || f.Type == "09" {
			if raw, err := hex.DecodeString(f.Data); err == nil {
				line += " " + name(fmt.Sprintf("%q", raw))
			}
		}
		fmt.Fprintln(out, line)
	}
}
