package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bmsbridge/internal/jbd"
)

func newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <hex-frame>",
		Short: "Decode a captured BasicInfo or CellInfo response frame",
		Long: `Decodes a JBD response frame given as hex, without any device.
Spaces, colons and a 0x prefix are ignored. Bytes after the first complete
frame are ignored.

Examples:
  bmsbridge decode "dd 04 00 08 0c d0 0c d1 0c cf 0c d5 fc 83 77"
  bmsbridge decode dd0400080cd00cd10ccf0cd5fc8377 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: runDecode,
	}

	cmd.Flags().String("format", formatTable, "Output format (table, json, yaml)")
	return cmd
}

// parseHexFrame accepts "dd 04 00", "dd:04:00", "0xdd0400" and plain hex
func parseHexFrame(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "-", "", "\n", "", "\t", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex frame: %w", err)
	}
	return data, nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := validateFormat(format); err != nil {
		return err
	}

	data, err := parseHexFrame(args[0])
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	frame, ok := jbd.NewReassembler().Feed(data)
	if !ok {
		return fmt.Errorf("incomplete frame: no 0x%02x terminator in %d bytes: %w", jbd.Terminator, len(data), jbd.ErrDecodeRejected)
	}

	decoded, err := jbd.Decode(frame)
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}

	var (
		basic *jbd.BasicMetrics
		cells jbd.CellVoltages
	)
	switch v := decoded.(type) {
	case *jbd.BasicMetrics:
		basic = v
	case jbd.CellVoltages:
		cells = v
	}

	return writeReport(cmd.OutOrStdout(), format, basic, cells, time.Now())
}
