package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bmsbridge/internal/poller"
	"github.com/srg/bmsbridge/internal/publish"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <device-address>",
		Short: "Poll the BMS once and print its metrics",
		Long: `Runs a single polling cycle against the BMS (connect, BasicInfo, CellInfo,
disconnect) and prints the decoded metrics.

Examples:
  # Human readable table
  bmsbridge query A4:C1:38:00:11:22

  # Same document the bridge publishes on <prefix>/status
  bmsbridge query A4:C1:38:00:11:22 --format json

  # Pair first and allow a slow device more time
  bmsbridge query A4:C1:38:00:11:22 --pair --response-timeout 10s --format yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runQuery,
	}

	f := cmd.Flags()
	f.String("format", formatTable, "Output format (table, json, yaml)")
	f.Bool("verbose", false, "Show debug logs")
	addDeviceFlags(f)

	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := validateFormat(format); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Device.Address = args[0]
	cfg.Bus.URL = "memory://"
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	mem := publish.NewMemory()
	defer mem.Close()
	defer releaseDevice(logger)

	p, err := poller.New(cfg.PollerConfig(), cycleFactory(cfg, logger), mem, logger)
	if err != nil {
		return err
	}

	out := p.RunOnce(cmd.Context())
	if out.Err != nil {
		return out.Err
	}
	if out.Result == nil || out.Result.Basic == nil {
		return fmt.Errorf("%w from %s", ErrNoResponse, cfg.Device.Address)
	}

	return writeReport(cmd.OutOrStdout(), format, out.Result.Basic, out.Result.Cells, time.Now())
}
