package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/bmsbridge/internal/devicefactory"
	"github.com/srg/bmsbridge/internal/poller"
	"github.com/srg/bmsbridge/internal/publish"
	"github.com/srg/bmsbridge/internal/session"
	"github.com/srg/bmsbridge/pkg/config"
)

// newPublisher opens the bus connection; tests replace it.
var newPublisher = publish.New

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the BMS on an interval and publish its metrics",
		Long: `Connects to the BMS once per interval, requests BasicInfo and CellInfo,
and publishes the decoded metrics as retained messages below the topic prefix:

  <prefix>/voltage, current, soc, power, temperature_avg, cycles,
  capacity_remaining, capacity_full, cell_voltages, health, status

Runs until interrupted (Ctrl+C or SIGTERM).

Examples:
  # Publish to a local MQTT broker every 30s
  bmsbridge run --address A4:C1:38:00:11:22

  # Publish to Redis every 10s below garage/bms
  bmsbridge run --address A4:C1:38:00:11:22 --bus redis://localhost:6379/0 \
      --prefix garage/bms --interval 10s

  # Everything from a config file, address from the environment
  BMS_DEVICE_ADDRESS=A4:C1:38:00:11:22 bmsbridge run --config bmsbridge.yaml`,
		Args: cobra.NoArgs,
		RunE: runBridge,
	}

	f := cmd.Flags()
	f.String("address", "", "BMS device address (BMS_DEVICE_ADDRESS)")
	f.String("bus", "", "Bus URL: tcp://, mqtt://, ssl://, ws://, redis://, rediss:// or memory:// (BMS_BUS_URL)")
	f.String("prefix", "", "Topic prefix (BMS_BUS_PREFIX)")
	f.Duration("interval", 0, "Polling interval (BMS_POLL_INTERVAL)")
	addDeviceFlags(f)

	return cmd
}

// addDeviceFlags registers the connection flags shared by run and query
func addDeviceFlags(f *pflag.FlagSet) {
	f.Duration("connect-timeout", 0, "Connection timeout (BMS_DEVICE_CONNECT_TIMEOUT)")
	f.Duration("response-timeout", 0, "Time to wait for each response frame (BMS_DEVICE_RESPONSE_TIMEOUT)")
	f.Bool("pair", false, "Request pairing after connecting (BMS_DEVICE_PAIR)")
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := configureLogger(cmd, cfg, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, err := newPublisher(ctx, cfg.PublishConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.WithField("error", err).Warn("Failed to close publisher")
		}
	}()

	p, err := poller.New(cfg.PollerConfig(), cycleFactory(cfg, logger), pub, logger)
	if err != nil {
		return err
	}
	defer releaseDevice(logger)

	logger.WithFields(logrus.Fields{
		"address": cfg.Device.Address,
		"prefix":  cfg.Bus.Prefix,
	}).Info("Bridge started")

	return p.Run(ctx)
}

// releaseDevice stops the BLE adapter the cycles shared
func releaseDevice(logger *logrus.Logger) {
	if err := devicefactory.CloseDevice(); err != nil {
		logger.WithField("error", err).Warn("Failed to release BLE device")
	}
}

// cycleFactory opens a fresh transport and session for every poll.
// Transports share one BLE adapter for the life of the process.
func cycleFactory(cfg *config.Config, logger *logrus.Logger) poller.CycleFactory {
	opts := cfg.SessionOptions()
	return func() poller.Cycle {
		return session.New(devicefactory.NewTransport(logger), opts, logger)
	}
}
