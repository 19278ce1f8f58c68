package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bmsbridge/pkg/config"
)

// loadConfig reads --config, BMS_* environment variables and the command's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

// configureLogger creates the logger described by cfg.
// Interactive commands pass their verbose flag name: unless --log-level is
// given they only log errors, or everything with --verbose, so log lines do
// not interleave with their output.
func configureLogger(cmd *cobra.Command, cfg *config.Config, verboseFlagName string) (*logrus.Logger, error) {
	if verboseFlagName != "" && !cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logrus.ErrorLevel.String()
		if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
			cfg.Log.Level = logrus.DebugLevel.String()
		}
	}
	return cfg.NewLogger()
}
