package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/poller"
	"github.com/srg/bmsbridge/internal/publish"
	"github.com/srg/bmsbridge/internal/session"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvPrefix prefixes every environment override, e.g. BMS_DEVICE_ADDRESS
const EnvPrefix = "BMS"

// Config holds application configuration
type Config struct {
	Device DeviceConfig `mapstructure:"device" yaml:"device"`
	Bus    BusConfig    `mapstructure:"bus" yaml:"bus"`
	Poll   PollConfig   `mapstructure:"poll" yaml:"poll"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type DeviceConfig struct {
	Address         string        `mapstructure:"address" yaml:"address"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" default:"10s"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout" default:"5s"`
	ConnectSettle   time.Duration `mapstructure:"connect_settle" yaml:"connect_settle" default:"500ms"`
	SubscribeSettle time.Duration `mapstructure:"subscribe_settle" yaml:"subscribe_settle" default:"200ms"`
	Pair            bool          `mapstructure:"pair" yaml:"pair"`
	NotifyUUID      string        `mapstructure:"notify_uuid" yaml:"notify_uuid" default:"0000ff01-0000-1000-8000-00805f9b34fb"`
	WriteUUID       string        `mapstructure:"write_uuid" yaml:"write_uuid" default:"0000ff02-0000-1000-8000-00805f9b34fb"`
}

type BusConfig struct {
	URL      string        `mapstructure:"url" yaml:"url" default:"tcp://localhost:1883"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix" default:"bms"`
	ClientID string        `mapstructure:"client_id" yaml:"client_id" default:"bmsbridge"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	QoS      int           `mapstructure:"qos" yaml:"qos" default:"1"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" default:"5s"`
}

type PollConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval" default:"30s"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" default:"5"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" default:"info"`
	Format     string `mapstructure:"format" yaml:"format" default:"text"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" default:"10"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" default:"3"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" default:"28"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// settings flattens c into viper keys
func (c *Config) settings() map[string]any {
	return map[string]any{
		"device.address":          c.Device.Address,
		"device.connect_timeout":  c.Device.ConnectTimeout,
		"device.response_timeout": c.Device.ResponseTimeout,
		"device.connect_settle":   c.Device.ConnectSettle,
		"device.subscribe_settle": c.Device.SubscribeSettle,
		"device.pair":             c.Device.Pair,
		"device.notify_uuid":      c.Device.NotifyUUID,
		"device.write_uuid":       c.Device.WriteUUID,
		"bus.url":                 c.Bus.URL,
		"bus.prefix":              c.Bus.Prefix,
		"bus.client_id":           c.Bus.ClientID,
		"bus.username":            c.Bus.Username,
		"bus.password":            c.Bus.Password,
		"bus.qos":                 c.Bus.QoS,
		"bus.timeout":             c.Bus.Timeout,
		"poll.interval":           c.Poll.Interval,
		"poll.failure_threshold":  c.Poll.FailureThreshold,
		"log.level":               c.Log.Level,
		"log.format":              c.Log.Format,
		"log.file":                c.Log.File,
		"log.max_size_mb":         c.Log.MaxSizeMB,
		"log.max_backups":         c.Log.MaxBackups,
		"log.max_age_days":        c.Log.MaxAgeDays,
		"log.compress":            c.Log.Compress,
	}
}

// FlagBindings maps command-line flag names onto config keys
var FlagBindings = map[string]string{
	"address":          "device.address",
	"connect-timeout":  "device.connect_timeout",
	"response-timeout": "device.response_timeout",
	"pair":             "device.pair",
	"bus":              "bus.url",
	"prefix":           "bus.prefix",
	"interval":         "poll.interval",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"log-file":         "log.file",
}

// Load builds the configuration from defaults, an optional YAML file,
// BMS_* environment variables and flags, in increasing precedence.
// Flags not present in flags are skipped.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	for key, value := range cfg.settings() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagBindings {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Device.Address) == "" {
		errs = append(errs, errors.New("device.address is required"))
	}
	if c.Device.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("device.connect_timeout must be > 0"))
	}
	if c.Device.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("device.response_timeout must be > 0"))
	}
	if c.Device.ConnectSettle < 0 || c.Device.SubscribeSettle < 0 {
		errs = append(errs, errors.New("device settle delays must not be negative"))
	}
	if _, err := device.ValidateUUID(c.Device.NotifyUUID, c.Device.WriteUUID); err != nil {
		errs = append(errs, fmt.Errorf("device characteristic UUIDs: %w", err))
	}

	if _, err := publish.BackendFor(c.Bus.URL); err != nil {
		errs = append(errs, fmt.Errorf("bus.url: %w", err))
	}
	if c.Bus.QoS < 0 || c.Bus.QoS > 2 {
		errs = append(errs, fmt.Errorf("bus.qos must be 0, 1 or 2, got %d", c.Bus.QoS))
	}
	if c.Bus.Timeout <= 0 {
		errs = append(errs, errors.New("bus.timeout must be > 0"))
	}

	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be > 0"))
	}
	if c.Poll.FailureThreshold <= 0 {
		errs = append(errs, errors.New("poll.failure_threshold must be > 0"))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SessionOptions maps the device section onto session options
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Address:         c.Device.Address,
		ConnectTimeout:  c.Device.ConnectTimeout,
		ResponseTimeout: c.Device.ResponseTimeout,
		ConnectSettle:   c.Device.ConnectSettle,
		SubscribeSettle: c.Device.SubscribeSettle,
		Pair:            c.Device.Pair,
		NotifyChar:      c.Device.NotifyUUID,
		WriteChar:       c.Device.WriteUUID,
	}
}

// PublishConfig maps the bus section onto publisher config
func (c *Config) PublishConfig() publish.Config {
	return publish.Config{
		URL:      c.Bus.URL,
		ClientID: c.Bus.ClientID,
		Username: c.Bus.Username,
		Password: c.Bus.Password,
		QoS:      byte(c.Bus.QoS),
		Timeout:  c.Bus.Timeout,
	}
}

// PollerConfig maps the poll section onto poller config
func (c *Config) PollerConfig() poller.Config {
	return poller.Config{
		Interval:         c.Poll.Interval,
		FailureThreshold: c.Poll.FailureThreshold,
		Prefix:           c.Bus.Prefix,
	}
}

// NewLogger creates a configured logger instance writing to stderr and,
// when log.file is set, to a size-rotated file.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	if c.Log.File != "" {
		logger.SetOutput(io.MultiWriter(os.Stderr, c.fileWriter()))
	}
	return logger, nil
}

func (c *Config) fileWriter() *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB, // MB
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays, // days
		Compress:   c.Log.Compress,
		LocalTime:  true,
	}
}
