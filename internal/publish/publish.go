package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned when publishing after Close
	ErrClosed = errors.New("publisher closed")

	// ErrTimeout is returned when the bus does not acknowledge in time
	ErrTimeout = errors.New("bus timeout")

	// ErrUnsupportedScheme is returned for bus URLs no backend handles
	ErrUnsupportedScheme = errors.New("unsupported bus URL scheme")
)

// Config selects and configures a bus backend
type Config struct {
	URL      string
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

// Backend names the publisher implementation serving a URL scheme
type Backend string

const (
	BackendMQTT   Backend = "mqtt"
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

// BackendFor maps the scheme of rawURL onto a backend
func BackendFor(rawURL string) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid bus URL %q: %w", rawURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
		return BackendMQTT, nil
	case "redis", "rediss":
		return BackendRedis, nil
	case "memory":
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// New creates the publisher matching cfg.URL
func New(ctx context.Context, cfg Config, logger *logrus.Logger) (Publisher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	backend, err := BackendFor(cfg.URL)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"backend": backend,
		"url":     redactURL(cfg.URL),
	}).Debug("Creating publisher")

	switch backend {
	case BackendMQTT:
		return NewMQTT(cfg, logger)
	case BackendRedis:
		return NewRedis(ctx, cfg, logger)
	default:
		return NewMemory(), nil
	}
}

// redactURL hides the password of a URL for logging
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Redacted()
}
