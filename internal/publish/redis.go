package publish

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisPublisher stores each retained value under its topic key and
// announces it on the channel of the same name. Both happen in one
// MULTI/EXEC transaction per poll.
type RedisPublisher struct {
	client *redis.Client
	logger *logrus.Logger
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedis connects to the server at cfg.URL (redis:// or rediss://)
func NewRedis(ctx context.Context, cfg Config, logger *logrus.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.ClientName = cfg.ClientID
	opts.DialTimeout = cfg.Timeout
	opts.ReadTimeout = cfg.Timeout
	opts.WriteTimeout = cfg.Timeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", opts.Addr, err)
	}

	logger.WithField("addr", opts.Addr).Info("Connected to Redis")
	return newRedisPublisher(client, logger), nil
}

func newRedisPublisher(client *redis.Client, logger *logrus.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	pipe := p.client.TxPipeline()
	for _, m := range msgs {
		if m.Retained {
			pipe.Set(ctx, m.Topic, m.Payload, 0)
		}
		pipe.Publish(ctx, m.Topic, m.Payload)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %d messages to redis: %w", len(msgs), err)
	}

	p.logger.WithField("messages", len(msgs)).Debug("Published to redis")
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
