package publish

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// mqttClient is the part of mqtt.Client used by MQTTPublisher
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// newMQTTClient creates the paho client (can be overridden in tests)
var newMQTTClient = func(opts *mqtt.ClientOptions) mqttClient {
	return mqtt.NewClient(opts)
}

// MQTTPublisher publishes retained messages with QoS 1 by default
type MQTTPublisher struct {
	client  mqttClient
	qos     byte
	timeout time.Duration
	logger  *logrus.Logger
}

var _ Publisher = (*MQTTPublisher)(nil)

// brokerURL maps mqtt:// and mqtts:// onto the schemes paho dials
func brokerURL(u *url.URL) string {
	b := *u
	switch b.Scheme {
	case "mqtt":
		b.Scheme = "tcp"
	case "mqtts":
		b.Scheme = "ssl"
	}
	b.Path = ""
	b.RawQuery = ""
	b.User = nil
	return b.String()
}

// NewMQTT connects to the broker at cfg.URL
func NewMQTT(cfg Config, logger *logrus.Logger) (*MQTTPublisher, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL %q: %w", cfg.URL, err)
	}

	broker := brokerURL(u)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(true).
		SetCleanSession(true)

	username, password := cfg.Username, cfg.Password
	if u.User != nil && username == "" {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	if username != "" {
		opts.SetUsername(username).SetPassword(password)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.WithField("broker", broker).Info("Connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithFields(logrus.Fields{
			"broker": broker,
			"error":  err,
		}).Warn("Lost connection to MQTT broker")
	})

	client := newMQTTClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", broker, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", broker, err)
	}

	return &MQTTPublisher{
		client:  client,
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, msgs []Message) error {
	var failed []string
	var firstErr error

	for _, m := range msgs {
		token := p.client.Publish(m.Topic, p.qos, m.Retained, m.Payload)
		if err := p.wait(ctx, token); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed = append(failed, m.Topic)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.logger.WithFields(logrus.Fields{
			"topic":   m.Topic,
			"payload": string(m.Payload),
		}).Debug("Published")
	}

	if firstErr != nil {
		return fmt.Errorf("failed to publish %s: %w", strings.Join(failed, ", "), firstErr)
	}
	return nil
}

func (p *MQTTPublisher) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
