package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/groutine"
)

// GATTClient is the subset of ble.Client used by Transport
type GATTClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// pairingClient is implemented by stacks that can bond with a peripheral
type pairingClient interface {
	Pair() error
}

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// The HCI device is opened once per process and shared by every Transport.
// On Linux it holds an exclusive HCI user channel, so a second open fails
// while the first is alive.
var (
	hostMutex sync.Mutex
	host      ble.Device
)

// hostDevice returns the shared device, opening it on first use
func hostDevice() (ble.Device, error) {
	hostMutex.Lock()
	defer hostMutex.Unlock()

	if host != nil {
		return host, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	host = dev
	return dev, nil
}

// CloseDevice stops the shared device. The next Connect opens it again.
// Safe to call when no device was opened.
func CloseDevice() error {
	hostMutex.Lock()
	defer hostMutex.Unlock()

	if host == nil {
		return nil
	}
	err := host.Stop()
	host = nil
	ble.SetDefaultDevice(nil)
	if err != nil {
		return fmt.Errorf("failed to stop BLE device: %w", err)
	}
	return nil
}

// Dial connects to the peripheral at address (can be overridden in tests)
var Dial = func(ctx context.Context, address string) (GATTClient, error) {
	if _, err := hostDevice(); err != nil {
		return nil, err
	}

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, device.NormalizeError(err)
	}
	return client, nil
}

// Transport implements device.Transport on top of go-ble
type Transport struct {
	logger *logrus.Logger

	connMutex  sync.RWMutex
	writeMutex sync.Mutex
	client     GATTClient
	address    string
	chars      map[string]*ble.Characteristic // normalized UUID -> characteristic

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var (
	_ device.Transport   = (*Transport)(nil)
	_ device.LinkMonitor = (*Transport)(nil)
)

// NewTransport creates a disconnected transport
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		chars:  make(map[string]*ble.Characteristic),
		ctx:    context.Background(),
	}
}

// Connect dials the peripheral and indexes its characteristics
func (t *Transport) Connect(ctx context.Context, address string, timeout time.Duration) error {
	t.connMutex.Lock()
	defer t.connMutex.Unlock()

	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("device address is empty")
	}
	if t.client != nil {
		t.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := Dial(connCtx, address)
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	chars := indexCharacteristics(profile)

	t.client = client
	t.address = address
	t.chars = chars
	t.ctx, t.cancel = context.WithCancelCause(ctx)

	// Watch for link loss reported by the stack
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		monitorCtx := t.ctx
		cancelConn := t.cancel
		groutine.Go(monitorCtx, "ble-connection-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				t.logger.WithField("address", address).Warn("Peripheral reported disconnection")
				cancelConn(device.ErrNotConnected)
			case <-monitorCtx.Done():
			}
		})
	}

	t.logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        len(profile.Services),
		"characteristics": len(chars),
	}).Info("BLE device connected successfully")
	return nil
}

// indexCharacteristics maps normalized characteristic UUIDs to the discovered
// characteristics. Characteristics of the JBD service win over same-UUID
// characteristics of other services; otherwise the first one found is kept.
func indexCharacteristics(profile *ble.Profile) map[string]*ble.Characteristic {
	jbdService := device.NormalizeUUID(device.ServiceUUID)

	chars := make(map[string]*ble.Characteristic)
	for _, svc := range profile.Services {
		primary := device.NormalizeUUID(svc.UUID.String()) == jbdService
		for _, c := range svc.Characteristics {
			key := device.NormalizeUUID(c.UUID.String())
			if _, taken := chars[key]; taken && !primary {
				continue
			}
			chars[key] = c
		}
	}
	return chars
}

// ConnectionContext is cancelled when the link drops or Disconnect is called
func (t *Transport) ConnectionContext() context.Context {
	t.connMutex.RLock()
	defer t.connMutex.RUnlock()
	return t.ctx
}

// Pair bonds with the peripheral when the underlying client supports it.
func (t *Transport) Pair(_ context.Context) error {
	t.connMutex.RLock()
	client := t.client
	t.connMutex.RUnlock()

	if client == nil {
		return device.ErrNotConnected
	}
	p, ok := client.(pairingClient)
	if !ok {
		return fmt.Errorf("pairing: %w", device.ErrUnsupported)
	}
	return device.NormalizeError(p.Pair())
}

// lookup resolves a characteristic while holding the read lock
func (t *Transport) lookup(uuid string) (GATTClient, *ble.Characteristic, error) {
	t.connMutex.RLock()
	defer t.connMutex.RUnlock()

	if t.client == nil {
		return nil, nil, device.ErrNotConnected
	}
	if cause := context.Cause(t.ctx); cause != nil {
		return nil, nil, fmt.Errorf("connection lost: %w", cause)
	}

	c, ok := t.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return t.client, c, nil
}

// useIndication reports whether a subscription must use indications: only
// when the characteristic cannot notify.
func useIndication(c *ble.Characteristic) bool {
	return c.Property&ble.CharNotify == 0
}

// StartNotify subscribes handler to notifications (or indications) of the characteristic
func (t *Transport) StartNotify(uuid string, handler device.NotificationHandler) error {
	client, c, err := t.lookup(uuid)
	if err != nil {
		return err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications: %w", uuid, device.ErrUnsupported)
	}

	if err := client.Subscribe(c, useIndication(c), func(data []byte) { handler(data) }); err != nil {
		t.logger.WithFields(logrus.Fields{
			"char_uuid": uuid,
			"error":     err,
		}).Error("Failed to subscribe to characteristic notifications")
		return fmt.Errorf("failed to subscribe to %s: %w", uuid, device.NormalizeError(err))
	}

	t.logger.WithField("char_uuid", uuid).Debug("Subscribed to characteristic notifications")
	return nil
}

// StopNotify cancels a notification subscription
func (t *Transport) StopNotify(uuid string) error {
	client, c, err := t.lookup(uuid)
	if err != nil {
		return err
	}
	if err := client.Unsubscribe(c, useIndication(c)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", uuid, device.NormalizeError(err))
	}
	t.logger.WithField("char_uuid", uuid).Debug("Unsubscribed from characteristic notifications")
	return nil
}

// Write sends data to the characteristic. Writes are serialized.
func (t *Transport) Write(uuid string, data []byte, withResponse bool) error {
	client, c, err := t.lookup(uuid)
	if err != nil {
		return err
	}

	if withResponse && c.Property&ble.CharWrite == 0 {
		return fmt.Errorf("characteristic %s does not support write with response: %w", uuid, device.ErrUnsupported)
	}
	if !withResponse && c.Property&ble.CharWriteNR == 0 {
		return fmt.Errorf("characteristic %s does not support write without response: %w", uuid, device.ErrUnsupported)
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	if err := client.WriteCharacteristic(c, data, !withResponse); err != nil {
		return fmt.Errorf("failed to write to characteristic %s: %w", uuid, device.NormalizeError(err))
	}
	t.logger.WithFields(logrus.Fields{
		"char_uuid":     uuid,
		"bytes":         len(data),
		"with_response": withResponse,
	}).Debug("Wrote characteristic")
	return nil
}

// Disconnect cancels the connection. Calling it while disconnected is a no-op.
func (t *Transport) Disconnect() error {
	t.connMutex.Lock()
	if t.client == nil {
		t.connMutex.Unlock()
		t.logger.Debug("Disconnect called but already disconnected")
		return nil
	}

	client := t.client
	cancel := t.cancel
	address := t.address

	t.client = nil
	t.cancel = nil
	t.chars = make(map[string]*ble.Characteristic)
	t.connMutex.Unlock()

	if cancel != nil {
		cancel(nil) // normal disconnection, no error cause
	}

	// Network call outside the lock
	err := client.CancelConnection()
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
		return device.NormalizeError(err)
	}

	t.logger.WithField("address", address).Info("BLE device disconnected successfully")
	return nil
}
