//go:build test

package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// MockGATTClient is a scripted ble.Client subset
type MockGATTClient struct {
	mock.Mock

	mu           sync.Mutex
	handlers     map[string]ble.NotificationHandler
	disconnected chan struct{}
}

func NewMockGATTClient() *MockGATTClient {
	return &MockGATTClient{
		handlers:     make(map[string]ble.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

func (m *MockGATTClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockGATTClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.handlers[device.NormalizeUUID(c.UUID.String())] = h
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *MockGATTClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *MockGATTClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *MockGATTClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *MockGATTClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

// Notify delivers data to the handler subscribed to the characteristic
func (m *MockGATTClient) Notify(uuid string, data []byte) bool {
	m.mu.Lock()
	h, ok := m.handlers[device.NormalizeUUID(uuid)]
	m.mu.Unlock()
	if ok {
		h(data)
	}
	return ok
}

// stackClient exposes a MockGATTClient as a full ble.Client, the way a
// ble.Device hands it out from Dial
type stackClient struct {
	ble.Client
	gatt *MockGATTClient
}

func (c *stackClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	return c.gatt.DiscoverProfile(force)
}

func (c *stackClient) Subscribe(ch *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return c.gatt.Subscribe(ch, ind, h)
}

func (c *stackClient) Unsubscribe(ch *ble.Characteristic, ind bool) error {
	return c.gatt.Unsubscribe(ch, ind)
}

func (c *stackClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	return c.gatt.WriteCharacteristic(ch, value, noRsp)
}

func (c *stackClient) CancelConnection() error {
	return c.gatt.CancelConnection()
}

func (c *stackClient) Disconnected() <-chan struct{} {
	return c.gatt.Disconnected()
}

// exclusiveDevices hands out ble.Devices the way the Linux HCI user channel
// does: a second device cannot be opened while the first is not stopped.
type exclusiveDevices struct {
	mu      sync.Mutex
	client  ble.Client
	open    int
	created int
	stopped int
}

func (d *exclusiveDevices) factory() (ble.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open > 0 {
		return nil, errors.New("can't init hci: device or resource busy")
	}
	d.open++
	d.created++
	return &exclusiveDevice{owner: d}, nil
}

type exclusiveDevice struct {
	ble.Device
	owner *exclusiveDevices
}

func (e *exclusiveDevice) Dial(context.Context, ble.Addr) (ble.Client, error) {
	return e.owner.client, nil
}

func (e *exclusiveDevice) Stop() error {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	e.owner.open--
	e.owner.stopped++
	return nil
}

// MockPairingClient additionally supports bonding
type MockPairingClient struct {
	*MockGATTClient
}

func (m *MockPairingClient) Pair() error {
	return m.Called().Error(0)
}

type TransportTestSuite struct {
	suite.Suite

	helper   *testutils.TestHelper
	client   *MockGATTClient
	notify   *ble.Characteristic
	write    *ble.Characteristic
	origDial func(context.Context, string) (GATTClient, error)
	origDev  func() (ble.Device, error)
	dialed   string
}

func (s *TransportTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.origDial = Dial
	s.origDev = DeviceFactory

	s.notify = &ble.Characteristic{UUID: ble.MustParse("ff01"), Property: ble.CharNotify}
	s.write = &ble.Characteristic{UUID: ble.MustParse("ff02"), Property: ble.CharWrite | ble.CharWriteNR}
	profile := &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.MustParse("ff00"),
		Characteristics: []*ble.Characteristic{s.notify, s.write},
	}}}

	s.client = NewMockGATTClient()
	s.client.On("DiscoverProfile", true).Return(profile, nil).Maybe()
	s.client.On("CancelConnection").Return(nil).Maybe()
	s.useClient(s.client)
}

func (s *TransportTestSuite) TearDownTest() {
	s.NoError(CloseDevice())
	Dial = s.origDial
	DeviceFactory = s.origDev
}

func (s *TransportTestSuite) useClient(client GATTClient) {
	Dial = func(_ context.Context, address string) (GATTClient, error) {
		s.dialed = address
		return client, nil
	}
}

func (s *TransportTestSuite) connect() *Transport {
	t := NewTransport(s.helper.Logger)
	s.Require().NoError(t.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second))
	return t
}

func (s *TransportTestSuite) TestConnectIndexesCharacteristics() {
	t := s.connect()
	defer t.Disconnect()

	s.Equal("AA:BB:CC:DD:EE:FF", s.dialed)
	s.Len(t.chars, 2)
	s.Contains(t.chars, "ff01")
	s.Contains(t.chars, "ff02")
	s.NoError(t.ConnectionContext().Err())
}

func (s *TransportTestSuite) TestJBDServiceWinsOverShadowingCharacteristic() {
	// GOAL: Verify an ff01 characteristic of another service never replaces the JBD one
	//
	// TEST SCENARIO: Device information service also exposes ff01, listed before and after the JBD service → JBD characteristic indexed and subscribed

	decoy := &ble.Characteristic{UUID: ble.MustParse("ff01"), Property: ble.CharNotify | ble.CharRead}
	other := &ble.Service{UUID: ble.MustParse("180a"), Characteristics: []*ble.Characteristic{decoy}}
	jbdService := &ble.Service{UUID: ble.MustParse("ff00"), Characteristics: []*ble.Characteristic{s.notify, s.write}}

	orders := map[string][]*ble.Service{
		"other service first": {other, jbdService},
		"jbd service first":   {jbdService, other},
	}
	for name, services := range orders {
		s.Run(name, func() {
			client := NewMockGATTClient()
			client.On("DiscoverProfile", true).Return(&ble.Profile{Services: services}, nil)
			client.On("CancelConnection").Return(nil)
			client.On("Subscribe", s.notify, false, mock.Anything).Return(nil)
			s.useClient(client)

			t := s.connect()
			defer t.Disconnect()

			s.Same(s.notify, t.chars["ff01"])
			s.Require().NoError(t.StartNotify(device.NotifyUUID, func([]byte) {}))
			client.AssertNotCalled(s.T(), "Subscribe", decoy, mock.Anything, mock.Anything)
		})
	}
}

func (s *TransportTestSuite) TestDeviceSharedAcrossConnections() {
	// GOAL: Verify repeated polling cycles reuse one HCI device and CloseDevice releases it
	//
	// TEST SCENARIO: Exclusive device factory, two connect/disconnect cycles through the real Dial → both connect, one device opened; CloseDevice stops it; the next connect opens a new one

	devices := &exclusiveDevices{client: &stackClient{gatt: s.client}}
	DeviceFactory = devices.factory
	Dial = s.origDial

	for cycle := 1; cycle <= 2; cycle++ {
		t := NewTransport(s.helper.Logger)
		s.Require().NoError(t.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second), "cycle %d MUST connect", cycle)
		s.Require().NoError(t.Disconnect())
	}
	s.Equal(1, devices.created, "the device MUST be opened once for all cycles")
	s.Equal(0, devices.stopped, "disconnecting a peripheral MUST NOT stop the shared device")

	s.Require().NoError(CloseDevice())
	s.Equal(1, devices.stopped)
	s.Equal(0, devices.open)
	s.NoError(CloseDevice(), "a second close MUST be a no-op")

	t := NewTransport(s.helper.Logger)
	s.Require().NoError(t.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second))
	s.Require().NoError(t.Disconnect())
	s.Equal(2, devices.created, "a closed device MUST be reopened on demand")
}

func (s *TransportTestSuite) TestDeviceOpenFailure() {
	DeviceFactory = func() (ble.Device, error) {
		return nil, errors.New("can't init hci: is Bluetooth turned on?")
	}
	Dial = s.origDial

	err := NewTransport(s.helper.Logger).Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second)
	s.ErrorContains(err, "failed to create BLE device")
	s.ErrorIs(err, device.ErrBluetoothOff)
	s.NoError(CloseDevice(), "a failed open MUST leave nothing to close")
}

func (s *TransportTestSuite) TestConnectValidation() {
	t := NewTransport(s.helper.Logger)
	s.ErrorContains(t.Connect(context.Background(), " ", time.Second), "address is empty")

	s.Require().NoError(t.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second))
	defer t.Disconnect()
	s.ErrorIs(t.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second), device.ErrAlreadyConnected)
}

func (s *TransportTestSuite) TestConnectDialFailure() {
	Dial = func(context.Context, string) (GATTClient, error) {
		return nil, device.NormalizeError(errors.New("can't init hci: is Bluetooth turned on?"))
	}

	err := NewTransport(s.helper.Logger).Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second)
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *TransportTestSuite) TestConnectDiscoveryFailureCancelsConnection() {
	client := NewMockGATTClient()
	client.On("DiscoverProfile", true).Return(nil, errors.New("att: timeout"))
	client.On("CancelConnection").Return(nil)
	s.useClient(client)

	t := NewTransport(s.helper.Logger)
	err := t.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", time.Second)

	s.ErrorContains(err, "failed to discover profile")
	client.AssertCalled(s.T(), "CancelConnection")
	s.ErrorIs(t.Write(device.WriteUUID, []byte{0x01}, true), device.ErrNotConnected)
}

func (s *TransportTestSuite) TestStartNotifyDeliversData() {
	// GOAL: Verify notifications of the JBD notify characteristic reach the handler
	//
	// TEST SCENARIO: Subscribe by full 128-bit UUID → stack delivers chunk → handler receives it

	s.client.On("Subscribe", s.notify, false, mock.Anything).Return(nil)

	t := s.connect()
	defer t.Disconnect()

	var got []byte
	s.Require().NoError(t.StartNotify(device.NotifyUUID, func(data []byte) { got = append(got, data...) }))

	s.Require().True(s.client.Notify("ff01", []byte{0xdd, 0x04}))
	s.Equal([]byte{0xdd, 0x04}, got)
}

func (s *TransportTestSuite) TestStartNotifyErrors() {
	s.client.On("Subscribe", s.notify, false, mock.Anything).Return(errors.New("device not connected"))

	t := s.connect()
	defer t.Disconnect()

	err := t.StartNotify(device.NotifyUUID, func([]byte) {})
	s.ErrorIs(err, device.ErrNotConnected)
	s.NotEmpty(s.helper.EntriesContaining("Failed to subscribe"))

	err = t.StartNotify(device.WriteUUID, func([]byte) {})
	s.ErrorIs(err, device.ErrUnsupported, "a write-only characteristic MUST NOT be subscribed")

	var nf *device.NotFoundError
	s.ErrorAs(t.StartNotify("fff1", func([]byte) {}), &nf)
}

func (s *TransportTestSuite) TestStopNotify() {
	s.client.On("Unsubscribe", s.notify, false).Return(nil)

	t := s.connect()
	defer t.Disconnect()

	s.NoError(t.StopNotify(device.NotifyUUID))
	s.client.AssertCalled(s.T(), "Unsubscribe", s.notify, false)
}

func (s *TransportTestSuite) TestWriteModes() {
	cmd := []byte{0xdd, 0xa5, 0x03, 0x00, 0xff, 0xfd, 0x77}
	s.client.On("WriteCharacteristic", s.write, cmd, mock.Anything).Return(nil)

	t := s.connect()
	defer t.Disconnect()

	s.Require().NoError(t.Write(device.WriteUUID, cmd, true))
	s.Require().NoError(t.Write(device.WriteUUID, cmd, false))

	s.client.AssertCalled(s.T(), "WriteCharacteristic", s.write, cmd, false)
	s.client.AssertCalled(s.T(), "WriteCharacteristic", s.write, cmd, true)
}

func (s *TransportTestSuite) TestWriteUnsupportedMode() {
	s.write.Property = ble.CharWriteNR

	t := s.connect()
	defer t.Disconnect()

	err := t.Write(device.WriteUUID, []byte{0x01}, true)
	s.ErrorIs(err, device.ErrUnsupported)
	s.client.AssertNotCalled(s.T(), "WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything)
}

func (s *TransportTestSuite) TestWriteNotConnected() {
	t := NewTransport(s.helper.Logger)
	s.ErrorIs(t.Write(device.WriteUUID, []byte{0x01}, true), device.ErrNotConnected)
}

func (s *TransportTestSuite) TestPeripheralDisconnection() {
	// GOAL: Verify a link loss reported by the stack fails later operations
	//
	// TEST SCENARIO: Connected → stack closes Disconnected() → writes fail with connection lost

	t := s.connect()
	defer t.Disconnect()

	close(s.client.disconnected)

	s.Require().Eventually(func() bool {
		return t.ConnectionContext().Err() != nil
	}, time.Second, 5*time.Millisecond, "connection context MUST be cancelled")

	err := t.Write(device.WriteUUID, []byte{0x01}, true)
	s.ErrorContains(err, "connection lost")
	s.ErrorIs(err, device.ErrNotConnected)
}

func (s *TransportTestSuite) TestDisconnect() {
	t := s.connect()
	connCtx := t.ConnectionContext()

	s.NoError(t.Disconnect())
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
	s.Error(connCtx.Err(), "disconnect MUST cancel the connection context")

	s.NoError(t.Disconnect(), "a second disconnect MUST be a no-op")
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
}

func (s *TransportTestSuite) TestDisconnectError() {
	client := NewMockGATTClient()
	client.On("DiscoverProfile", true).Return(&ble.Profile{}, nil)
	client.On("CancelConnection").Return(errors.New("device not connected"))
	s.useClient(client)

	t := s.connect()
	s.ErrorIs(t.Disconnect(), device.ErrNotConnected)
}

func (s *TransportTestSuite) TestPair() {
	t := NewTransport(s.helper.Logger)
	s.ErrorIs(t.Pair(context.Background()), device.ErrNotConnected)

	t = s.connect()
	s.ErrorIs(t.Pair(context.Background()), device.ErrUnsupported, "a stack without bonding MUST report unsupported")
	s.Require().NoError(t.Disconnect())

	pairing := &MockPairingClient{MockGATTClient: s.client}
	pairing.On("Pair").Return(nil).Once()
	s.useClient(pairing)

	t = s.connect()
	defer t.Disconnect()
	s.NoError(t.Pair(context.Background()))
	pairing.AssertCalled(s.T(), "Pair")
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}
