//go:build test

package main

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/devicefactory"
	"github.com/srg/bmsbridge/internal/jbd"
	"github.com/srg/bmsbridge/internal/publish"
	"github.com/srg/bmsbridge/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test device address for consistent mock device identification
const TestDeviceAddress = "A4:C1:38:00:11:22"

// CommandTestSuite swaps the BLE transport for a scripted peripheral and
// runs commands against a fresh command tree.
// All cmd/bmsbridge test suites should embed this.
type CommandTestSuite struct {
	suite.Suite

	origTransport func(*logrus.Logger) device.Transport
	origPublisher func(context.Context, publish.Config, *logrus.Logger) (publish.Publisher, error)
	origClose     func() error

	// DeviceReleases counts BLE adapter releases
	DeviceReleases atomic.Int32
}

func (s *CommandTestSuite) SetupTest() {
	s.origTransport = devicefactory.NewTransport
	s.origPublisher = newPublisher
	s.origClose = devicefactory.CloseDevice

	s.DeviceReleases.Store(0)
	devicefactory.CloseDevice = func() error {
		s.DeviceReleases.Add(1)
		return nil
	}

	// Keep cycles fast and independent of the developer's environment
	s.T().Setenv("BMS_DEVICE_CONNECT_SETTLE", "0s")
	s.T().Setenv("BMS_DEVICE_SUBSCRIBE_SETTLE", "0s")
	s.T().Setenv("BMS_DEVICE_RESPONSE_TIMEOUT", "300ms")
	s.T().Setenv("BMS_DEVICE_ADDRESS", "")
	s.T().Setenv("BMS_BUS_URL", "")
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.NewTransport = s.origTransport
	newPublisher = s.origPublisher
	devicefactory.CloseDevice = s.origClose
}

// UsePeripheral routes every new transport to the scripted peripheral
func (s *CommandTestSuite) UsePeripheral(t device.Transport) {
	devicefactory.NewTransport = func(*logrus.Logger) device.Transport { return t }
}

// HealthyPeripheral answers both commands with the reference pack readings
func (s *CommandTestSuite) HealthyPeripheral() *testutils.PeripheralBuilder {
	return testutils.NewPeripheralBuilder(s.T()).
		WithResponse(jbd.BasicInfo, ReferenceBasicInfoFrame()).
		WithResponse(jbd.CellInfo, testutils.NewCellInfoFrame(3280, 3281, 3279, 3285)).
		WithChunkSize(8)
}

// ReferenceBasicInfoFrame is 53.2 V, -1.5 A, 87 %, 12 cycles, two sensors at 27.0 and 28.4 °C
func ReferenceBasicInfoFrame() jbd.Frame {
	return testutils.NewBasicInfoFrame().
		WithVoltage(5320).
		WithCurrent(-150).
		WithSoC(87).
		WithCycles(12).
		WithTemperatures(3001, 3015).
		Build()
}

// ExecuteCommand runs the command tree with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

// ExecuteCommandContext runs the command tree with ctx as the command context.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}
