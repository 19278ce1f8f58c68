//go:build test

package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/jbd"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of device.Transport that also remembers
// notification handlers so tests can push data through them.
type MockTransport struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[string]device.NotificationHandler

	link     context.Context
	dropLink context.CancelCauseFunc
}

var (
	_ device.Transport   = (*MockTransport)(nil)
	_ device.LinkMonitor = (*MockTransport)(nil)
)

// NewMockTransport creates a mock without expectations
func NewMockTransport() *MockTransport {
	link, drop := context.WithCancelCause(context.Background())
	return &MockTransport{
		handlers: make(map[string]device.NotificationHandler),
		link:     link,
		dropLink: drop,
	}
}

func (m *MockTransport) ConnectionContext() context.Context {
	return m.link
}

// DropLink simulates the peripheral going away
func (m *MockTransport) DropLink() {
	m.dropLink(device.ErrNotConnected)
}

func (m *MockTransport) Connect(ctx context.Context, address string, timeout time.Duration) error {
	args := m.Called(ctx, address, timeout)
	return args.Error(0)
}

func (m *MockTransport) Pair(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockTransport) StartNotify(characteristic string, handler device.NotificationHandler) error {
	args := m.Called(characteristic, handler)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.handlers[device.NormalizeUUID(characteristic)] = handler
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) StopNotify(characteristic string) error {
	args := m.Called(characteristic)
	m.mu.Lock()
	delete(m.handlers, device.NormalizeUUID(characteristic))
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockTransport) Write(characteristic string, data []byte, withResponse bool) error {
	args := m.Called(characteristic, data, withResponse)
	if rf, ok := args.Get(0).(func(string, []byte, bool) error); ok {
		return rf(characteristic, data, withResponse)
	}
	return args.Error(0)
}

func (m *MockTransport) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

// Notify delivers data to the handler subscribed on characteristic.
// It reports false when nothing is subscribed.
func (m *MockTransport) Notify(characteristic string, data []byte) bool {
	m.mu.Lock()
	h, ok := m.handlers[device.NormalizeUUID(characteristic)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

// Subscribed reports whether a handler is registered on characteristic
func (m *MockTransport) Subscribed(characteristic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[device.NormalizeUUID(characteristic)]
	return ok
}

// PeripheralBuilder scripts a MockTransport that behaves like a JBD BMS:
// writing a command triggers its response, split into notification chunks.
//
//	transport := testutils.NewPeripheralBuilder(t).
//	    WithResponse(jbd.BasicInfo, testutils.NewBasicInfoFrame().Build()).
//	    WithResponse(jbd.CellInfo, testutils.NewCellInfoFrame(3280, 3281)).
//	    WithChunkSize(20).
//	    Build()
type PeripheralBuilder struct {
	t *testing.T

	responses map[jbd.Command][]byte
	chunkSize int

	connectErr   error
	pairErr      error
	subscribeErr error
	writeErrs    map[bool]error

	linkLossOn *jbd.Command
}

// NewPeripheralBuilder starts a peripheral that connects, subscribes and
// accepts writes but answers nothing.
func NewPeripheralBuilder(t *testing.T) *PeripheralBuilder {
	return &PeripheralBuilder{
		t:         t,
		responses: make(map[jbd.Command][]byte),
		chunkSize: 20,
		writeErrs: make(map[bool]error),
	}
}

// WithResponse answers cmd with data. data need not be a well-formed frame:
// truncated bytes simulate a response that never completes, and bytes after
// the terminator simulate trailing garbage.
func (b *PeripheralBuilder) WithResponse(cmd jbd.Command, data []byte) *PeripheralBuilder {
	b.responses[cmd] = append([]byte(nil), data...)
	return b
}

// WithNoResponse makes the peripheral stay silent after cmd
func (b *PeripheralBuilder) WithNoResponse(cmd jbd.Command) *PeripheralBuilder {
	delete(b.responses, cmd)
	return b
}

// WithChunkSize sets the notification payload size (the effective MTU)
func (b *PeripheralBuilder) WithChunkSize(size int) *PeripheralBuilder {
	b.chunkSize = size
	return b
}

func (b *PeripheralBuilder) WithConnectError(err error) *PeripheralBuilder {
	b.connectErr = err
	return b
}

func (b *PeripheralBuilder) WithPairError(err error) *PeripheralBuilder {
	b.pairErr = err
	return b
}

func (b *PeripheralBuilder) WithSubscribeError(err error) *PeripheralBuilder {
	b.subscribeErr = err
	return b
}

// WithWriteError fails every write of the given kind
func (b *PeripheralBuilder) WithWriteError(withResponse bool, err error) *PeripheralBuilder {
	b.writeErrs[withResponse] = err
	return b
}

// WithLinkLossOn makes the link drop right after cmd is written, before any response
func (b *PeripheralBuilder) WithLinkLossOn(cmd jbd.Command) *PeripheralBuilder {
	b.linkLossOn = &cmd
	return b
}

// Build returns the scripted transport. All calls are optional; assert on
// them with the usual mock helpers.
func (b *PeripheralBuilder) Build() *MockTransport {
	m := NewMockTransport()

	responses := make(map[jbd.Command][][]byte, len(b.responses))
	for cmd, data := range b.responses {
		responses[cmd] = Chunk(data, b.chunkSize)
	}
	writeErrs := b.writeErrs

	m.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(b.connectErr).Maybe()
	m.On("Pair", mock.Anything).Return(b.pairErr).Maybe()
	m.On("StartNotify", mock.Anything, mock.Anything).Return(b.subscribeErr).Maybe()
	m.On("StopNotify", mock.Anything).Return(nil).Maybe()
	m.On("Disconnect").Return(nil).Maybe()

	m.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(
		func(_ string, data []byte, withResponse bool) error {
			if len(data) < 3 {
				return nil
			}
			cmd := jbd.Command(data[2])
			if err := writeErrs[withResponse]; err != nil {
				return err
			}

			chunks, ok := responses[cmd]
			if !ok {
				return nil
			}
			// The peripheral answers asynchronously, after the write returns
			go func() {
				for _, c := range chunks {
					m.Notify(device.NotifyUUID, c)
				}
			}()
			return nil
		}).Maybe()

	return m
}
