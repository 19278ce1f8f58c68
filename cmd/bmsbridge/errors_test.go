//go:build test

package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/publish"
	"github.com/srg/bmsbridge/internal/session"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil",
			err:      nil,
			expected: "",
		},
		{
			name:     "plain error is passed through",
			err:      errors.New("boom"),
			expected: "boom",
		},
		{
			name:     "bluetooth off",
			err:      &session.TransportError{Op: "connect", Err: device.ErrBluetoothOff},
			expected: "connect: bluetooth is turned off (turn Bluetooth on and retry)",
		},
		{
			name:     "connect failure",
			err:      &session.TransportError{Op: "connect", Err: errors.New("device not found")},
			expected: "connect: device not found (check the device address and that no other client holds the connection)",
		},
		{
			name:     "bus timeout",
			err:      fmt.Errorf("failed to open bus: %w", publish.ErrTimeout),
			expected: "failed to open bus: bus timeout (the message bus did not answer in time)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUserError(tt.err))
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
