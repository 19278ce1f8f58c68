package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/jbd"
	"github.com/srg/bmsbridge/internal/publish"
	"github.com/srg/bmsbridge/internal/session"
)

// Command-level errors
var (
	// ErrNoResponse indicates the BMS was reachable but never answered BasicInfo.
	ErrNoResponse = errors.New("no BasicInfo response")
)

// FormatUserError turns an error chain into a one-line message with a hint
// for the failures users can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var hint string
	var terr *session.TransportError
	switch {
	case device.IsConnectionState(err, device.BluetoothOff):
		hint = "turn Bluetooth on and retry"
	case errors.As(err, &terr) && terr.Op == "connect":
		hint = "check the device address and that no other client holds the connection"
	case errors.Is(err, ErrNoResponse):
		hint = "the device accepted the connection but did not answer; try --pair or a longer --response-timeout"
	case errors.Is(err, jbd.ErrDecodeRejected):
		hint = "the input is not a complete JBD BasicInfo or CellInfo response frame"
	case errors.Is(err, publish.ErrUnsupportedScheme):
		hint = "use a tcp://, mqtt://, ssl://, ws://, redis://, rediss:// or memory:// bus URL"
	case errors.Is(err, publish.ErrTimeout):
		hint = "the message bus did not answer in time"
	}

	msg := strings.TrimSpace(err.Error())
	if hint == "" {
		return msg
	}
	return fmt.Sprintf("%s (%s)", msg, hint)
}
