package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/device/go-ble"
)

// NewTransport creates the BLE transport used for device sessions.
// This is a variable so that it can be overridden in tests.
var NewTransport = func(logger *logrus.Logger) device.Transport {
	return goble.NewTransport(logger)
}

// CloseDevice releases the BLE adapter shared by every transport. Call it
// once the process is done polling.
var CloseDevice = goble.CloseDevice
