// Package device defines the Bluetooth Low Energy (BLE) transport contract used
// by the BMS bridge, together with connection error types and UUID helpers.
//
// The package is stack-agnostic:
//   - Transport describes the GATT client operations a polling session needs
//     (connect, best-effort pairing, notify subscription, writes, disconnect)
//   - ConnectionError sentinels give callers a stable way to classify
//     failures reported by different BLE stacks
//   - NormalizeUUID maps the various textual UUID forms onto one lookup key
//
// The go-ble implementation lives in the go-ble subpackage.
package device
