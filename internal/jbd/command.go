// Package jbd implements the JBD battery management system wire protocol:
// command frames, response frame reassembly and payload decoding.
//
// A JBD exchange is a fixed 7-byte command written to the BMS followed by a
// variable-length response streamed back over notifications. Responses start
// with 0xDD <tag> and end with the terminator byte 0x77.
package jbd

import "fmt"

const (
	// StartByte opens every command and response frame
	StartByte byte = 0xDD

	// ReadMarker marks a read request in a command frame
	ReadMarker byte = 0xA5

	// Terminator closes every command and response frame
	Terminator byte = 0x77
)

// Command is one of the two supported JBD read requests.
type Command byte

const (
	// BasicInfo requests pack-level metrics (voltage, current, SoC, temperatures...)
	BasicInfo Command = 0x03

	// CellInfo requests per-cell voltages
	CellInfo Command = 0x04
)

// Precomputed command literals. Checksums are 0x10000 - (cmd + len).
var (
	basicInfoFrame = [7]byte{StartByte, ReadMarker, byte(BasicInfo), 0x00, 0xFF, 0xFD, Terminator}
	cellInfoFrame  = [7]byte{StartByte, ReadMarker, byte(CellInfo), 0x00, 0xFF, 0xFC, Terminator}
)

// Bytes returns the wire encoding of the command. The returned slice is a
// fresh copy and may be modified by the caller.
func (c Command) Bytes() []byte {
	switch c {
	case BasicInfo:
		f := basicInfoFrame
		return f[:]
	case CellInfo:
		f := cellInfoFrame
		return f[:]
	default:
		return nil
	}
}

// ResponseTag returns the second byte expected in the response to this command.
func (c Command) ResponseTag() byte {
	return byte(c)
}

func (c Command) String() string {
	switch c {
	case BasicInfo:
		return "basic_info"
	case CellInfo:
		return "cell_info"
	default:
		return fmt.Sprintf("command(0x%02x)", byte(c))
	}
}

// Checksum computes the JBD frame checksum over the command/register byte,
// the length byte and the payload: 0x10000 minus the byte sum.
func Checksum(register byte, payload []byte) uint16 {
	sum := uint16(register) + uint16(len(payload))
	for _, b := range payload {
		sum += uint16(b)
	}
	return uint16(0x10000 - uint32(sum))
}
