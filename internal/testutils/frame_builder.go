//go:build test

package testutils

import (
	"encoding/binary"

	"github.com/srg/bmsbridge/internal/jbd"
)

// appendFrame wraps a response payload into a JBD response frame:
// DD <tag> <status> <len> <payload...> <checksum hi> <checksum lo> 77
func appendFrame(tag byte, payload []byte) jbd.Frame {
	frame := make(jbd.Frame, 0, len(payload)+7)
	frame = append(frame, jbd.StartByte, tag, 0x00, byte(len(payload)))
	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint16(frame, jbd.Checksum(0x00, payload))
	return append(frame, jbd.Terminator)
}

// Reseal recomputes the checksum of a response frame edited in place
func Reseal(frame jbd.Frame) jbd.Frame {
	end := 4 + int(frame[3])
	binary.BigEndian.PutUint16(frame[end:], jbd.Checksum(frame[2], frame[4:end]))
	return frame
}

// BasicInfoFrameBuilder builds BasicInfo response frames from raw register values
type BasicInfoFrameBuilder struct {
	voltage    uint16
	current    int16
	remaining  uint16
	full       uint16
	cycles     uint16
	protection uint16
	version    byte
	soc        byte
	fet        byte
	cells      byte
	temps      []uint16
}

// NewBasicInfoFrame starts a BasicInfo frame with plausible defaults for a 4-cell pack
func NewBasicInfoFrame() *BasicInfoFrameBuilder {
	return &BasicInfoFrameBuilder{
		voltage:   1320,
		remaining: 5000,
		full:      10000,
		soc:       50,
		fet:       0x03,
		cells:     4,
		version:   0x10,
	}
}

func (b *BasicInfoFrameBuilder) WithVoltage(raw uint16) *BasicInfoFrameBuilder {
	b.voltage = raw
	return b
}

func (b *BasicInfoFrameBuilder) WithCurrent(raw int16) *BasicInfoFrameBuilder {
	b.current = raw
	return b
}

func (b *BasicInfoFrameBuilder) WithCapacity(remaining, full uint16) *BasicInfoFrameBuilder {
	b.remaining = remaining
	b.full = full
	return b
}

func (b *BasicInfoFrameBuilder) WithCycles(cycles uint16) *BasicInfoFrameBuilder {
	b.cycles = cycles
	return b
}

func (b *BasicInfoFrameBuilder) WithSoC(soc byte) *BasicInfoFrameBuilder {
	b.soc = soc
	return b
}

func (b *BasicInfoFrameBuilder) WithProtection(status uint16) *BasicInfoFrameBuilder {
	b.protection = status
	return b
}

func (b *BasicInfoFrameBuilder) WithFET(status byte) *BasicInfoFrameBuilder {
	b.fet = status
	return b
}

// WithTemperatures sets the raw sensor values in Kelvin tenths
func (b *BasicInfoFrameBuilder) WithTemperatures(raw ...uint16) *BasicInfoFrameBuilder {
	b.temps = raw
	return b
}

// Build returns the complete frame including checksum and terminator
func (b *BasicInfoFrameBuilder) Build() jbd.Frame {
	payload := make([]byte, 0, 23+2*len(b.temps))
	payload = binary.BigEndian.AppendUint16(payload, b.voltage)
	payload = binary.BigEndian.AppendUint16(payload, uint16(b.current))
	payload = binary.BigEndian.AppendUint16(payload, b.remaining)
	payload = binary.BigEndian.AppendUint16(payload, b.full)
	payload = binary.BigEndian.AppendUint16(payload, b.cycles)
	payload = append(payload, 0x2A, 0x21)             // manufacture date
	payload = append(payload, 0x00, 0x00, 0x00, 0x00) // balance status
	payload = binary.BigEndian.AppendUint16(payload, b.protection)
	payload = append(payload, b.version, b.soc, b.fet, b.cells, byte(len(b.temps)))
	for _, t := range b.temps {
		payload = binary.BigEndian.AppendUint16(payload, t)
	}
	return appendFrame(byte(jbd.BasicInfo), payload)
}

// NewCellInfoFrame builds a CellInfo response carrying the given raw millivolt values
func NewCellInfoFrame(millivolts ...uint16) jbd.Frame {
	payload := make([]byte, 0, 2*len(millivolts))
	for _, mv := range millivolts {
		payload = binary.BigEndian.AppendUint16(payload, mv)
	}
	return appendFrame(byte(jbd.CellInfo), payload)
}

// Chunk splits data into pieces of at most size bytes, the way a BLE link
// with a small MTU delivers notifications.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = len(data)
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	return chunks
}
