package jbd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecodeRejected is wrapped by every DecodeError
var ErrDecodeRejected = errors.New("frame not decodable")

// DecodeError describes why a response frame was rejected.
type DecodeError struct {
	Command Command
	Reason  string
	Len     int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s (%d bytes): %v", e.Command, e.Reason, e.Len, ErrDecodeRejected)
}

func (e *DecodeError) Unwrap() error {
	return ErrDecodeRejected
}

// Minimum lengths and fixed offsets of the response layouts
const (
	basicInfoMinLen = 27
	cellInfoMinLen  = 6

	offVoltage    = 4
	offCurrent    = 6
	offRemaining  = 8
	offFull       = 10
	offCycles     = 12
	offProtection = 20
	offVersion    = 22
	offSoC        = 23
	offFET        = 24
	offCellCount  = 25
	offNTCCount   = 26
	offNTC        = 27

	offStatus  = 2
	offLength  = 3
	offPayload = 4
	offCells   = 4

	kelvinOffset = 2731
)

func checkHeader(frame Frame, cmd Command, minLen int) error {
	if len(frame) < minLen {
		return &DecodeError{Command: cmd, Reason: fmt.Sprintf("shorter than %d bytes", minLen), Len: len(frame)}
	}
	if frame[0] != StartByte || frame[1] != cmd.ResponseTag() {
		return &DecodeError{
			Command: cmd,
			Reason:  fmt.Sprintf("unexpected header % x", frame[:2]),
			Len:     len(frame),
		}
	}
	return nil
}

// checkTrailer rejects frames that end before the payload and checksum the
// length byte announces, and frames whose checksum does not match. A frame
// whose low checksum byte is 0x77 was cut there by the reassembler, so the
// terminator itself is not required.
func checkTrailer(frame Frame, cmd Command) error {
	end := dataEnd(frame)
	if len(frame) < end+2 {
		return &DecodeError{
			Command: cmd,
			Reason:  fmt.Sprintf("truncated, length byte announces %d payload bytes", frame[offLength]),
			Len:     len(frame),
		}
	}
	want := Checksum(frame[offStatus], frame[offPayload:end])
	if got := u16(frame, end); got != want {
		return &DecodeError{Command: cmd, Reason: fmt.Sprintf("checksum %04x, want %04x", got, want), Len: len(frame)}
	}
	return nil
}

// dataEnd returns the offset just past the payload announced by the length byte
func dataEnd(frame Frame) int {
	return offPayload + int(frame[offLength])
}

func u16(frame Frame, off int) uint16 {
	return binary.BigEndian.Uint16(frame[off : off+2])
}

// DecodeBasicInfo decodes a BasicInfo response.
func DecodeBasicInfo(frame Frame) (*BasicMetrics, error) {
	if err := checkHeader(frame, BasicInfo, basicInfoMinLen); err != nil {
		return nil, err
	}
	if err := checkTrailer(frame, BasicInfo); err != nil {
		return nil, err
	}
	if dataEnd(frame) < offNTC {
		return nil, &DecodeError{Command: BasicInfo, Reason: "payload too short for basic info", Len: len(frame)}
	}

	m := &BasicMetrics{
		Voltage:           round(float64(u16(frame, offVoltage))/100.0, 2),
		Current:           round(float64(int16(u16(frame, offCurrent)))/100.0, 2),
		CapacityRemaining: round(float64(u16(frame, offRemaining))/100.0, 2),
		CapacityFull:      round(float64(u16(frame, offFull))/100.0, 2),
		Cycles:            int(u16(frame, offCycles)),
		ProtectionStatus:  u16(frame, offProtection),
		SoftwareVersion:   frame[offVersion],
		SoC:               int(frame[offSoC]),
		ChargeFET:         frame[offFET]&0x01 != 0,
		DischargeFET:      frame[offFET]&0x02 != 0,
		CellCount:         int(frame[offCellCount]),
	}
	m.Power = round(m.Voltage*m.Current, 1)

	// Sensors whose two bytes fall outside the payload are not decoded
	count := int(frame[offNTCCount])
	if avail := (dataEnd(frame) - offNTC) / 2; count > avail {
		count = avail
	}

	m.Temperatures = make([]float64, 0, count)
	for i := 0; i < count; i++ {
		raw := int(u16(frame, offNTC+i*2))
		m.Temperatures = append(m.Temperatures, round(float64(raw-kelvinOffset)/10.0, 1))
	}

	if len(m.Temperatures) == 0 {
		m.TemperatureAvg = DefaultTemperature
		m.TemperatureDefaulted = true
	} else {
		var sum float64
		for _, t := range m.Temperatures {
			sum += t
		}
		m.TemperatureAvg = round(sum/float64(len(m.Temperatures)), 1)
	}

	return m, nil
}

// DecodeCellInfo decodes a CellInfo response.
func DecodeCellInfo(frame Frame) (CellVoltages, error) {
	if err := checkHeader(frame, CellInfo, cellInfoMinLen); err != nil {
		return nil, err
	}
	if err := checkTrailer(frame, CellInfo); err != nil {
		return nil, err
	}

	count := int(frame[offLength]) / 2
	if count == 0 {
		return nil, &DecodeError{Command: CellInfo, Reason: "no cells reported", Len: len(frame)}
	}

	cells := make(CellVoltages, 0, count)
	for i := 0; i < count; i++ {
		cells = append(cells, round(float64(u16(frame, offCells+i*2))/1000.0, 3))
	}
	return cells, nil
}

// Decode dispatches on the response tag and returns either *BasicMetrics or CellVoltages.
func Decode(frame Frame) (any, error) {
	if len(frame) < 2 {
		return nil, &DecodeError{Reason: "frame too short", Len: len(frame)}
	}
	switch Command(frame[1]) {
	case BasicInfo:
		m, err := DecodeBasicInfo(frame)
		if err != nil {
			return nil, err
		}
		return m, nil
	case CellInfo:
		cells, err := DecodeCellInfo(frame)
		if err != nil {
			return nil, err
		}
		return cells, nil
	default:
		return nil, &DecodeError{Command: Command(frame[1]), Reason: "unknown response tag", Len: len(frame)}
	}
}
