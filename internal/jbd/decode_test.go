//go:build test

package jbd_test

import (
	"errors"
	"testing"

	"github.com/srg/bmsbridge/internal/jbd"
	"github.com/srg/bmsbridge/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type DecodeTestSuite struct {
	suite.Suite
}

func (s *DecodeTestSuite) TestBasicInfoReferenceFrame() {
	// GOAL: Verify a BasicInfo response decodes into physical units
	//
	// TEST SCENARIO: 5320 (V), -150 (A), SoC 87, sensors 3001/3015 → 53.20 V, -1.50 A, -79.8 W, [27.0 28.4] avg 27.7

	frame := testutils.NewBasicInfoFrame().
		WithVoltage(5320).
		WithCurrent(-150).
		WithSoC(87).
		WithCycles(12).
		WithTemperatures(3001, 3015).
		Build()

	m, err := jbd.DecodeBasicInfo(frame)
	s.Require().NoError(err)

	s.Equal(53.20, m.Voltage)
	s.Equal(-1.50, m.Current, "current MUST be signed")
	s.Equal(87, m.SoC)
	s.Equal(-79.8, m.Power, "power MUST be voltage × current rounded to 0.1 W")
	s.Equal([]float64{27.0, 28.4}, m.Temperatures)
	s.Equal(27.7, m.TemperatureAvg)
	s.False(m.TemperatureDefaulted)
	s.Equal(12, m.Cycles)
	s.Equal(50.0, m.CapacityRemaining)
	s.Equal(100.0, m.CapacityFull)
	s.Equal(4, m.CellCount)
	s.True(m.ChargeFET)
	s.True(m.DischargeFET)
}

func (s *DecodeTestSuite) TestBasicInfoWithoutSensors() {
	// GOAL: Verify the default temperature is reported and flagged when no sensors are listed

	m, err := jbd.DecodeBasicInfo(testutils.NewBasicInfoFrame().Build())
	s.Require().NoError(err)

	s.Empty(m.Temperatures)
	s.Equal(jbd.DefaultTemperature, m.TemperatureAvg)
	s.True(m.TemperatureDefaulted, "a defaulted average MUST be distinguishable from a reading")
}

func (s *DecodeTestSuite) TestBasicInfoProtectionAndFET() {
	m, err := jbd.DecodeBasicInfo(testutils.NewBasicInfoFrame().
		WithProtection(0x0009).
		WithFET(0x02).
		Build())
	s.Require().NoError(err)

	s.Equal(uint16(0x0009), m.ProtectionStatus)
	s.False(m.ChargeFET)
	s.True(m.DischargeFET)
}

func (s *DecodeTestSuite) TestBasicInfoClampsSensorCount() {
	// GOAL: Verify a sensor count larger than the frame does not read past the end
	//
	// TEST SCENARIO: Sensor count byte says 4 but only one reading follows → one temperature decoded

	frame := testutils.NewBasicInfoFrame().WithTemperatures(3001).Build()
	frame[26] = 4
	testutils.Reseal(frame)

	m, err := jbd.DecodeBasicInfo(frame)
	s.Require().NoError(err)
	s.Equal([]float64{27.0}, m.Temperatures)
}

func (s *DecodeTestSuite) TestBasicInfoRejected() {
	valid := testutils.NewBasicInfoFrame().Build()

	wrongTag := append(jbd.Frame(nil), valid...)
	wrongTag[1] = 0x04

	wrongStart := append(jbd.Frame(nil), valid...)
	wrongStart[0] = 0x00

	cases := map[string]jbd.Frame{
		"empty":       {},
		"short":       valid[:26],
		"wrong tag":   wrongTag,
		"wrong start": wrongStart,
	}

	for name, frame := range cases {
		s.Run(name, func() {
			m, err := jbd.DecodeBasicInfo(frame)
			s.Nil(m, "rejected frames MUST NOT produce metrics")
			s.Require().Error(err)
			s.True(errors.Is(err, jbd.ErrDecodeRejected), "error MUST wrap ErrDecodeRejected")

			var decErr *jbd.DecodeError
			s.Require().ErrorAs(err, &decErr)
			s.Equal(jbd.BasicInfo, decErr.Command)
			s.Equal(len(frame), decErr.Len)
		})
	}
}

func (s *DecodeTestSuite) TestChecksumMismatchRejected() {
	// GOAL: Verify a frame whose payload does not match its checksum is never decoded
	//
	// TEST SCENARIO: One voltage byte flipped after the checksum was computed → rejected, no metrics

	frame := testutils.NewBasicInfoFrame().WithVoltage(5320).Build()
	frame[5] ^= 0x01

	m, err := jbd.DecodeBasicInfo(frame)
	s.Nil(m)
	s.ErrorIs(err, jbd.ErrDecodeRejected)
	s.ErrorContains(err, "checksum")

	cells := testutils.NewCellInfoFrame(3280, 3281, 3279, 3285)
	cells[7] ^= 0x10
	_, err = jbd.DecodeCellInfo(cells)
	s.ErrorContains(err, "checksum")
}

func (s *DecodeTestSuite) TestSplicedFrameRejected() {
	// GOAL: Verify a frame missing a notification chunk from its middle is rejected
	//
	// TEST SCENARIO: Second 4-byte chunk of a CellInfo frame dropped → shorter than announced → rejected

	chunks := testutils.Chunk(testutils.NewCellInfoFrame(3280, 3281, 3279, 3285, 3282, 3284), 4)
	var spliced jbd.Frame
	for i, c := range chunks {
		if i != 1 {
			spliced = append(spliced, c...)
		}
	}

	cells, err := jbd.DecodeCellInfo(spliced)
	s.Nil(cells, "a spliced frame MUST NOT decode into voltages")
	s.ErrorIs(err, jbd.ErrDecodeRejected)
	s.ErrorContains(err, "truncated")
}

func (s *DecodeTestSuite) TestFrameCutAtChecksumTerminatorByte() {
	// GOAL: Verify a frame ending at its checksum is accepted, as the reassembler cuts
	// there when the low checksum byte equals the terminator

	frame := testutils.NewCellInfoFrame(3280, 3281)
	cells, err := jbd.DecodeCellInfo(frame[:len(frame)-1])
	s.Require().NoError(err)
	s.Equal(jbd.CellVoltages{3.280, 3.281}, cells)
}

func (s *DecodeTestSuite) TestCellInfoReferenceFrame() {
	// GOAL: Verify per-cell voltages are decoded in order, in volts with millivolt precision

	cells, err := jbd.DecodeCellInfo(testutils.NewCellInfoFrame(3280, 3281, 3279, 3285))
	s.Require().NoError(err)

	s.Equal(jbd.CellVoltages{3.280, 3.281, 3.279, 3.285}, cells)
	s.Equal(3.279, cells.Min())
	s.Equal(3.285, cells.Max())
	s.Equal(0.006, cells.Spread())
}

func (s *DecodeTestSuite) TestCellInfoRejected() {
	valid := testutils.NewCellInfoFrame(3280, 3281)

	wrongTag := append(jbd.Frame(nil), valid...)
	wrongTag[1] = 0x03

	cases := map[string]jbd.Frame{
		"short":     valid[:5],
		"wrong tag": wrongTag,
		"no cells":  testutils.NewCellInfoFrame(),
	}

	for name, frame := range cases {
		s.Run(name, func() {
			cells, err := jbd.DecodeCellInfo(frame)
			s.Nil(cells, "absent cells MUST be nil, never empty")
			s.ErrorIs(err, jbd.ErrDecodeRejected)
		})
	}
}

func (s *DecodeTestSuite) TestDecodeDispatch() {
	v, err := jbd.Decode(testutils.NewBasicInfoFrame().Build())
	s.Require().NoError(err)
	s.IsType(&jbd.BasicMetrics{}, v)

	v, err = jbd.Decode(testutils.NewCellInfoFrame(3300))
	s.Require().NoError(err)
	s.IsType(jbd.CellVoltages{}, v)

	v, err = jbd.Decode(jbd.Frame{0xDD, 0x05, 0x00, 0x00, 0x00, 0x00, 0x77})
	s.Nil(v)
	s.ErrorIs(err, jbd.ErrDecodeRejected)

	v, err = jbd.Decode(jbd.Frame{0x77})
	s.Nil(v)
	s.ErrorIs(err, jbd.ErrDecodeRejected)
}

func TestDecodeTestSuite(t *testing.T) {
	suite.Run(t, new(DecodeTestSuite))
}

func TestClassifyHealth(t *testing.T) {
	// GOAL: Verify cell spread thresholds
	//
	// TEST SCENARIO: spreads 0.03 / 0.05 / 0.07 / 0.12 V → Normal / Normal / Warning / Critical

	cases := []struct {
		name  string
		cells jbd.CellVoltages
		want  jbd.Health
	}{
		{"balanced", jbd.CellVoltages{3.300, 3.330}, jbd.HealthNormal},
		{"at warning threshold", jbd.CellVoltages{3.300, 3.350}, jbd.HealthNormal},
		{"drifting", jbd.CellVoltages{3.300, 3.370}, jbd.HealthWarning},
		{"at critical threshold", jbd.CellVoltages{3.300, 3.400}, jbd.HealthWarning},
		{"unbalanced", jbd.CellVoltages{3.300, 3.420}, jbd.HealthCritical},
		{"single cell", jbd.CellVoltages{3.300}, jbd.HealthNormal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, jbd.ClassifyHealth(tc.cells))
		})
	}
}

func TestCommandLiterals(t *testing.T) {
	// GOAL: Verify the fixed command encodings carry valid checksums

	for _, cmd := range []jbd.Command{jbd.BasicInfo, jbd.CellInfo} {
		t.Run(cmd.String(), func(t *testing.T) {
			b := cmd.Bytes()
			require.Len(t, b, 7)
			assert.Equal(t, jbd.StartByte, b[0])
			assert.Equal(t, jbd.ReadMarker, b[1])
			assert.Equal(t, byte(cmd), b[2])
			assert.Equal(t, jbd.Terminator, b[6])

			sum := jbd.Checksum(b[2], nil)
			assert.Equal(t, byte(sum>>8), b[4], "checksum high byte MUST match")
			assert.Equal(t, byte(sum), b[5], "checksum low byte MUST match")
		})
	}

	assert.Equal(t, []byte{0xDD, 0xA5, 0x03, 0x00, 0xFF, 0xFD, 0x77}, jbd.BasicInfo.Bytes())
	assert.Equal(t, []byte{0xDD, 0xA5, 0x04, 0x00, 0xFF, 0xFC, 0x77}, jbd.CellInfo.Bytes())
}

func TestCommandBytesAreCopies(t *testing.T) {
	b := jbd.BasicInfo.Bytes()
	b[0] = 0x00
	assert.Equal(t, jbd.StartByte, jbd.BasicInfo.Bytes()[0], "callers MUST NOT be able to modify the literal")
	assert.Nil(t, jbd.Command(0x09).Bytes())
}
