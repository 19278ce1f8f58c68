package jbd

import "math"

// DefaultTemperature is reported as the average when the BMS lists no sensors.
const DefaultTemperature = 25.0

// BasicMetrics is the decoded BasicInfo response.
type BasicMetrics struct {
	Voltage           float64   `json:"voltage"`            // V
	Current           float64   `json:"current"`            // A, negative while discharging
	SoC               int       `json:"soc"`                // percent
	Power             float64   `json:"power"`              // W
	CapacityRemaining float64   `json:"capacity_remaining"` // Ah
	CapacityFull      float64   `json:"capacity_full"`      // Ah
	Cycles            int       `json:"cycles"`
	Temperatures      []float64 `json:"temperatures"` // °C per sensor
	TemperatureAvg    float64   `json:"temperature_avg"`

	// TemperatureDefaulted is set when no sensors were reported and
	// TemperatureAvg holds DefaultTemperature instead of a reading.
	TemperatureDefaulted bool `json:"temperature_defaulted"`

	ProtectionStatus uint16 `json:"protection_status"`
	SoftwareVersion  byte   `json:"software_version"`
	ChargeFET        bool   `json:"charge_fet"`
	DischargeFET     bool   `json:"discharge_fet"`
	CellCount        int    `json:"cell_count"`
}

// CellVoltages holds per-cell voltages in cell order. A nil value means the
// cell data was not available; a decoded value is never empty.
type CellVoltages []float64

// Min returns the lowest cell voltage, 0 for no cells
func (c CellVoltages) Min() float64 {
	if len(c) == 0 {
		return 0
	}
	m := c[0]
	for _, v := range c[1:] {
		m = math.Min(m, v)
	}
	return m
}

// Max returns the highest cell voltage, 0 for no cells
func (c CellVoltages) Max() float64 {
	if len(c) == 0 {
		return 0
	}
	m := c[0]
	for _, v := range c[1:] {
		m = math.Max(m, v)
	}
	return m
}

// Spread returns max-min, rounded to millivolts.
func (c CellVoltages) Spread() float64 {
	return round(c.Max()-c.Min(), 3)
}

// Health is a coarse classification of cell balance.
type Health string

const (
	HealthNormal   Health = "Normal"
	HealthWarning  Health = "Warning"
	HealthCritical Health = "Critical"
)

// Cell spread thresholds in volts
const (
	WarningSpread  = 0.05
	CriticalSpread = 0.10
)

// ClassifyHealth grades the pack by the spread between its highest and lowest cell.
func ClassifyHealth(cells CellVoltages) Health {
	spread := cells.Spread()
	switch {
	case spread > CriticalSpread:
		return HealthCritical
	case spread > WarningSpread:
		return HealthWarning
	default:
		return HealthNormal
	}
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
