// Package publish turns decoded BMS metrics into bus messages and delivers
// them to MQTT, Redis or an in-process store.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/srg/bmsbridge/internal/jbd"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Message is one retained value on a topic
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Publisher delivers metric messages to a bus
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
	Close() error
}

// Topic names below the configured prefix
const (
	TopicVoltage           = "voltage"
	TopicCurrent           = "current"
	TopicSoC               = "soc"
	TopicPower             = "power"
	TopicCellVoltages      = "cell_voltages"
	TopicTemperatureAvg    = "temperature_avg"
	TopicCycles            = "cycles"
	TopicCapacityRemaining = "capacity_remaining"
	TopicCapacityFull      = "capacity_full"
	TopicHealth            = "health"
	TopicStatus            = "status"
)

// Topic joins prefix and name with a slash, ignoring an empty prefix
func Topic(prefix, name string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func decimal(v float64, places int) []byte {
	return []byte(strconv.FormatFloat(v, 'f', places, 64))
}

// Messages builds the message set for one successful poll. basic must not be
// nil. Cell-derived topics are left out when cells is empty.
func Messages(prefix string, basic *jbd.BasicMetrics, cells jbd.CellVoltages, now time.Time) ([]Message, error) {
	if basic == nil {
		return nil, fmt.Errorf("no basic metrics to publish")
	}

	msgs := []Message{
		{Topic: Topic(prefix, TopicVoltage), Payload: decimal(basic.Voltage, 2)},
		{Topic: Topic(prefix, TopicCurrent), Payload: decimal(basic.Current, 2)},
		{Topic: Topic(prefix, TopicSoC), Payload: []byte(strconv.Itoa(basic.SoC))},
		{Topic: Topic(prefix, TopicPower), Payload: decimal(basic.Power, 1)},
		{Topic: Topic(prefix, TopicTemperatureAvg), Payload: decimal(basic.TemperatureAvg, 1)},
		{Topic: Topic(prefix, TopicCycles), Payload: []byte(strconv.Itoa(basic.Cycles))},
		{Topic: Topic(prefix, TopicCapacityRemaining), Payload: decimal(basic.CapacityRemaining, 2)},
		{Topic: Topic(prefix, TopicCapacityFull), Payload: decimal(basic.CapacityFull, 2)},
	}

	if len(cells) > 0 {
		cellJSON, err := json.Marshal([]float64(cells))
		if err != nil {
			return nil, fmt.Errorf("failed to encode cell voltages: %w", err)
		}
		msgs = append(msgs,
			Message{Topic: Topic(prefix, TopicCellVoltages), Payload: cellJSON},
			Message{Topic: Topic(prefix, TopicHealth), Payload: []byte(jbd.ClassifyHealth(cells))},
		)
	}

	status, err := json.Marshal(Status(basic, cells, now))
	if err != nil {
		return nil, fmt.Errorf("failed to encode status: %w", err)
	}
	msgs = append(msgs, Message{Topic: Topic(prefix, TopicStatus), Payload: status})

	for i := range msgs {
		msgs[i].Retained = true
	}
	return msgs, nil
}

// Status is the aggregate status document, with keys in a stable order
func Status(basic *jbd.BasicMetrics, cells jbd.CellVoltages, now time.Time) *orderedmap.OrderedMap[string, any] {
	om := orderedmap.New[string, any]()
	om.Set("timestamp", now.UTC().Format(time.RFC3339))
	om.Set("voltage", basic.Voltage)
	om.Set("current", basic.Current)
	om.Set("soc", basic.SoC)
	om.Set("power", basic.Power)
	om.Set("capacity_remaining", basic.CapacityRemaining)
	om.Set("capacity_full", basic.CapacityFull)
	om.Set("cycles", basic.Cycles)

	temps := basic.Temperatures
	if temps == nil {
		temps = []float64{}
	}
	om.Set("temperatures", temps)
	om.Set("temperature_avg", basic.TemperatureAvg)
	om.Set("temperature_defaulted", basic.TemperatureDefaulted)
	om.Set("protection_status", basic.ProtectionStatus)
	om.Set("charge_fet", basic.ChargeFET)
	om.Set("discharge_fet", basic.DischargeFET)

	if len(cells) > 0 {
		om.Set("cell_voltages", []float64(cells))
		om.Set("cell_min", cells.Min())
		om.Set("cell_max", cells.Max())
		om.Set("cell_spread", cells.Spread())
		om.Set("health", string(jbd.ClassifyHealth(cells)))
	}
	return om
}
