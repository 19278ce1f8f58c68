package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/srg/bmsbridge/internal/jbd"
	"github.com/srg/bmsbridge/internal/publish"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (must be table, json or yaml)", format)
	}
}

// report is the document printed by query and decode. With BasicInfo it is
// the published status document; a lone CellInfo yields the cell keys only.
func report(basic *jbd.BasicMetrics, cells jbd.CellVoltages, now time.Time) *orderedmap.OrderedMap[string, any] {
	if basic != nil {
		return publish.Status(basic, cells, now)
	}
	om := orderedmap.New[string, any]()
	om.Set("cell_voltages", []float64(cells))
	om.Set("cell_min", cells.Min())
	om.Set("cell_max", cells.Max())
	om.Set("cell_spread", cells.Spread())
	om.Set("health", string(jbd.ClassifyHealth(cells)))
	return om
}

func writeReport(w io.Writer, format string, basic *jbd.BasicMetrics, cells jbd.CellVoltages, now time.Time) error {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(report(basic, cells, now), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case formatYAML:
		node, err := yamlNode(report(basic, cells, now))
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(node); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	default:
		return writeTable(w, basic, cells)
	}
}

// yamlNode keeps the key order of om in the YAML mapping
func yamlNode(om *orderedmap.OrderedMap[string, any]) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		value := &yaml.Node{}
		if err := value.Encode(pair.Value); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", pair.Key, err)
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: pair.Key}, value)
	}
	return node, nil
}

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type tableWriter struct {
	w      io.Writer
	colors bool
	err    error
}

func (t *tableWriter) row(label, format string, args ...any) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintf(t.w, "%-18s %s\n", label, fmt.Sprintf(format, args...))
}

func (t *tableWriter) paint(attr color.Attribute, s string) string {
	c := color.New(attr)
	if t.colors {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func joinFloats(values []float64, places int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.*f", places, v)
	}
	return strings.Join(parts, " ")
}

func writeTable(w io.Writer, basic *jbd.BasicMetrics, cells jbd.CellVoltages) error {
	t := &tableWriter{w: w, colors: isTerminal(w)}

	if basic != nil {
		t.row("Voltage", "%.2f V", basic.Voltage)
		t.row("Current", "%.2f A", basic.Current)
		t.row("Power", "%.1f W", basic.Power)
		t.row("State of charge", "%d %%", basic.SoC)
		t.row("Capacity", "%.2f / %.2f Ah", basic.CapacityRemaining, basic.CapacityFull)
		t.row("Cycles", "%d", basic.Cycles)
		if basic.TemperatureDefaulted {
			t.row("Temperature", "no sensors (assuming %.1f °C)", basic.TemperatureAvg)
		} else {
			t.row("Temperature", "%s °C (avg %.1f)", joinFloats(basic.Temperatures, 1), basic.TemperatureAvg)
		}
		t.row("Charge FET", "%s", onOff(basic.ChargeFET))
		t.row("Discharge FET", "%s", onOff(basic.DischargeFET))
		protection := fmt.Sprintf("0x%04x", basic.ProtectionStatus)
		if basic.ProtectionStatus != 0 {
			protection = t.paint(color.FgRed, protection)
		}
		t.row("Protection", "%s", protection)
	}

	if len(cells) == 0 {
		t.row("Cells", "%s", "unavailable")
		return t.err
	}

	health := jbd.ClassifyHealth(cells)
	attr := color.FgGreen
	switch health {
	case jbd.HealthWarning:
		attr = color.FgYellow
	case jbd.HealthCritical:
		attr = color.FgRed
	}

	t.row("Cells", "%s V", joinFloats(cells, 3))
	t.row("Cell min/max", "%.3f / %.3f V", cells.Min(), cells.Max())
	t.row("Cell spread", "%.3f V", cells.Spread())
	t.row("Health", "%s", t.paint(attr, string(health)))
	return t.err
}
