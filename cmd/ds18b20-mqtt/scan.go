package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/config"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/onewire"
)

// scanResult is one row of scan output.
type scanResult struct {
	Path        string   `json:"path"`
	ID          string   `json:"id,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// runScan reads every sensor once and prints the results. It works
// without a config file, falling back to defaults. Individual read
// failures are reported in the output, not as an error.
func runScan(ctx context.Context, w io.Writer, configPath string, outputFmt string) error {
	cfg := config.Default()
	if path, err := config.FindConfig(configPath); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	} else if configPath != "" {
		return err
	}

	// Read errors are reported per row; logs would only interleave with the table.
	logger := newLogger(io.Discard, slog.LevelWarn, "text")
	results, err := scanSensors(ctx, cfg.Sensors, onewire.NewReader(cfg.Sensors, logger))
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintf(w, "No sensors found under %s (family %s)\n", cfg.Sensors.BusRoot, cfg.Sensors.FamilyPrefix)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTEMPERATURE\tPATH")
	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Fprintf(tw, "%s\terror: %s\t%s\n", r.ID, r.Error, r.Path)
		default:
			fmt.Fprintf(tw, "%s\t%.3f °C\t%s\n", r.ID, *r.Temperature, r.Path)
		}
	}
	return tw.Flush()
}

// scanSensors enumerates and reads each device in order.
func scanSensors(ctx context.Context, cfg config.SensorsConfig, reader *onewire.Reader) ([]scanResult, error) {
	devices, err := onewire.Enumerate(cfg.BusRoot, cfg.FamilyPrefix)
	if err != nil {
		return nil, err
	}

	results := make([]scanResult, 0, len(devices))
	for _, path := range devices {
		res := scanResult{Path: path}
		reading, err := reader.Read(ctx, path)
		if err != nil {
			res.Error = err.Error()
			if id, idErr := reader.ReadIdentifier(path); idErr == nil {
				res.ID = id
			}
		} else {
			res.ID = reading.ID
			res.Temperature = &reading.Celsius
		}
		results = append(results, res)
	}
	return results, nil
}
