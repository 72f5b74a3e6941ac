package onewire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/config"
	"github.com/cenkalti/backoff"
)

const (
	nameFile = "name"
	dataFile = "w1_slave"

	// successMarker terminates the first record line when the CRC matched.
	successMarker = "YES"
	// tempMarker precedes the millidegree value on the second line.
	tempMarker = "t="
)

var (
	// ErrNotFound is returned when a device's name or data file is
	// missing or unreadable.
	ErrNotFound = errors.New("sensor file not found")

	// ErrParse is returned when a record passed its CRC check but the
	// temperature marker or value is missing or malformed.
	ErrParse = errors.New("sensor record malformed")

	// ErrReadTimeout is returned when the conversion never completed
	// within the configured number of re-reads.
	ErrReadTimeout = errors.New("sensor conversion timed out")

	errConversionPending = errors.New("conversion pending")
)

// Reading is a single temperature sample.
type Reading struct {
	ID      string    `json:"id"`
	Celsius float64   `json:"temperature"`
	Time    time.Time `json:"time"`
}

// Reader reads identifiers and temperatures from w1 device directories.
// It holds no per-device state and is safe for concurrent use.
type Reader struct {
	retryDelay time.Duration
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
	readLines  func(path string) ([]string, error)
}

// NewReader creates a Reader using the retry policy in cfg.
func NewReader(cfg config.SensorsConfig, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
		now:        time.Now,
		readLines:  readFileLines,
	}
}

// ReadIdentifier returns the ROM identifier stored in the device's name
// file.
func (r *Reader) ReadIdentifier(devicePath string) (string, error) {
	lines, err := r.readLines(filepath.Join(devicePath, nameFile))
	if err != nil {
		return "", err
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return "", fmt.Errorf("%s: empty name file: %w", devicePath, ErrNotFound)
	}
	return strings.TrimSpace(lines[0]), nil
}

// ReadTemperature returns the current temperature in degrees Celsius.
// A record whose first line does not end in YES is re-read after the
// retry delay, up to the configured number of retries. A missing data
// file is not retried.
func (r *Reader) ReadTemperature(ctx context.Context, devicePath string) (float64, error) {
	path := filepath.Join(devicePath, dataFile)

	var lines []string
	attempts := 0
	op := func() error {
		attempts++
		var err error
		lines, err = r.readLines(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		r.logger.Log(ctx, config.LevelTrace, "w1 record read",
			"device", devicePath, "attempt", attempts, "record", lines)
		if !conversionDone(lines) {
			return errConversionPending
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), uint64(r.maxRetries)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		r.logger.Debug("w1 conversion pending, re-reading",
			"device", devicePath, "attempt", attempts, "next", next)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("read %s: %w", path, ctxErr)
		}
		if errors.Is(err, errConversionPending) {
			return 0, fmt.Errorf("read %s: no valid record after %d attempts: %w", path, attempts, ErrReadTimeout)
		}
		return 0, err
	}

	return parseTemperature(path, lines)
}

// Read returns the identifier and temperature of one device stamped
// with the capture time.
func (r *Reader) Read(ctx context.Context, devicePath string) (Reading, error) {
	id, err := r.ReadIdentifier(devicePath)
	if err != nil {
		return Reading{}, err
	}
	celsius, err := r.ReadTemperature(ctx, devicePath)
	if err != nil {
		return Reading{}, err
	}
	return Reading{ID: id, Celsius: celsius, Time: r.now()}, nil
}

// conversionDone reports whether the first record line carries the
// success marker.
func conversionDone(lines []string) bool {
	return len(lines) > 0 && strings.HasSuffix(strings.TrimSpace(lines[0]), successMarker)
}

func parseTemperature(path string, lines []string) (float64, error) {
	if len(lines) < 2 {
		return 0, fmt.Errorf("%s: record has %d lines: %w", path, len(lines), ErrParse)
	}
	idx := strings.Index(lines[1], tempMarker)
	if idx == -1 {
		return 0, fmt.Errorf("%s: no %q marker: %w", path, tempMarker, ErrParse)
	}
	raw := strings.TrimSpace(lines[1][idx+len(tempMarker):])
	milli, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: temperature %q: %w", path, raw, errors.Join(ErrParse, err))
	}
	return float64(milli) / 1000.0, nil
}

func readFileLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, errors.Join(ErrNotFound, err))
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, errors.Join(ErrNotFound, err))
	}
	return lines, nil
}
