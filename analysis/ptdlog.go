package analysis

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RangingSuffix is appended to workload names in Go labels during ranging
const RangingSuffix = "_ranging"

// TestingSuffix is appended to workload names in Go labels during testing
const TestingSuffix = "_testing"

// Sample is a single measurement line written by PTDaemon
type Sample struct {
	Volts float64
	Amps  float64
	Mark  string
}

// ParseSample decodes "Time,<t>,Watts,<w>,Volts,<v>,Amps,<a>,PF,<pf>,Mark,<mark>[,...]".
// ok is false for lines of any other shape.
func ParseSample(line string) (Sample, bool) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(fields) < 12 {
		return Sample{}, false
	}
	for i, key := range []string{"Time", "Watts", "Volts", "Amps", "PF", "Mark"} {
		if fields[2*i] != key {
			return Sample{}, false
		}
	}
	volts, err := strconv.ParseFloat(strings.TrimSpace(fields[5]), 64)
	if err != nil {
		return Sample{}, false
	}
	amps, err := strconv.ParseFloat(strings.TrimSpace(fields[7]), 64)
	if err != nil {
		return Sample{}, false
	}
	return Sample{Volts: volts, Amps: amps, Mark: fields[11]}, true
}

// MaxByMark reduces a PTDaemon log to the largest Amps and Volts seen under every mark
func MaxByMark(r io.Reader) (map[string]MaxAmpsVolts, error) {
	peaks := make(map[string]MaxAmpsVolts)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sample, ok := ParseSample(scanner.Text())
		if !ok {
			continue
		}
		peaks[sample.Mark] = peaks[sample.Mark].include(sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ptd log: %w", err)
	}
	return peaks, nil
}

// RangingPeaks keeps only ranging marks and keys them by workload name
func RangingPeaks(peaks map[string]MaxAmpsVolts) Calibration {
	out := make(Calibration)
	for mark, peak := range peaks {
		if name, ok := strings.CutSuffix(mark, RangingSuffix); ok && name != "" {
			out[name] = peak
		}
	}
	return out
}

// Overall folds every mark into a single peak
func Overall(peaks map[string]MaxAmpsVolts) (MaxAmpsVolts, bool) {
	var total MaxAmpsVolts
	for _, peak := range peaks {
		total.MaxAmps = max(total.MaxAmps, peak.MaxAmps)
		total.MaxVolts = max(total.MaxVolts, peak.MaxVolts)
	}
	return total, len(peaks) > 0
}
