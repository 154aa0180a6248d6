package analysis

import (
	"fmt"
	"os"
	"sort"

	lev "github.com/agnivade/levenshtein"
	jsoniter "github.com/json-iterator/go"
	"github.com/json-iterator/go/extra"
)

// Older ranging scripts write values as quoted strings
func init() {
	extra.RegisterFuzzyDecoders()
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxAmpsVolts is the measured peak of one workload
type MaxAmpsVolts struct {
	MaxAmps  float32 `json:"maxAmps"`
	MaxVolts float32 `json:"maxVolts"`
}

func (m MaxAmpsVolts) include(s Sample) MaxAmpsVolts {
	m.MaxAmps = max(m.MaxAmps, float32(s.Amps))
	m.MaxVolts = max(m.MaxVolts, float32(s.Volts))
	return m
}

// Scale multiplies both values by factor
func (m MaxAmpsVolts) Scale(factor float32) MaxAmpsVolts {
	return MaxAmpsVolts{MaxAmps: m.MaxAmps * factor, MaxVolts: m.MaxVolts * factor}
}

// Calibration maps workload name to its ranging peak
type Calibration map[string]MaxAmpsVolts

// Names returns workload names in lexical order
func (c Calibration) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Closest returns the measured workload whose name is nearest to name by edit distance
func (c Calibration) Closest(name string) (string, bool) {
	best, bestDistance := "", -1
	for _, candidate := range c.Names() {
		if d := lev.ComputeDistance(name, candidate); bestDistance < 0 || d < bestDistance {
			best, bestDistance = candidate, d
		}
	}
	return best, bestDistance >= 0
}

// LoadCalibration reads calibration file written by ranging analysis
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading calibration: %w", err)
	}
	calibration := make(Calibration)
	if err := json.Unmarshal(data, &calibration); err != nil {
		return nil, fmt.Errorf("parsing calibration %s: %w", path, err)
	}
	return calibration, nil
}

// SaveCalibration writes calibration file in the format ranging scripts produce
func SaveCalibration(path string, calibration Calibration) error {
	data, err := json.MarshalIndent(calibration, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing calibration: %w", err)
	}
	return nil
}
