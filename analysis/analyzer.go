package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"ptd_relay/fileio"
	"ptd_relay/process"
	"strings"

	"go.uber.org/zap"
)

// ErrNoSamples is returned when staged logs contain no measurement lines
var ErrNoSamples = errors.New("no measurement samples in staged logs")

// Analyzer turns the logs staged during ranging into calibration values
type Analyzer interface {
	Analyze(ctx context.Context, staging *fileio.Staging) (Calibration, error)
}

// LogAnalyzer parses staged snapshots directly
type LogAnalyzer struct {
	logger *zap.Logger
}

// NewLogAnalyzer returns in-process analyzer
func NewLogAnalyzer(logger *zap.Logger) *LogAnalyzer {
	return &LogAnalyzer{logger: logger}
}

// Analyze finds the peak of every staged workload. Samples marked "<name>_ranging" are preferred,
// snapshots without such marks contribute all of their samples.
func (a *LogAnalyzer) Analyze(ctx context.Context, staging *fileio.Staging) (Calibration, error) {
	names, err := staging.Names()
	if err != nil {
		return nil, err
	}

	calibration := make(Calibration, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		peaks, err := a.snapshotPeaks(staging, name)
		if err != nil {
			return nil, err
		}

		peak, ok := RangingPeaks(peaks)[name]
		if !ok {
			if peak, ok = Overall(peaks); !ok {
				return nil, fmt.Errorf("%w: %s", ErrNoSamples, name)
			}
			a.logger.Warn("No ranging mark in snapshot, using every sample", zap.String("workload", name))
		}
		calibration[name] = peak
		a.logger.Info("Ranging peak",
			zap.String("workload", name),
			zap.Float32("maxAmps", peak.MaxAmps),
			zap.Float32("maxVolts", peak.MaxVolts))
	}
	return calibration, nil
}

func (a *LogAnalyzer) snapshotPeaks(staging *fileio.Staging, name string) (map[string]MaxAmpsVolts, error) {
	snapshot, err := staging.Open(name)
	if err != nil {
		return nil, err
	}
	defer snapshot.Close()
	return MaxByMark(snapshot)
}

// ScriptAnalyzer exports snapshots and runs an external ranging script which writes calibration file
type ScriptAnalyzer struct {
	supervisor process.Supervisor
	script     string
	output     string
	logger     *zap.Logger
}

// NewScriptAnalyzer returns analyzer running script as "<script> -spl <dir> -o <output>"
func NewScriptAnalyzer(supervisor process.Supervisor, script, output string, logger *zap.Logger) *ScriptAnalyzer {
	return &ScriptAnalyzer{supervisor: supervisor, script: script, output: output, logger: logger}
}

// Analyze blocks until the script exits
func (a *ScriptAnalyzer) Analyze(ctx context.Context, staging *fileio.Staging) (Calibration, error) {
	exportDir, err := os.MkdirTemp("", "ranging")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(exportDir)

	if err := staging.Export(exportDir); err != nil {
		return nil, err
	}
	os.Remove(a.output)

	commandLine := strings.Join([]string{a.script, "-spl", process.Quote(exportDir), "-o", process.Quote(a.output)}, " ")
	a.logger.Info("Running ranging script", zap.String("command", commandLine))
	code, err := a.supervisor.RunToCompletion(ctx, commandLine)
	if err != nil {
		return nil, fmt.Errorf("ranging script: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("ranging script exited with code %d", code)
	}
	return LoadCalibration(a.output)
}
