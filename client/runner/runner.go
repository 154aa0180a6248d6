package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"ptd_relay/config"
	"ptd_relay/fileio"
	"ptd_relay/networking/opcode"
	"ptd_relay/process"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Session is the server conversation the runner drives
type Session interface {
	Init(mode int32, maxAmps, maxVolts float32) (string, error)
	StartRanging(amount int) (string, error)
	StartTesting(amount int) (string, error)
	StartWorkload(name string) (string, error)
	StopWorkload() (string, error)
	SaveLog(name string) (string, error)
	GetLog(destination string) (*fileio.Transfer, error)
}

// Runner executes workloads while the server measures them
type Runner struct {
	cfg        *config.ClientConfig
	session    Session
	supervisor process.Supervisor
	clock      clock.Clock
	logger     *zap.Logger
}

// New returns runner. A nil clock means wall clock.
func New(cfg *config.ClientConfig, session Session, supervisor process.Supervisor, clk clock.Clock, logger *zap.Logger) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{cfg: cfg, session: session, supervisor: supervisor, clock: clk, logger: logger}
}

// SyncTime runs the configured NTP commands
func (r *Runner) SyncTime(ctx context.Context) error {
	for _, command := range r.cfg.NtpCommands {
		if err := r.runCommand(ctx, "ntp", command); err != nil {
			return err
		}
	}
	return nil
}

// Run opens the session and performs an optional ranging pass, the testing pass and final log retrieval
func (r *Runner) Run(ctx context.Context, ranging bool) error {
	mode := int32(opcode.TESTING_MODE)
	amps, volts := r.cfg.InitMaxAmps, r.cfg.InitMaxVolts
	if ranging {
		mode, amps, volts = opcode.RANGING_MODE, 0, 0
	}
	msg, err := r.session.Init(mode, amps, volts)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	r.logger.Info("Session ready", zap.String("server", msg))

	if ranging {
		if err := r.rangingPass(ctx); err != nil {
			return err
		}
	}
	if err := r.testingPass(ctx); err != nil {
		return err
	}

	if err := r.fetch(filepath.Join(r.cfg.OutputDir, filepath.Base(r.cfg.LogFile))); err != nil {
		return err
	}
	for _, command := range r.cfg.ParserCommands {
		if err := r.runCommand(ctx, "parser", command); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) rangingPass(ctx context.Context) error {
	if _, err := r.session.StartRanging(len(r.cfg.Workloads)); err != nil {
		return fmt.Errorf("start ranging: %w", err)
	}
	return r.eachWorkload(ctx, func(w config.Workload) error {
		if _, err := r.session.SaveLog(w.Name); err != nil {
			return fmt.Errorf("save log %s: %w", w.Name, err)
		}
		return nil
	})
}

func (r *Runner) testingPass(ctx context.Context) error {
	// Blocks while the server analyses ranging results.
	if _, err := r.session.StartTesting(len(r.cfg.Workloads)); err != nil {
		return fmt.Errorf("start testing: %w", err)
	}
	return r.eachWorkload(ctx, func(w config.Workload) error {
		return r.fetch(filepath.Join(r.cfg.OutputDir, w.Name+".log"))
	})
}

// eachWorkload measures every workload and calls after once logging stopped
func (r *Runner) eachWorkload(ctx context.Context, after func(config.Workload) error) error {
	for i, w := range r.cfg.Workloads {
		if i > 0 {
			if err := r.pause(ctx); err != nil {
				return err
			}
		}
		if _, err := r.session.StartWorkload(w.Name); err != nil {
			return fmt.Errorf("start %s: %w", w.Name, err)
		}
		runErr := r.runCommand(ctx, w.Name, w.Command)
		if _, err := r.session.StopWorkload(); err != nil {
			return fmt.Errorf("stop %s: %w", w.Name, err)
		}
		if runErr != nil {
			return runErr
		}
		if err := after(w); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) fetch(destination string) error {
	started := r.clock.Now()
	transfer, err := r.session.GetLog(destination)
	if err != nil {
		return fmt.Errorf("get log %s: %w", destination, err)
	}
	stored, err := fileio.GetFileChecksumCRC32(destination)
	if err != nil {
		return fmt.Errorf("get log %s: %w", destination, err)
	}
	if stored != transfer.CRC32 {
		return fmt.Errorf("get log %s: stored crc32 %08x, received %08x", destination, stored, transfer.CRC32)
	}
	r.logger.Info("Log received",
		zap.String("file", destination),
		zap.String("size", humanize.IBytes(uint64(transfer.Size))),
		zap.String("crc32", fmt.Sprintf("%08x", transfer.CRC32)),
		zap.Duration("took", r.clock.Since(started)))
	return nil
}

func (r *Runner) runCommand(ctx context.Context, name, command string) error {
	r.logger.Info("Running", zap.String("name", name), zap.String("command", command))
	code, err := r.supervisor.RunToCompletion(ctx, command)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if code != 0 {
		return fmt.Errorf("%s: %q exited with code %d", name, command, code)
	}
	return nil
}

func (r *Runner) pause(ctx context.Context) error {
	if r.cfg.WorkloadPause <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(r.cfg.WorkloadPause):
		return nil
	}
}
