package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"ptd_relay/analysis"
	"ptd_relay/fileio"
	"ptd_relay/networking"
	"ptd_relay/networking/opcode"
	"ptd_relay/process"
	"ptd_relay/server/ptd"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

var (
	// ErrMissingCalibration is returned when testing a workload that ranging never measured
	ErrMissingCalibration = errors.New("no calibration values for workload")
	// ErrUnexpectedCommand is returned for commands that are unknown or out of place
	ErrUnexpectedCommand = errors.New("unexpected command")
	// ErrDaemonStart is returned when PTDaemon could not be started or reached
	ErrDaemonStart = errors.New("ptd daemon could not be started")
)

// Handler holds the state of one session
type Handler struct {
	server *Server
	conn   net.Conn
	logger *zap.Logger
	scope  *process.Scope
	driver *ptd.Driver

	mode        int32 // RANGING_MODE or TESTING_MODE
	batch       bool  // START_RANGING or START_TESTING received
	remaining   int32 // Workloads left in batch
	base        ptd.Range
	ranged      bool // Snapshots staged in this session
	calibration analysis.Calibration
}

func newHandler(s *Server, conn net.Conn, logger *zap.Logger) *Handler {
	return &Handler{
		server: s,
		conn:   conn,
		logger: logger,
		scope:  process.NewScope(s.supervisor, logger),
		driver: ptd.NewDriver(ptd.Options{
			Address:  s.cfg.DaemonAddress(),
			Attempts: s.cfg.ConnectAttempts,
			Settle:   s.cfg.SettleDelay,
			Clock:    s.clock,
			Dial:     s.dial,
		}, logger),
	}
}

// teardown disconnects from PTDaemon and stops every process the session started
func (h *Handler) teardown() {
	if h.driver.Connected() {
		h.logger.Debug("Closing daemon connection")
	}
	h.driver.Close()
	if err := h.scope.Close(); err != nil {
		h.logger.Warn("Teardown incomplete", zap.Error(err))
	}
}

func (h *Handler) run(ctx context.Context) error {
	if err := h.handleInit(ctx); err != nil {
		return err
	}

	for {
		cmd, err := networking.ReadCommand(h.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Connection closed.
				return nil
			}
			if errors.Is(err, networking.ErrUnknownCommand) {
				return h.fail(opcode.ERR_PROTOCOL, fmt.Errorf("%w: %v", ErrUnexpectedCommand, err))
			}
			return err
		}
		h.logger.Debug("Command", zap.String("command", opcode.Name(cmd.Code)),
			zap.String("name", cmd.Name), zap.Int32("amount", cmd.Amount))

		if err := h.dispatcher(ctx, cmd); err != nil {
			return err
		}
	}
}

// dispatcher determines what to do with incoming commands
func (h *Handler) dispatcher(ctx context.Context, cmd *networking.Command) error {
	switch cmd.Code {
	case opcode.START_RANGING:
		return h.startRanging(cmd.Amount)
	case opcode.START_TESTING:
		return h.startTesting(ctx, cmd.Amount)
	case opcode.START_PTD:
		return h.startLog(ctx, cmd.Name)
	case opcode.STOP_PTD:
		return h.stopLog()
	case opcode.SAVE_FILE:
		return h.saveLog(cmd.Name)
	case opcode.GET_FILE:
		return h.sendLog()
	default:
		return h.fail(opcode.ERR_PROTOCOL, fmt.Errorf("%w: %d", ErrUnexpectedCommand, cmd.Code))
	}
}

// handleInit reads InitMessage, starts PTDaemon and applies the base range
func (h *Handler) handleInit(ctx context.Context) error {
	var msg networking.InitMessage
	if err := networking.ReadRecord(h.conn, &msg); err != nil {
		return fmt.Errorf("reading init message: %w", err)
	}
	if msg.Mode != opcode.RANGING_MODE && msg.Mode != opcode.TESTING_MODE {
		return h.fail(opcode.ERR_PROTOCOL, fmt.Errorf("%w: init mode %d", ErrUnexpectedCommand, msg.Mode))
	}
	h.mode = msg.Mode

	cfg := h.server.cfg
	if err := os.Remove(cfg.LogFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return h.fail(opcode.ERR_FILE, fmt.Errorf("removing stale log: %w", err))
	}

	commandLine, err := cfg.PtdCommand(h.server.flags)
	if err != nil {
		return h.fail(opcode.ERR_DAEMON, fmt.Errorf("%w: %v", ErrDaemonStart, err))
	}
	h.logger.Info("Starting ptd daemon", zap.String("command", commandLine))
	daemon, err := h.scope.Start(ctx, commandLine)
	if err != nil {
		return h.fail(opcode.ERR_DAEMON, fmt.Errorf("%w: %v", ErrDaemonStart, err))
	}

	if err := h.driver.Connect(ctx); err != nil {
		return h.fail(opcode.ERR_DAEMON,
			fmt.Errorf("%w: %v (daemon running: %t)", ErrDaemonStart, err, process.IsAlive(daemon)))
	}
	hello, err := h.driver.Hello()
	if err != nil {
		return h.fail(opcode.ERR_DAEMON, fmt.Errorf("%w: %v", ErrDaemonStart, err))
	}
	h.logger.Debug("Daemon answers", zap.String("hello", hello))

	if msg.Mode == opcode.TESTING_MODE {
		h.base = ptd.Range{
			Amps:  msg.MaxAmps * cfg.CorrectionFactor,
			Volts: msg.MaxVolts * cfg.CorrectionFactor,
		}
	}
	if err := h.driver.SetRange(ctx, h.base); err != nil {
		return h.fail(opcode.ERR_DAEMON, err)
	}

	h.logger.Info("Session initialized",
		zap.String("mode", modeSuffix(msg.Mode)), zap.Stringer("range", h.base))
	return h.reply(opcode.OK, "Start all needed processes")
}

func (h *Handler) startRanging(amount int32) error {
	if err := h.server.staging.Reset(); err != nil {
		return h.fail(opcode.ERR_FILE, fmt.Errorf("clearing staging: %w", err))
	}
	h.mode = opcode.RANGING_MODE
	h.batch = true
	h.remaining = amount
	h.ranged = false
	h.calibration = nil

	h.logger.Info("Ranging batch", zap.Int32("workloads", amount))
	return h.reply(opcode.OK, "Start ranging")
}

// startTesting blocks until ranging analysis of the staged snapshots completes
func (h *Handler) startTesting(ctx context.Context, amount int32) error {
	if h.ranged {
		started := time.Now()
		calibration, err := h.server.analyzer.Analyze(ctx, h.server.staging)
		if err != nil {
			return h.fail(opcode.ERR_CALIBRATION, fmt.Errorf("ranging analysis: %w", err))
		}
		if err := analysis.SaveCalibration(h.server.cfg.CalibrationFile, calibration); err != nil {
			h.logger.Warn("Could not keep calibration file", zap.Error(err))
		}
		h.calibration = calibration
		h.logger.Info("Ranging analysis done",
			zap.Strings("workloads", calibration.Names()), zap.Duration("took", time.Since(started)))
	}
	h.mode = opcode.TESTING_MODE
	h.batch = true
	h.remaining = amount

	h.logger.Info("Testing batch", zap.Int32("workloads", amount))
	return h.reply(opcode.OK, "Start testing")
}

// workloadRange picks meter range for workload in the current mode
func (h *Handler) workloadRange(name string) (ptd.Range, error) {
	if h.mode == opcode.RANGING_MODE {
		return ptd.AutoRange, nil
	}
	if h.calibration == nil {
		return h.base, nil
	}
	peak, ok := h.calibration[name]
	if !ok {
		if closest, found := h.calibration.Closest(name); found {
			return ptd.Range{}, fmt.Errorf("%w: %q (closest measured %q)", ErrMissingCalibration, name, closest)
		}
		return ptd.Range{}, fmt.Errorf("%w: %q", ErrMissingCalibration, name)
	}
	peak = peak.Scale(h.server.cfg.CorrectionFactor)
	return ptd.Range{Amps: peak.MaxAmps, Volts: peak.MaxVolts}, nil
}

func (h *Handler) startLog(ctx context.Context, name string) error {
	if h.batch && h.remaining <= 0 {
		return h.fail(opcode.ERR_PROTOCOL, fmt.Errorf("%w: START_PTD %q after batch ended", ErrUnexpectedCommand, name))
	}
	r, err := h.workloadRange(name)
	if err != nil {
		return h.fail(opcode.ERR_CALIBRATION, err)
	}
	if err := h.driver.SetRange(ctx, r); err != nil {
		return h.fail(opcode.ERR_DAEMON, err)
	}
	label := name + modeSuffix(h.mode)
	if err := h.driver.Start(label); err != nil {
		return h.fail(opcode.ERR_DAEMON, err)
	}

	h.logger.Info("Logging started", zap.String("mark", label), zap.Stringer("range", r))
	return h.reply(opcode.OK, "Start ptd.daemon")
}

func (h *Handler) stopLog() error {
	if err := h.driver.Stop(); err != nil {
		return h.fail(opcode.ERR_DAEMON, err)
	}
	if h.batch && h.remaining > 0 {
		h.remaining--
	}
	h.logger.Info("Logging stopped", zap.Int32("remaining", h.remaining))
	return h.reply(opcode.OK, "Stop ptd.daemon")
}

func (h *Handler) saveLog(name string) error {
	sum, err := fileio.GetFileChecksumSHA256(h.server.cfg.LogFile())
	if err != nil {
		return h.fail(opcode.ERR_FILE, err)
	}
	size, err := h.server.staging.Save(name, h.server.cfg.LogFile())
	if err != nil {
		return h.fail(opcode.ERR_FILE, err)
	}
	h.ranged = true
	h.logger.Info("Log staged", zap.String("name", name),
		zap.String("size", humanize.IBytes(uint64(size))), zap.String("sha256", hex.EncodeToString(sum)))
	return h.reply(opcode.OK, "Copied file")
}

// sendLog streams current log. The file frame replaces the answer, so failures end the session.
func (h *Handler) sendLog() error {
	started := time.Now()
	transfer, err := fileio.SendFile(h.conn, h.server.cfg.LogFile(), h.server.cfg.ChunkSize*1024)
	if err != nil {
		return fmt.Errorf("sending log: %w", err)
	}
	h.logger.Info("Log sent",
		zap.String("size", humanize.IBytes(uint64(transfer.Size))),
		zap.String("crc32", fmt.Sprintf("%08x", transfer.CRC32)),
		zap.Duration("took", time.Since(started)))
	return nil
}

// reply sends ServerAnswer
func (h *Handler) reply(code int32, message string) error {
	if err := networking.WriteRecord(h.conn, networking.NewServerAnswer(code, message)); err != nil {
		return fmt.Errorf("sending answer: %w", err)
	}
	return nil
}

// fail reports err to the client with code and returns it
func (h *Handler) fail(code int32, err error) error {
	h.logger.Error("Command failed", zap.Int32("code", code), zap.Error(err))
	if replyErr := h.reply(code, err.Error()); replyErr != nil {
		return errors.Join(err, replyErr)
	}
	return err
}

func modeSuffix(mode int32) string {
	if mode == opcode.RANGING_MODE {
		return analysis.RangingSuffix
	}
	return analysis.TestingSuffix
}
