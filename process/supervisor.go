package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// ErrEmptyCommand is returned for blank command lines
var ErrEmptyCommand = errors.New("empty command line")

// Handle is a started process
type Handle interface {
	Pid() int
	Alive() bool
	Stop() error
}

// Supervisor starts long running processes and runs short lived ones
type Supervisor interface {
	Start(ctx context.Context, commandLine string) (Handle, error)
	RunToCompletion(ctx context.Context, commandLine string) (int, error)
}

// IsAlive reports whether handle refers to a running process
func IsAlive(h Handle) bool {
	return h != nil && h.Alive()
}

// Exec runs commands as OS processes
type Exec struct {
	logger   *zap.Logger
	stopWait time.Duration
}

// NewExec returns supervisor backed by os/exec. Process output is logged at debug level.
func NewExec(logger *zap.Logger) *Exec {
	return &Exec{logger: logger, stopWait: 5 * time.Second}
}

// Split breaks command line into program and arguments using shell quoting rules
func Split(commandLine string) ([]string, error) {
	args, err := shlex.Split(commandLine)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", commandLine, err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}

// Quote protects argument from splitting by Split. Windows paths keep their backslashes.
func Quote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\\'\"") {
		return arg
	}
	if !strings.Contains(arg, "'") {
		return "'" + arg + "'"
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(arg)
	return `"` + escaped + `"`
}

func (e *Exec) command(ctx context.Context, commandLine string) (*exec.Cmd, *zapio.Writer, error) {
	args, err := Split(commandLine)
	if err != nil {
		return nil, nil, err
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output := &zapio.Writer{Log: e.logger.With(zap.String("process", args[0])), Level: zap.DebugLevel}
	cmd.Stdout = output
	cmd.Stderr = output
	return cmd, output, nil
}

// Start launches process and returns handle for it. The process outlives ctx only if ctx is never cancelled.
func (e *Exec) Start(ctx context.Context, commandLine string) (Handle, error) {
	cmd, output, err := e.command(ctx, commandLine)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		output.Close()
		return nil, fmt.Errorf("starting %q: %w", commandLine, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{}), wait: e.stopWait}
	go func() {
		h.err = cmd.Wait()
		output.Close()
		close(h.done)
	}()

	e.logger.Info("Started process", zap.String("command", commandLine), zap.Int("pid", cmd.Process.Pid))
	return h, nil
}

// RunToCompletion runs command and returns its exit code
func (e *Exec) RunToCompletion(ctx context.Context, commandLine string) (int, error) {
	cmd, output, err := e.command(ctx, commandLine)
	if err != nil {
		return -1, err
	}
	defer output.Close()

	e.logger.Info("Running command", zap.String("command", commandLine))
	err = cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("running %q: %w", commandLine, err)
	}
	return 0, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	wait time.Duration
	once sync.Once
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stop asks the process to exit and kills it if it does not within the grace period
func (h *execHandle) Stop() error {
	var err error
	h.once.Do(func() {
		if !h.Alive() {
			return
		}
		// Interrupt is not available on every platform; fall through to kill.
		if h.cmd.Process.Signal(os.Interrupt) == nil {
			select {
			case <-h.done:
				return
			case <-time.After(h.wait):
			}
		}
		if killErr := h.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = killErr
			return
		}
		<-h.done
	})
	return err
}
