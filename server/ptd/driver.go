package ptd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"ptd_relay/constants"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ziutek/telnet"
	"go.uber.org/zap"
)

var (
	// ErrDaemonUnreachable is returned when every connect attempt failed
	ErrDaemonUnreachable = errors.New("ptd daemon unreachable")
	// ErrDaemonReply is returned when the daemon answers a command with an error
	ErrDaemonReply = errors.New("ptd daemon reported error")
	// ErrNotConnected is returned for commands issued before Connect
	ErrNotConnected = errors.New("ptd daemon not connected")
)

const replyTimeout = 30 * time.Second

// Range is the current and voltage range of the meter. Zero selects auto range.
type Range struct {
	Amps  float32
	Volts float32
}

// AutoRange leaves both ranges to the meter
var AutoRange = Range{}

func (r Range) String() string {
	return fmt.Sprintf("%s A / %s V", formatValue(r.Amps), formatValue(r.Volts))
}

func formatValue(v float32) string {
	if v == 0 {
		return "Auto"
	}
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}

// DialFunc opens the raw connection to the daemon
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options for Driver. Zero values are replaced with package defaults.
type Options struct {
	Address  string
	Attempts int
	Interval time.Duration
	Settle   time.Duration
	Clock    clock.Clock
	Dial     DialFunc
}

// Driver talks to PTDaemon over its line protocol. The last applied range is remembered across reconnects
// so that repeating it costs nothing.
type Driver struct {
	opts   Options
	logger *zap.Logger
	conn   *telnet.Conn
	last   *Range
}

// NewDriver returns disconnected driver
func NewDriver(opts Options, logger *zap.Logger) *Driver {
	if opts.Address == "" {
		opts.Address = constants.DEFAULT_PTD_ADDRESS
	}
	if opts.Attempts <= 0 {
		opts.Attempts = constants.PTD_CONNECT_ATTEMPTS
	}
	if opts.Interval <= 0 {
		opts.Interval = constants.PTD_CONNECT_INTERVAL_MS * time.Millisecond
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{Timeout: opts.Interval}
		opts.Dial = dialer.DialContext
	}
	return &Driver{opts: opts, logger: logger.With(zap.String("ptd", opts.Address))}
}

// Connect dials the daemon, retrying until attempts are exhausted, and identifies the meter
func (d *Driver) Connect(ctx context.Context) error {
	d.Close()

	var lastErr error
	for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
		raw, err := d.opts.Dial(ctx, "tcp", d.opts.Address)
		if err == nil {
			conn, err := telnet.NewConn(raw)
			if err != nil {
				raw.Close()
				return err
			}
			d.conn = conn
			d.logger.Info("Connected to ptd daemon", zap.Int("attempt", attempt))
			return d.identify()
		}
		lastErr = err
		d.logger.Debug("Ptd daemon not ready", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == d.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.opts.Clock.After(d.opts.Interval):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrDaemonUnreachable, d.opts.Attempts, lastErr)
}

func (d *Driver) identify() error {
	reply, err := d.command("Identify")
	if err != nil {
		d.Close()
		return err
	}
	d.logger.Info("Meter identified", zap.String("identity", reply))
	return nil
}

// Connected reports whether Connect succeeded and Close was not called since
func (d *Driver) Connected() bool {
	return d.conn != nil
}

// Hello checks the daemon still answers
func (d *Driver) Hello() (string, error) {
	return d.command("Hello")
}

// SetRange selects meter ranges and waits for the meter to settle. Repeating the current range sends nothing.
func (d *Driver) SetRange(ctx context.Context, r Range) error {
	if d.last != nil && *d.last == r {
		d.logger.Debug("Range unchanged", zap.Stringer("range", r))
		return nil
	}
	if _, err := d.command("SR,A," + formatValue(r.Amps)); err != nil {
		return err
	}
	if _, err := d.command("SR,V," + formatValue(r.Volts)); err != nil {
		d.last = nil
		return err
	}
	d.last = &r
	d.logger.Info("Range set", zap.Stringer("range", r), zap.Duration("settle", d.opts.Settle))

	if d.opts.Settle == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.opts.Clock.After(d.opts.Settle):
		return nil
	}
}

// Start begins logging samples marked with label
func (d *Driver) Start(label string) error {
	_, err := d.command("Go,1000,0," + label)
	return err
}

// Stop ends logging
func (d *Driver) Stop() error {
	_, err := d.command("Stop")
	return err
}

// Close drops the connection. The daemon keeps running.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// command sends one line and returns the daemon's reply line
func (d *Driver) command(line string) (string, error) {
	if d.conn == nil {
		return "", ErrNotConnected
	}
	if err := d.conn.SetDeadline(time.Now().Add(replyTimeout)); err != nil {
		return "", err
	}
	if _, err := d.conn.Write([]byte(line + "\r\n")); err != nil {
		return "", fmt.Errorf("sending %q: %w", line, err)
	}
	reply, err := d.conn.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading reply to %q: %w", line, err)
	}
	if len(reply) > constants.PTD_REPLY_MAX_LEN {
		return "", fmt.Errorf("reply to %q longer than %d bytes", line, constants.PTD_REPLY_MAX_LEN)
	}
	reply = strings.TrimRight(reply, "\r\n")
	d.logger.Debug("Ptd command", zap.String("command", line), zap.String("reply", reply))

	if strings.HasPrefix(reply, "Error") {
		return reply, fmt.Errorf("%w: %q: %s", ErrDaemonReply, line, reply)
	}
	return reply, nil
}
