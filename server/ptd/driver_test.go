package ptd

import (
	"context"
	"errors"
	"net"
	"ptd_relay/server/ptd/ptdtest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func connected(t *testing.T, daemon *ptdtest.Daemon, opts Options) *Driver {
	t.Helper()
	opts.Address = daemon.Addr()
	driver := NewDriver(opts, zap.NewNop())
	require.NoError(t, driver.Connect(context.Background()))
	t.Cleanup(func() { driver.Close() })
	return driver
}

func TestConnectIdentifies(t *testing.T) {
	daemon := ptdtest.Start(t)
	driver := connected(t, daemon, Options{})

	assert.True(t, driver.Connected())
	assert.Equal(t, []string{"Identify"}, daemon.Lines())

	reply, err := driver.Hello()
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
}

func TestConnectRetriesThenGivesUp(t *testing.T) {
	mock := clock.NewMock()
	var dials atomic.Int32
	driver := NewDriver(Options{
		Clock: mock,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- driver.Connect(context.Background()) }()

	start := mock.Now()
	var err error
wait:
	for {
		select {
		case err = <-done:
			break wait
		default:
			mock.Add(time.Second)
		}
	}

	assert.ErrorIs(t, err, ErrDaemonUnreachable)
	assert.Equal(t, int32(60), dials.Load())
	assert.False(t, driver.Connected())
	assert.GreaterOrEqual(t, mock.Now().Sub(start), 59*time.Second)
}

func TestConnectSucceedsOnLaterAttempt(t *testing.T) {
	daemon := ptdtest.Start(t)
	mock := clock.NewMock()
	var dials atomic.Int32
	driver := NewDriver(Options{
		Address: daemon.Addr(),
		Clock:   mock,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			if dials.Add(1) < 3 {
				return nil, errors.New("connection refused")
			}
			return net.Dial(network, address)
		},
	}, zap.NewNop())
	defer driver.Close()

	done := make(chan error, 1)
	go func() { done <- driver.Connect(context.Background()) }()

	var err error
wait:
	for {
		select {
		case err = <-done:
			break wait
		default:
			mock.Add(time.Second)
		}
	}
	require.NoError(t, err)
	assert.Equal(t, int32(3), dials.Load())
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	driver := NewDriver(Options{
		Clock: clock.NewMock(),
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			cancel()
			return nil, errors.New("connection refused")
		},
	}, zap.NewNop())

	assert.ErrorIs(t, driver.Connect(ctx), context.Canceled)
}

func TestIdentifyError(t *testing.T) {
	daemon := ptdtest.Start(t)
	daemon.ReplyTo("Identify", "Error: no meter on serial port")

	driver := NewDriver(Options{Address: daemon.Addr()}, zap.NewNop())
	err := driver.Connect(context.Background())
	assert.ErrorIs(t, err, ErrDaemonReply)
	assert.False(t, driver.Connected())
}

func TestCommandLines(t *testing.T) {
	daemon := ptdtest.Start(t)
	driver := connected(t, daemon, Options{})

	require.NoError(t, driver.SetRange(context.Background(), Range{Amps: 2, Volts: 10}))
	require.NoError(t, driver.Start("resnet_testing"))
	require.NoError(t, driver.Stop())
	require.NoError(t, driver.SetRange(context.Background(), Range{Amps: 0.25}))
	require.NoError(t, driver.SetRange(context.Background(), AutoRange))

	assert.Equal(t, []string{
		"Identify",
		"SR,A,2", "SR,V,10",
		"Go,1000,0,resnet_testing",
		"Stop",
		"SR,A,0.25", "SR,V,Auto",
		"SR,A,Auto", "SR,V,Auto",
	}, daemon.Lines())
}

func TestSetRangeUnchangedIsNoop(t *testing.T) {
	daemon := ptdtest.Start(t)
	mock := clock.NewMock()
	driver := connected(t, daemon, Options{Clock: mock, Settle: 10 * time.Second})

	first := make(chan error, 1)
	go func() { first <- driver.SetRange(context.Background(), Range{Amps: 3, Volts: 12}) }()
settle:
	for {
		select {
		case err := <-first:
			require.NoError(t, err)
			break settle
		default:
			mock.Add(time.Second)
		}
	}
	sent := len(daemon.Lines())

	// must return without the clock moving
	require.NoError(t, driver.SetRange(context.Background(), Range{Amps: 3, Volts: 12}))
	assert.Len(t, daemon.Lines(), sent)
}

func TestRangeSurvivesReconnect(t *testing.T) {
	daemon := ptdtest.Start(t)
	driver := connected(t, daemon, Options{})

	require.NoError(t, driver.SetRange(context.Background(), Range{Amps: 1, Volts: 5}))
	require.NoError(t, driver.Close())
	require.NoError(t, driver.Connect(context.Background()))
	require.NoError(t, driver.SetRange(context.Background(), Range{Amps: 1, Volts: 5}))

	assert.Equal(t, []string{"Identify", "SR,A,1", "SR,V,5", "Identify"}, daemon.Lines())
	assert.Equal(t, 2, daemon.Connections())
}

func TestSettleDelaysNextCommand(t *testing.T) {
	daemon := ptdtest.Start(t)
	mock := clock.NewMock()
	driver := connected(t, daemon, Options{Clock: mock, Settle: 10 * time.Second})
	_, _ = daemon.Next(time.Second) // Identify

	done := make(chan error, 1)
	go func() {
		if err := driver.SetRange(context.Background(), Range{Amps: 2, Volts: 10}); err != nil {
			done <- err
			return
		}
		done <- driver.Start("w1_testing")
	}()

	line, ok := daemon.Next(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "SR,A,2", line)
	line, ok = daemon.Next(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "SR,V,10", line)
	start := mock.Now()

	_, early := daemon.Next(50 * time.Millisecond)
	assert.False(t, early, "Go sent before the meter settled")

	for {
		mock.Add(time.Second)
		if line, ok = daemon.Next(10 * time.Millisecond); ok {
			break
		}
	}
	assert.Equal(t, "Go,1000,0,w1_testing", line)
	assert.GreaterOrEqual(t, mock.Now().Sub(start), 10*time.Second)
	require.NoError(t, <-done)
}

func TestDaemonErrorReply(t *testing.T) {
	daemon := ptdtest.Start(t)
	daemon.ReplyTo("Go", "Error: logging already active")
	driver := connected(t, daemon, Options{})

	err := driver.Start("w1_ranging")
	assert.ErrorIs(t, err, ErrDaemonReply)
	assert.NoError(t, driver.Stop())
}

func TestFailedRangeIsForgotten(t *testing.T) {
	daemon := ptdtest.Start(t)
	driver := connected(t, daemon, Options{})

	require.NoError(t, driver.SetRange(context.Background(), Range{Amps: 1, Volts: 5}))
	daemon.ReplyTo("SR,V", "Error: range not supported")
	assert.ErrorIs(t, driver.SetRange(context.Background(), Range{Amps: 2, Volts: 600}), ErrDaemonReply)

	daemon.ReplyTo("SR,V", "OK")
	require.NoError(t, driver.SetRange(context.Background(), Range{Amps: 1, Volts: 5}))
	assert.Equal(t, []string{"SR,A,1", "SR,V,5"}, daemon.Lines()[len(daemon.Lines())-2:])
}

func TestNotConnected(t *testing.T) {
	driver := NewDriver(Options{}, zap.NewNop())
	assert.ErrorIs(t, driver.Stop(), ErrNotConnected)
	assert.NoError(t, driver.Close())
}

func TestRangeString(t *testing.T) {
	assert.Equal(t, "Auto A / 230.5 V", Range{Volts: 230.5}.String())
}
