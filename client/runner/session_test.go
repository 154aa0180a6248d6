package runner

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"ptd_relay/client/comms"
	"ptd_relay/config"
	"ptd_relay/process"
	server "ptd_relay/server/controller"
	"ptd_relay/server/ptd/ptdtest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// daemonSupervisor pretends to start PTDaemon and runs workloads instantly
type daemonSupervisor struct {
	*recorder
}

type idleHandle struct{ stopped bool }

func (h *idleHandle) Pid() int    { return 1 }
func (h *idleHandle) Alive() bool { return !h.stopped }
func (h *idleHandle) Stop() error { h.stopped = true; return nil }

func (s *daemonSupervisor) Start(ctx context.Context, commandLine string) (process.Handle, error) {
	s.add("daemon %s", strings.Fields(commandLine)[0])
	return &idleHandle{}, nil
}

func (s *daemonSupervisor) RunToCompletion(ctx context.Context, commandLine string) (int, error) {
	s.add("run %s", commandLine)
	return 0, nil
}

func TestSessionAgainstServer(t *testing.T) {
	dir := t.TempDir()
	daemon := ptdtest.Start(t)

	serverCfg := config.DefaultServerConfig()
	serverCfg.PtdPath = "ptd"
	serverCfg.PtdFlags = map[string]interface{}{config.LogFileOption: filepath.Join(dir, "server", "ptd_log.txt")}
	serverCfg.PtdAddress = daemon.Addr()
	serverCfg.StagingDir = filepath.Join(dir, "server", "staging")
	serverCfg.CalibrationFile = filepath.Join(dir, "server", "maxAmpsVoltsValue.json")
	serverCfg.SettleDelay = 0
	serverCfg.CorrectionFactor = 1.5
	require.NoError(t, serverCfg.Validate())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "server"), 0o755))

	daemon.LogTo(serverCfg.LogFile(), map[string]ptdtest.Peak{
		"resnet_ranging": {Amps: 2, Volts: 100},
		"bert_ranging":   {Amps: 4, Volts: 200},
		"resnet_testing": {Amps: 2, Volts: 100},
		"bert_testing":   {Amps: 4, Volts: 200},
	})

	rec := &recorder{}
	supervisor := &daemonSupervisor{recorder: rec}
	srv, err := server.NewServer(serverCfg, server.Options{Supervisor: supervisor}, zap.NewNop())
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, l) }()

	clientCfg := config.DefaultClientConfig()
	clientCfg.Workloads = config.Workloads{{Name: "resnet", Command: "./resnet"}, {Name: "bert", Command: "./bert"}}
	clientCfg.OutputDir = filepath.Join(dir, "client")
	clientCfg.WorkloadPause = 0
	require.NoError(t, os.MkdirAll(clientCfg.OutputDir, 0o755))

	client, err := comms.Connect(l.Addr().String(), 0)
	require.NoError(t, err)
	client.SetChunkSize(16)

	require.NoError(t, New(clientCfg, client, supervisor, nil, zap.NewNop()).Run(context.Background(), true))
	require.NoError(t, client.Close())

	cancel()
	require.NoError(t, <-served)

	assert.Contains(t, daemon.Lines(), "SR,A,3")
	assert.Contains(t, daemon.Lines(), "SR,V,150")
	assert.Contains(t, daemon.Lines(), "SR,A,6")
	assert.Contains(t, daemon.Lines(), "SR,V,300")
	assert.Contains(t, daemon.Lines(), "Go,1000,0,bert_testing")

	final, err := os.ReadFile(filepath.Join(clientCfg.OutputDir, "ptd_log.txt"))
	require.NoError(t, err)
	serverLog, err := os.ReadFile(serverCfg.LogFile())
	require.NoError(t, err)
	assert.Equal(t, serverLog, final)

	bert, err := os.ReadFile(filepath.Join(clientCfg.OutputDir, "bert.log"))
	require.NoError(t, err)
	assert.Contains(t, string(bert), "Mark,bert_testing")
	assert.Equal(t, "daemon ptd", rec.list()[0])
}
