package comms

import (
	"net"
	"os"
	"path/filepath"
	"ptd_relay/fileio"
	"ptd_relay/networking"
	"ptd_relay/networking/opcode"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeServer answers every command with code, or streams file for GET_FILE
func fakeServer(conn net.Conn, code int32, file string, seen *[]networking.Command) error {
	defer conn.Close()
	var init networking.InitMessage
	if err := networking.ReadRecord(conn, &init); err != nil {
		return err
	}
	*seen = append(*seen, networking.Command{Code: init.Mode})
	if err := networking.WriteRecord(conn, networking.NewServerAnswer(opcode.OK, "Start all needed processes")); err != nil {
		return err
	}
	for {
		cmd, err := networking.ReadCommand(conn)
		if err != nil {
			return nil
		}
		*seen = append(*seen, *cmd)
		if cmd.Code == opcode.GET_FILE {
			if _, err := fileio.SendFile(conn, file, 7); err != nil {
				return err
			}
			continue
		}
		if err := networking.WriteRecord(conn, networking.NewServerAnswer(code, opcode.Name(cmd.Code))); err != nil {
			return err
		}
	}
}

func TestClientCommands(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "ptd_log.txt")
	require.NoError(t, os.WriteFile(logFile, []byte("Time,t,Watts,1,Volts,2,Amps,3,PF,1,Mark,w1_testing\r\n"), 0o644))

	clientConn, serverConn := net.Pipe()
	var seen []networking.Command
	var g errgroup.Group
	g.Go(func() error { return fakeServer(serverConn, opcode.OK, logFile, &seen) })

	client := NewClient(clientConn)
	client.SetChunkSize(5)

	msg, err := client.Init(opcode.TESTING_MODE, 2.5, 0)
	require.NoError(t, err)
	assert.Equal(t, "Start all needed processes", msg)

	_, err = client.StartRanging(1)
	require.NoError(t, err)
	msg, err = client.StartWorkload("w1")
	require.NoError(t, err)
	assert.Equal(t, "START_PTD", msg)
	_, err = client.StopWorkload()
	require.NoError(t, err)
	_, err = client.SaveLog("w1")
	require.NoError(t, err)
	_, err = client.StartTesting(1)
	require.NoError(t, err)

	received := filepath.Join(dir, "w1.log")
	transfer, err := client.GetLog(received)
	require.NoError(t, err)
	crc, err := fileio.GetFileChecksumCRC32(logFile)
	require.NoError(t, err)
	assert.Equal(t, crc, transfer.CRC32)

	require.NoError(t, client.Close())
	require.NoError(t, g.Wait())

	assert.Equal(t, []networking.Command{
		{Code: opcode.TESTING_MODE},
		{Code: opcode.START_RANGING, Amount: 1},
		{Code: opcode.START_PTD, Name: "w1"},
		{Code: opcode.STOP_PTD},
		{Code: opcode.SAVE_FILE, Name: "w1"},
		{Code: opcode.START_TESTING, Amount: 1},
		{Code: opcode.GET_FILE},
	}, seen)
}

func TestNonzeroAnswerIsServerError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	var seen []networking.Command
	var g errgroup.Group
	g.Go(func() error { return fakeServer(serverConn, opcode.ERR_CALIBRATION, "", &seen) })

	client := NewClient(clientConn)
	_, err := client.Init(opcode.RANGING_MODE, 0, 0)
	require.NoError(t, err)

	_, err = client.StartWorkload("w9")
	assert.ErrorIs(t, err, ErrServerRejected)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, int32(opcode.ERR_CALIBRATION), serverErr.Code)
	assert.Equal(t, "START_PTD", serverErr.Message)

	client.Close()
	require.NoError(t, g.Wait())
}

func TestRequestValidation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	client := NewClient(clientConn)
	defer client.Close()

	_, err := client.Init(55, 0, 0)
	assert.Error(t, err)

	long := make([]byte, 128)
	for i := range long {
		long[i] = 'w'
	}
	_, err = client.StartWorkload(string(long))
	assert.ErrorIs(t, err, networking.ErrFieldTooLong)
}

func TestConnectOverTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	var g errgroup.Group
	g.Go(func() error {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		var seen []networking.Command
		return fakeServer(conn, opcode.OK, "", &seen)
	})

	client, err := Connect(l.Addr().String(), 0)
	require.NoError(t, err)
	_, err = client.Init(opcode.RANGING_MODE, 0, 0)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, g.Wait())

	_, err = Connect("not an address", 0)
	assert.Error(t, err)
}
