package comms

import (
	"errors"
	"fmt"
	"net"
	"ptd_relay/fileio"
	"ptd_relay/networking"
	"ptd_relay/networking/opcode"

	"golang.org/x/net/ipv4"
)

// ErrServerRejected is returned whenever the server answers with a nonzero code
var ErrServerRejected = errors.New("server rejected request")

// ServerError carries a nonzero ServerAnswer
type ServerError struct {
	Code    int32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Code, e.Message)
}

// Unwrap makes errors.Is(err, ErrServerRejected) hold
func (e *ServerError) Unwrap() error {
	return ErrServerRejected
}

// Client is the load generator side of a session
type Client struct {
	socket    net.Conn
	chunkSize int
}

// Connect opens TCP connection to target host address
func Connect(address string, dscp int) (*Client, error) {
	_, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Set TCP_NODELAY to always immediately send.
		tcp.SetNoDelay(true)
	}
	if dscp > 0 {
		// DSCP occupies the upper six bits of TOS. NOTE: On Windows by default it will not apply the value.
		if err := ipv4.NewConn(conn).SetTOS(dscp << 2); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting dscp %d: %w", dscp, err)
		}
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn) *Client {
	return &Client{socket: conn, chunkSize: fileio.DefaultChunkSize}
}

// SetChunkSize sets file receive chunk size in bytes
func (c *Client) SetChunkSize(bytes int) {
	if bytes > 0 {
		c.chunkSize = bytes
	}
}

// Init opens the session. In testing mode maxAmps and maxVolts select the base range, 0 meaning auto.
func (c *Client) Init(mode int32, maxAmps, maxVolts float32) (string, error) {
	msg, err := networking.NewInitMessage(mode, maxAmps, maxVolts)
	if err != nil {
		return "", err
	}
	return c.request(msg)
}

// StartRanging announces a ranging batch of amount workloads
func (c *Client) StartRanging(amount int) (string, error) {
	return c.request(&networking.StartTestMessage{Code: opcode.START_RANGING, WorkloadAmount: int32(amount)})
}

// StartTesting announces a testing batch. The server analyses ranging results before answering.
func (c *Client) StartTesting(amount int) (string, error) {
	return c.request(&networking.StartTestMessage{Code: opcode.START_TESTING, WorkloadAmount: int32(amount)})
}

// StartWorkload starts logging samples for workload
func (c *Client) StartWorkload(name string) (string, error) {
	msg, err := networking.NewStartLogMessage(name)
	if err != nil {
		return "", err
	}
	return c.request(msg)
}

// StopWorkload stops logging
func (c *Client) StopWorkload() (string, error) {
	return c.request(&networking.BareCommand{Code: opcode.STOP_PTD})
}

// SaveLog asks server to stage current log under name
func (c *Client) SaveLog(name string) (string, error) {
	msg, err := networking.NewSaveLogMessage(name)
	if err != nil {
		return "", err
	}
	return c.request(msg)
}

// GetLog receives current log into destination
func (c *Client) GetLog(destination string) (*fileio.Transfer, error) {
	if err := networking.WriteRecord(c.socket, &networking.BareCommand{Code: opcode.GET_FILE}); err != nil {
		return nil, err
	}
	return fileio.ReceiveFile(c.socket, destination, c.chunkSize)
}

// Close closes socket
func (c *Client) Close() error {
	return c.socket.Close()
}

// request sends record and reads ServerAnswer. Nonzero answers become ServerError.
func (c *Client) request(record interface{}) (string, error) {
	if err := networking.WriteRecord(c.socket, record); err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	var answer networking.ServerAnswer
	if err := networking.ReadRecord(c.socket, &answer); err != nil {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	if answer.Code != opcode.OK {
		return "", &ServerError{Code: answer.Code, Message: answer.Text()}
	}
	return answer.Text(), nil
}
