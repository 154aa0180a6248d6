// Package ptdtest provides an in-process stand-in for PTDaemon
package ptdtest

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// Identity is the Identify reply of the fake meter
const Identity = "WT310E, Firmware 1.02, SN 0000"

// Peak is the sample value the fake meter logs for a Go label
type Peak struct {
	Amps  float64
	Volts float64
}

// Daemon accepts line protocol connections on a loopback port, records every line and answers "OK"
type Daemon struct {
	listener net.Listener
	lines    chan string
	quit     chan struct{}

	mu      sync.Mutex
	history []string
	replies map[string]string
	logFile string
	peaks   map[string]Peak
	conns   int
	wg      sync.WaitGroup
}

// Start listens on 127.0.0.1:0 and stops with the test
func Start(t testing.TB) *Daemon {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ptdtest: listen: %v", err)
	}
	d := &Daemon{
		listener: listener,
		lines:    make(chan string, 1024),
		quit:     make(chan struct{}),
		replies:  map[string]string{"Identify": Identity},
	}
	d.wg.Add(1)
	go d.serve()
	t.Cleanup(d.Close)
	return d
}

// Addr returns host:port of the daemon
func (d *Daemon) Addr() string {
	return d.listener.Addr().String()
}

// ReplyTo answers lines starting with prefix with reply
func (d *Daemon) ReplyTo(prefix, reply string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[prefix] = reply
}

// LogTo makes every Go command append one sample with the peak registered for its label to path
func (d *Daemon) LogTo(path string, peaks map[string]Peak) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logFile = path
	d.peaks = peaks
}

// Lines returns every line received so far
func (d *Daemon) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.history...)
}

// Connections returns how many connections were accepted
func (d *Daemon) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns
}

// Next waits for the next received line
func (d *Daemon) Next(timeout time.Duration) (string, bool) {
	select {
	case line := <-d.lines:
		return line, true
	case <-time.After(timeout):
		return "", false
	}
}

// Close stops accepting and waits for open connections to end
func (d *Daemon) Close() {
	select {
	case <-d.quit:
		return
	default:
	}
	close(d.quit)
	d.listener.Close()
	d.wg.Wait()
}

func (d *Daemon) serve() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns++
		d.mu.Unlock()

		d.wg.Add(1)
		go d.handle(conn)
	}
}

func (d *Daemon) handle(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	// unblock the reader when the daemon closes
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
		case <-d.quit:
			conn.Close()
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		reply := d.record(line)
		select {
		case d.lines <- line:
		default:
		}
		if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
			return
		}
	}
}

func (d *Daemon) record(line string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, line)

	if label, ok := strings.CutPrefix(line, "Go,1000,0,"); ok && d.logFile != "" {
		if peak, found := d.peaks[label]; found {
			appendSample(d.logFile, label, peak)
		}
	}
	for prefix, reply := range d.replies {
		if strings.HasPrefix(line, prefix) {
			return reply
		}
	}
	return "OK"
}

func appendSample(path, label string, peak Peak) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "Time,%s,Watts,%.3f,Volts,%.3f,Amps,%.3f,PF,1.000,Mark,%s\r\n",
		time.Now().Format("01-02-2006 15:04:05.000"), peak.Amps*peak.Volts, peak.Volts, peak.Amps, label)
}
