package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"ptd_relay/analysis"
	"ptd_relay/config"
	"ptd_relay/fileio"
	"ptd_relay/process"
	"ptd_relay/server/ptd"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options wires the collaborators of a Server. Nil fields get production defaults.
type Options struct {
	Supervisor process.Supervisor
	Analyzer   analysis.Analyzer
	Clock      clock.Clock
	Dial       ptd.DialFunc
}

// Server accepts load generator sessions one at a time
type Server struct {
	cfg        *config.ServerConfig
	flags      *config.FlagTable
	supervisor process.Supervisor
	analyzer   analysis.Analyzer
	staging    *fileio.Staging
	clock      clock.Clock
	dial       ptd.DialFunc
	logger     *zap.Logger

	// PTDaemon port and log file belong to one session at a time
	sessions sync.Mutex
}

// NewServer prepares staging folder and collaborators
func NewServer(cfg *config.ServerConfig, opts Options, logger *zap.Logger) (*Server, error) {
	staging, err := fileio.NewStaging(cfg.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("staging folder: %w", err)
	}
	if opts.Supervisor == nil {
		opts.Supervisor = process.NewExec(logger)
	}
	if opts.Analyzer == nil {
		if cfg.RangingScript != "" {
			opts.Analyzer = analysis.NewScriptAnalyzer(opts.Supervisor, cfg.RangingScript, cfg.CalibrationFile, logger)
		} else {
			opts.Analyzer = analysis.NewLogAnalyzer(logger)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Server{
		cfg:        cfg,
		flags:      config.NewFlagTable(),
		supervisor: opts.Supervisor,
		analyzer:   opts.Analyzer,
		staging:    staging,
		clock:      opts.Clock,
		dial:       opts.Dial,
		logger:     logger,
	}, nil
}

// StartListening binds listening socket and serves sessions until ctx is cancelled
func (s *Server) StartListening(ctx context.Context, addr string) error {
	lc := new(net.ListenConfig)
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("could not bind listening socket on %s: %w", addr, err)
	}
	s.logger.Info("Listening", zap.String("address", l.Addr().String()))
	return s.Serve(ctx, l)
}

// Serve accepts connections from l forever. Each session runs to completion before the next is accepted.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	// Close the listener when the context ends.
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.Close()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("Failed to establish incoming connection", zap.Error(err))
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			// Set TCP_NODELAY to always immediately send.
			tcp.SetNoDelay(true)
		}

		if err := s.RunSession(ctx, conn); err != nil {
			s.logger.Warn("Session aborted", zap.Error(err))
		}
	}
}

// RunSession serves one client connection from init to disconnect and closes it.
// Concurrent calls are serialized.
func (s *Server) RunSession(ctx context.Context, conn net.Conn) error {
	s.sessions.Lock()
	defer s.sessions.Unlock()
	defer conn.Close()

	logger := s.logger.With(
		zap.String("session", uuid.NewString()),
		zap.Stringer("remote", conn.RemoteAddr()))
	logger.Info("New connection")

	h := newHandler(s, conn, logger)
	defer h.teardown()

	err := h.run(ctx)
	logger.Info("Client disconnected")
	return err
}
