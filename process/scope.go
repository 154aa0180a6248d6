package process

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Scope owns handles started through it and stops all of them on Close
type Scope struct {
	supervisor Supervisor
	logger     *zap.Logger
	handles    []Handle
}

// NewScope returns empty scope
func NewScope(supervisor Supervisor, logger *zap.Logger) *Scope {
	return &Scope{supervisor: supervisor, logger: logger}
}

// Start launches process owned by the scope
func (s *Scope) Start(ctx context.Context, commandLine string) (Handle, error) {
	h, err := s.supervisor.Start(ctx, commandLine)
	if err != nil {
		return nil, err
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// Close stops every owned process in reverse start order
func (s *Scope) Close() error {
	var errs []error
	for i := len(s.handles) - 1; i >= 0; i-- {
		h := s.handles[i]
		if err := h.Stop(); err != nil {
			s.logger.Warn("Could not stop process", zap.Int("pid", h.Pid()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	s.handles = nil
	return errors.Join(errs...)
}
