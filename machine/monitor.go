package machine

import (
	"context"
	"log/slog"
	"time"
)

// StatusMonitor periodically logs the active mode context.
type StatusMonitor struct {
	machine  *Machine
	interval time.Duration
	logger   *slog.Logger
}

// NewStatusMonitor creates a new StatusMonitor instance
func NewStatusMonitor(m *Machine, interval time.Duration) *StatusMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StatusMonitor{
		machine:  m,
		interval: interval,
		logger:   slog.With("component", "status-monitor"),
	}
}

// WithStatusInterval logs the mode context every interval while the
// machine runs.
func WithStatusInterval(interval time.Duration) Option {
	return func(m *Machine) {
		m.c.Workers = append(m.c.Workers, NewStatusMonitor(m, interval))
	}
}

// Run logs until ctx is done.
func (s *StatusMonitor) Run(ctx context.Context) error {
	s.logger.Info("Starting status monitoring", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report()
		case <-ctx.Done():
			s.logger.Info("Status monitoring stopped")
			return nil
		}
	}
}

func (s *StatusMonitor) report() {
	st := s.machine.State()
	attrs := []any{
		slog.String("mode", st.Context.Mode.String()),
		slog.Int("volume", st.Context.Volume),
		slog.Bool("hardware_enabled", st.Context.HardwareEnabled),
	}
	if st.handle != nil {
		attrs = append(attrs,
			slog.String("pipeline", st.handle.Name()),
			slog.String("sink", st.handle.SinkState().String()))
	}
	s.logger.Debug("Status", attrs...)
}
