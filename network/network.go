package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Probe decides the network is up once a TCP connection to a known address
// succeeds.
type Probe struct {
	addr     string
	interval time.Duration
	dialer   net.Dialer
	logger   *slog.Logger
}

// NewProbe creates a probe for addr, retrying every interval.
func NewProbe(addr string, interval time.Duration, logger *slog.Logger) *Probe {
	if interval <= 0 {
		interval = time.Second
	}
	return &Probe{
		addr:     addr,
		interval: interval,
		dialer:   net.Dialer{Timeout: interval},
		logger:   logger,
	}
}

// WaitConnected blocks until the probe address accepts a connection or ctx
// is done.
func (p *Probe) WaitConnected(ctx context.Context) error {
	p.logger.Info("Waiting for network", slog.String("addr", p.addr))

	attempts := 0
	for {
		attempts++
		conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
		if err == nil {
			conn.Close()
			p.logger.Info("Network connected", slog.String("addr", p.addr), slog.Int("attempts", attempts))
			return nil
		}
		p.logger.Debug("Network probe failed", slog.Int("attempt", attempts), slog.Any("error", err))

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("network %s not reachable after %d attempts: %w", p.addr, attempts, context.Cause(ctx))
		case <-timer.C:
		}
	}
}
