package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/nvallet/voxgate/internal/metrics"
	"github.com/nvallet/voxgate/internal/registry"
)

// Monitor sweeps the registry on an interval, closing connections that have
// been idle past the threshold and probing the rest for liveness.
type Monitor struct {
	registry    *registry.Registry
	metrics     *metrics.Metrics
	idleTimeout time.Duration
	interval    time.Duration

	now func() time.Time
}

// NewMonitor creates a liveness monitor. It does nothing until Start is
// called.
func NewMonitor(reg *registry.Registry, m *metrics.Metrics, idleTimeout, interval time.Duration) *Monitor {
	return &Monitor{
		registry:    reg,
		metrics:     m,
		idleTimeout: idleTimeout,
		interval:    interval,
		now:         time.Now,
	}
}

// Start runs the sweep loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(m.now())
			}
		}
	}()
}

// sweep examines every live connection once. Idle connections are closed
// with the idle-timeout code; the rest get a ping probe, and probe failures
// are closed as dead peers. Forced closes run the connection's normal
// teardown, so unbilled duration is still settled.
func (m *Monitor) sweep(now time.Time) {
	for _, s := range m.registry.Snapshot() {
		idle := now.Sub(s.LastActivity)
		if idle > m.idleTimeout {
			slog.Info("closing idle connection", "conn_id", s.ID, "account_id", s.AccountID, "idle", idle)
			m.metrics.SweepClosuresTotal.WithLabelValues("idle_timeout").Inc()
			m.metrics.IncClosure("idle_timeout")
			s.Handle.ForceClose(CloseIdleTimeout, reasonIdleTimeout)
			continue
		}
		if err := s.Handle.Ping(); err != nil {
			slog.Info("closing unresponsive connection", "conn_id", s.ID, "account_id", s.AccountID, "error", err)
			m.metrics.SweepClosuresTotal.WithLabelValues("ping_failed").Inc()
			m.metrics.IncClosure("ping_failed")
			s.Handle.ForceClose(CloseInternalError, reasonInternal)
		}
	}
}
