package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/remote"
	"go.uber.org/zap"
)

const defaultProbeInterval = 30 * time.Second

var errMissingProber = errors.New("prober is required")

// Prober checks whether the remote replica can be reached.
type Prober interface {
	Probe(ctx context.Context) error
}

// MonitorConfig describes the dependencies of a Monitor.
type MonitorConfig struct {
	Prober      Prober
	Interval    time.Duration
	OnReconnect func()
	Logger      *zap.Logger
}

// Monitor tracks connectivity to the remote replica by probing it periodically.
// Only transport failures count as offline; a server answering with an error status is reachable.
type Monitor struct {
	prober      Prober
	interval    time.Duration
	onReconnect func()
	logger      *zap.Logger
	online      atomic.Bool
}

func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, errMissingProber
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := &Monitor{
		prober:      cfg.Prober,
		interval:    interval,
		onReconnect: cfg.OnReconnect,
		logger:      logger,
	}
	monitor.online.Store(true)
	return monitor, nil
}

// Online reports the result of the latest probe. It is true before the first probe.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Check probes once and returns the new connectivity state.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.prober.Probe(ctx)
	online := err == nil || !remote.IsConnectivity(err)
	previous := m.online.Swap(online)

	switch {
	case previous && !online:
		m.logger.Warn("remote replica unreachable", zap.Error(err))
	case !previous && online:
		m.logger.Info("remote replica reachable again")
		if m.onReconnect != nil {
			m.onReconnect()
		}
	}
	return online
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
