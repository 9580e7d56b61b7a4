// Package connectivity probes the remote store and reports online/offline
// transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for Config.
const (
	DefaultInterval         = 10 * time.Second
	DefaultTimeout          = 3 * time.Second
	DefaultFailureThreshold = 2
)

// Prober checks reachability.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Ping implements Prober.
func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config configures a Monitor. Prober is required.
type Config struct {
	Prober   Prober
	Interval time.Duration
	Timeout  time.Duration

	// FailureThreshold is the number of consecutive failed probes before
	// the monitor reports offline. One success restores online.
	FailureThreshold int

	// InitialOnline is the state assumed before the first probe.
	InitialOnline bool

	// OnChange is called on every transition.
	OnChange func(ctx context.Context, online bool)

	Logger zerolog.Logger
}

// Monitor tracks connectivity.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	failures int
	lastErr  error

	prober    Prober
	interval  time.Duration
	timeout   time.Duration
	threshold int
	onChange  func(ctx context.Context, online bool)
	logger    zerolog.Logger
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Monitor{
		online:    cfg.InitialOnline,
		prober:    cfg.Prober,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		threshold: cfg.FailureThreshold,
		onChange:  cfg.OnChange,
		logger:    cfg.Logger.With().Str("component", "connectivity").Logger(),
	}
}

// Online returns the current belief.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// LastError returns the error of the most recent failed probe.
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Check probes once and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Ping(probeCtx)
	cancel()

	m.mu.Lock()
	was := m.online
	if err != nil {
		m.failures++
		m.lastErr = err
		if m.failures >= m.threshold {
			m.online = false
		}
	} else {
		m.failures = 0
		m.lastErr = nil
		m.online = true
	}
	now := m.online
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug().Err(err).Msg("probe failed")
	}
	if now != was {
		m.logger.Info().Bool("online", now).Msg("connectivity changed")
		if m.onChange != nil {
			m.onChange(ctx, now)
		}
	}
	return now
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
