package cableclient

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

type MonitorConfig struct {
	// StaleThreshold is how long a connection may go without a ping before
	// it is reopened.
	StaleThreshold time.Duration

	// ReconnectionBackoffRate grows the poll interval per failed attempt.
	ReconnectionBackoffRate float64

	MinPollInterval time.Duration
	MaxPollInterval time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StaleThreshold:          6 * time.Second,
		ReconnectionBackoffRate: 0.15,
		MinPollInterval:         3 * time.Second,
		MaxPollInterval:         30 * time.Second,
	}
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	d := DefaultMonitorConfig()
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.ReconnectionBackoffRate <= 0 {
		c.ReconnectionBackoffRate = d.ReconnectionBackoffRate
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = d.MinPollInterval
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = d.MaxPollInterval
	}
	if c.MaxPollInterval < c.MinPollInterval {
		c.MaxPollInterval = c.MinPollInterval
	}
	return c
}

// ConnectionMonitor watches server pings and reopens the connection when it
// goes stale.
type ConnectionMonitor struct {
	cfg    MonitorConfig
	reopen func()

	now    func() time.Time
	random func() float64

	mu                sync.Mutex
	reconnectAttempts int
	startedAt         time.Time
	stoppedAt         time.Time
	pingedAt          time.Time
	disconnectedAt    time.Time
	stop              chan struct{}
}

func NewConnectionMonitor(cfg MonitorConfig, reopen func()) *ConnectionMonitor {
	return &ConnectionMonitor{
		cfg:    cfg.withDefaults(),
		reopen: reopen,
		now:    time.Now,
		random: rand.Float64,
	}
}

func (m *ConnectionMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return
	}
	m.startedAt = m.now()
	m.stoppedAt = time.Time{}
	m.stop = make(chan struct{})
	go m.poll(m.stop)
}

func (m *ConnectionMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop == nil {
		return
	}
	close(m.stop)
	m.stop = nil
	m.stoppedAt = m.now()
}

func (m *ConnectionMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *ConnectionMonitor) RecordPing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingedAt = m.now()
}

// RecordConnect is called on welcome.
func (m *ConnectionMonitor) RecordConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectAttempts = 0
	m.pingedAt = m.now()
	m.disconnectedAt = time.Time{}
}

func (m *ConnectionMonitor) RecordDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectedAt = m.now()
}

func (m *ConnectionMonitor) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts
}

// IsStale reports whether nothing was heard since the last ping, or since
// the monitor started, for longer than the stale threshold.
func (m *ConnectionMonitor) IsStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isStale()
}

func (m *ConnectionMonitor) isStale() bool {
	since := m.pingedAt
	if since.IsZero() {
		since = m.startedAt
	}
	return m.now().Sub(since) > m.cfg.StaleThreshold
}

// DisconnectedRecently reports a disconnect within the stale threshold;
// reconnecting that soon is skipped.
func (m *ConnectionMonitor) DisconnectedRecently() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectedRecently()
}

func (m *ConnectionMonitor) disconnectedRecently() bool {
	return !m.disconnectedAt.IsZero() && m.now().Sub(m.disconnectedAt) < m.cfg.StaleThreshold
}

// PollInterval is staleThreshold * (1+rate)^min(attempts,10) * (1+jitter),
// clamped to [MinPollInterval, MaxPollInterval]. The jitter is up to 100%
// before the first failed attempt and up to rate afterwards.
func (m *ConnectionMonitor) PollInterval() time.Duration {
	m.mu.Lock()
	attempts := m.reconnectAttempts
	m.mu.Unlock()

	rate := m.cfg.ReconnectionBackoffRate
	backoff := math.Pow(1+rate, float64(min(attempts, 10)))
	jitterMax := rate
	if attempts == 0 {
		jitterMax = 1
	}
	jitter := jitterMax * m.random()

	interval := time.Duration(float64(m.cfg.StaleThreshold) * backoff * (1 + jitter))
	return max(m.cfg.MinPollInterval, min(interval, m.cfg.MaxPollInterval))
}

func (m *ConnectionMonitor) poll(stop chan struct{}) {
	for {
		timer := time.NewTimer(m.PollInterval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		m.reconnectIfStale()
	}
}

func (m *ConnectionMonitor) reconnectIfStale() {
	m.mu.Lock()
	if m.stop == nil || !m.isStale() {
		m.mu.Unlock()
		return
	}
	m.reconnectAttempts++
	skip := m.disconnectedRecently()
	m.mu.Unlock()

	if skip {
		return
	}
	m.reopen()
}
