package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/TraceForge/internal/port/cache"
)

// State is the cache tier operating mode.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// MonitorStats is a snapshot of the monitor's view of the cache tier.
type MonitorStats struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

// Monitor tracks cache tier reachability as a two-state machine driven
// by periodic and on-demand probes. Flipping to disconnected requires
// the configured number of consecutive failures; a single success flips
// back. The hysteresis prevents flapping on transient errors.
type Monitor struct {
	pinger    cache.Pinger
	threshold int
	timeout   time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastSuccess time.Time
	lastError   string
	onChange    []func(State)

	now func() time.Time // for testing
}

// NewMonitor creates a monitor starting in the connected state.
// threshold is the consecutive-failure count required to flip to
// disconnected; timeout bounds each probe round trip.
func NewMonitor(pinger cache.Pinger, threshold int, timeout time.Duration) *Monitor {
	return &Monitor{
		pinger:    pinger,
		threshold: threshold,
		timeout:   timeout,
		state:     StateConnected,
		now:       time.Now,
	}
}

// OnTransition registers a callback invoked (outside the monitor lock)
// whenever the state flips. The sync service uses it to start draining
// immediately on reconnect.
func (m *Monitor) OnTransition(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Probe performs one on-demand round trip against the cache tier and
// feeds the result into the state machine.
func (m *Monitor) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.pinger.Ping(probeCtx); err != nil {
		m.ReportFailure(err)
		return err
	}
	m.ReportSuccess()
	return nil
}

// ReportSuccess records a successful cache operation. A single success
// flips the monitor back to connected.
func (m *Monitor) ReportSuccess() {
	m.mu.Lock()
	m.failures = 0
	m.lastSuccess = m.now()
	m.lastError = ""
	changed := m.state != StateConnected
	m.state = StateConnected
	callbacks := m.callbacksLocked(changed)
	m.mu.Unlock()

	if changed {
		slog.Info("cache tier reconnected")
	}
	for _, fn := range callbacks {
		fn(StateConnected)
	}
}

// ReportFailure records a failed cache operation. The monitor flips to
// disconnected only after the failure threshold is reached.
func (m *Monitor) ReportFailure(err error) {
	m.mu.Lock()
	m.failures++
	if err != nil {
		m.lastError = err.Error()
	}
	changed := m.state == StateConnected && m.failures >= m.threshold
	if changed {
		m.state = StateDisconnected
	}
	failures := m.failures
	callbacks := m.callbacksLocked(changed)
	m.mu.Unlock()

	if changed {
		slog.Warn("cache tier disconnected", "consecutive_failures", failures, "error", err)
	}
	for _, fn := range callbacks {
		fn(StateDisconnected)
	}
}

// callbacksLocked returns the transition callbacks to invoke, or nil
// when the state did not change. Must be called with m.mu held.
func (m *Monitor) callbacksLocked(changed bool) []func(State) {
	if !changed {
		return nil
	}
	callbacks := make([]func(State), len(m.onChange))
	copy(callbacks, m.onChange)
	return callbacks
}

// Connected reports whether the cache tier is presumed reachable.
// The dual-write coordinator gates direct cache writes on this.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// State returns the current operating mode.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot for the status endpoint.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStats{
		State:               m.state,
		ConsecutiveFailures: m.failures,
		FailureThreshold:    m.threshold,
		LastSuccess:         m.lastSuccess,
		LastError:           m.lastError,
	}
}

// Run probes the cache tier on the given interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Probe(ctx)
		}
	}
}
