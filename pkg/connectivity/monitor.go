// Package connectivity tracks whether the remote safety service is
// reachable. The monitor is an explicit two-state machine so transition
// triggers can be tested without real network events.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// State is the connectivity state.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Monitor holds the current state and notifies subscribers on
// transitions. Signals that match the current state are no-ops.
type Monitor struct {
	mu        sync.Mutex
	state     State
	onOnline  []func()
	onOffline []func()
}

// NewMonitor creates a monitor starting in the given state, which
// should reflect the platform's connectivity signal at startup.
func NewMonitor(initial State) *Monitor {
	return &Monitor{state: initial}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the monitor currently considers the service
// reachable.
func (m *Monitor) Online() bool { return m.State() == Online }

// OnOnline registers a hook fired on every offline-to-online
// transition. The sync engine registers its drain here.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// OnOffline registers a hook fired on every online-to-offline
// transition. Only status reporting belongs here; no network is
// available to act on.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, fn)
}

// Signal feeds a platform connectivity signal into the state machine.
// It returns true if a transition occurred.
func (m *Monitor) Signal(next State) bool {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return false
	}
	m.state = next
	var hooks []func()
	if next == Online {
		hooks = append(hooks, m.onOnline...)
	} else {
		hooks = append(hooks, m.onOffline...)
	}
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return true
}

// Probe reports reachability of the remote service.
type Probe interface {
	Reachable(ctx context.Context) bool
}

// Watch polls the probe on the given interval and feeds the result into
// the state machine until ctx is done. It is the safety net for missed
// platform signals.
func (m *Monitor) Watch(ctx context.Context, probe Probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if probe.Reachable(ctx) {
				m.Signal(Online)
			} else {
				m.Signal(Offline)
			}
		}
	}
}
