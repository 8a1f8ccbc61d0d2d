// Package connectivity tracks whether the remote store is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/dtroode/academysync/internal/logger"
)

// Transition is a debounced change of the online state.
type Transition struct {
	Online bool
	At     time.Time
}

// Prober checks remote liveness.
type Prober interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// Debounce is how long a new state must hold before it is published.
	Debounce time.Duration
	// Interval between probes; zero disables probing.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
	// InitialOnline is the state assumed before the first report.
	InitialOnline bool
}

const subscriberBuffer = 8

// Monitor publishes debounced online/offline transitions. State comes from
// Report calls, or from the prober when Run is used.
type Monitor struct {
	mu      sync.Mutex
	online  bool
	pending *bool
	timer   *time.Timer
	subs    map[int]chan Transition
	nextSub int

	opts   Options
	prober Prober
	log    *logger.Logger
	now    func() time.Time

	onChange func(online bool)
}

func NewMonitor(prober Prober, opts Options, log *logger.Logger) *Monitor {
	return &Monitor{
		online: opts.InitialOnline,
		subs:   make(map[int]chan Transition),
		opts:   opts,
		prober: prober,
		log:    log,
		now:    time.Now,
	}
}

// OnChange registers a hook called with every published state.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of transitions and a cancel func that closes it.
// Slow subscribers miss transitions rather than block the monitor.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Transition, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Report records an observed state. A state that flips back within the
// debounce window is never published.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.online {
		m.stopPendingLocked()
		return
	}
	if m.pending != nil && *m.pending == online {
		return
	}
	m.stopPendingLocked()

	if m.opts.Debounce <= 0 {
		m.publishLocked(online)
		return
	}

	state := online
	m.pending = &state
	var timer *time.Timer
	timer = time.AfterFunc(m.opts.Debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.timer != timer {
			return
		}
		m.pending = nil
		m.timer = nil
		m.publishLocked(state)
	})
	m.timer = timer
}

func (m *Monitor) stopPendingLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = nil
	m.pending = nil
}

func (m *Monitor) publishLocked(online bool) {
	if online == m.online {
		return
	}
	m.online = online
	tr := Transition{Online: online, At: m.now()}
	m.log.Info("connectivity changed", "online", online)

	for id, ch := range m.subs {
		select {
		case ch <- tr:
		default:
			m.log.Warn("connectivity subscriber is full, dropping transition", "subscriber", id)
		}
	}
	if m.onChange != nil {
		m.onChange(online)
	}
}

// Run probes the remote until ctx is done. Without a prober or interval it
// only waits, leaving state to Report.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil || m.opts.Interval <= 0 {
		<-ctx.Done()
		m.stop()
		return
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			m.stop()
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx := ctx
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	err := m.prober.Ping(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug("liveness probe failed", "error", err)
	}
	m.Report(err == nil)
}

func (m *Monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopPendingLocked()
}
