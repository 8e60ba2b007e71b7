// Package reachability tracks whether the remote authority is reachable,
// with corroborated transitions and a stability heuristic.
package reachability

import (
	"context"
	"sync"
	"time"

	"github.com/coursekit/coursekit/internal/logging"
)

// Prober performs one active connectivity test against the remote's
// liveness endpoint. A timeout or failure is data, not an exception.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// State is the process-wide reachability snapshot. Exactly one instance
// is maintained per running client, inside the Monitor.
type State struct {
	IsOnline                bool      `json:"is_online"`
	IsStable                bool      `json:"is_stable"`
	Quality                 *Quality  `json:"quality,omitempty"` // nil = unknown
	LastOnlineAt            time.Time `json:"last_online_at,omitzero"`
	LastOfflineAt           time.Time `json:"last_offline_at,omitzero"`
	ConsecutiveFailedProbes int       `json:"consecutive_failed_probes"`
}

// Config tunes the monitor.
type Config struct {
	ProbeTimeout      time.Duration // bound on one active probe
	ProbeInterval     time.Duration // background probe cadence while online
	StabilitySamples  int           // raw-signal samples after a transition to online
	StabilityInterval time.Duration // cadence between samples
	StabilityMaxFlips int           // flips beyond this mark the connection unstable
}

// DefaultConfig returns the standard tuning: 5s probes, a 5-minute
// background probe, and a 10-sample / 1s / 2-flip stability window.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:      5 * time.Second,
		ProbeInterval:     5 * time.Minute,
		StabilitySamples:  10,
		StabilityInterval: time.Second,
		StabilityMaxFlips: 2,
	}
}

// Monitor corroborates the host's raw connectivity signal with active
// probes. "Offline" readings are trusted immediately; "online" readings
// must survive a probe before the state flips. After each transition to
// online a stability window samples the raw signal and downgrades
// IsStable when it flaps.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	signal Signal
	prober Prober

	state        State
	subs         map[int]func(State)
	nextSub      int
	stabilityGen int // bumped on Stop and when a new window opens; stale windows abort

	// One stability window at a time. Flips are accumulated from both
	// polled samples and notified raw readings, so the window observes
	// the flapping it exists to measure instead of being reset by it.
	windowOpen  bool
	windowFlips int
	windowLast  bool

	unsubscribe func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
	running     bool
}

// NewMonitor creates a Monitor. The initial state is offline until a
// probe corroborates the raw signal.
func NewMonitor(signal Signal, prober Prober, cfg Config) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.StabilitySamples <= 0 {
		cfg.StabilitySamples = DefaultConfig().StabilitySamples
	}
	if cfg.StabilityInterval <= 0 {
		cfg.StabilityInterval = DefaultConfig().StabilityInterval
	}
	return &Monitor{
		cfg:    cfg,
		signal: signal,
		prober: prober,
		state:  State{IsOnline: false, IsStable: true},
		subs:   make(map[int]func(State)),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the raw signal, corroborates the current reading,
// and launches the background probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.unsubscribe = m.signal.Subscribe(func(online bool, quality *Quality) {
		m.onRawSignal(online, quality)
	})

	// Corroborate the startup reading.
	if m.signal.Online() {
		m.onRawSignal(true, nil)
	}

	if m.cfg.ProbeInterval > 0 {
		m.wg.Add(1)
		go m.backgroundProbeLoop(ctx)
	}
}

// Stop detaches from the raw signal and stops background work.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stabilityGen++
	m.mu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	close(m.stopCh)
	m.wg.Wait()
}

// State returns the current reachability snapshot.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a state-change callback and returns a disposer.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Probe runs one active connectivity test bounded by the probe timeout.
// Returns whether the remote answered; failures are recorded in the
// state, never raised.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	if err != nil {
		m.recordProbeFailure(err)
		return false
	}
	m.markOnline(nil)
	return true
}

// Retry is the user-triggered re-probe. A success additionally clears the
// failure counters.
func (m *Monitor) Retry(ctx context.Context) bool {
	ok := m.Probe(ctx)
	if ok {
		m.mu.Lock()
		m.state.ConsecutiveFailedProbes = 0
		m.mu.Unlock()
	}
	return ok
}

// onRawSignal handles a raw reading from the host. Offline is trusted
// immediately; online must be corroborated by a probe first.
func (m *Monitor) onRawSignal(online bool, quality *Quality) {
	m.recordWindowReading(online)

	if !online {
		m.markOffline(quality)
		return
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	if err := m.prober.Probe(probeCtx); err != nil {
		// Raw signal says online but the remote does not answer
		// (captive portal, dead uplink). Stay offline.
		m.recordProbeFailure(err)
		return
	}
	m.markOnline(quality)
}

// markOnline transitions to online and starts a stability window.
func (m *Monitor) markOnline(quality *Quality) {
	m.mu.Lock()
	wasOnline := m.state.IsOnline
	m.state.IsOnline = true
	m.state.ConsecutiveFailedProbes = 0
	if quality != nil {
		m.state.Quality = quality
	}
	if !wasOnline {
		m.state.LastOnlineAt = time.Now()
		// Open a window only if none is running: a re-online while the
		// window is still sampling is exactly the flapping it measures.
		if !m.windowOpen {
			m.state.IsStable = true // provisional until the window completes
			m.stabilityGen++
			m.windowOpen = true
			m.windowFlips = 0
			m.windowLast = true
			m.wg.Add(1)
			go m.runStabilityCheck(m.stabilityGen)
		}
	}
	snapshot := m.state
	m.mu.Unlock()

	if !wasOnline {
		logging.Info("Reachability transitioned to online", nil)
		m.notify(snapshot)
	}
}

// markOffline transitions to offline immediately (fail-fast).
func (m *Monitor) markOffline(quality *Quality) {
	m.mu.Lock()
	wasOnline := m.state.IsOnline
	m.state.IsOnline = false
	if quality != nil {
		m.state.Quality = quality
	}
	if wasOnline {
		m.state.LastOfflineAt = time.Now()
	}
	snapshot := m.state
	m.mu.Unlock()

	if wasOnline {
		logging.Info("Reachability transitioned to offline", nil)
		m.notify(snapshot)
	}
}

// recordWindowReading folds a notified raw reading into the open
// stability window, if any.
func (m *Monitor) recordWindowReading(online bool) {
	m.mu.Lock()
	if m.windowOpen && online != m.windowLast {
		m.windowFlips++
		m.windowLast = online
	}
	m.mu.Unlock()
}

func (m *Monitor) recordProbeFailure(err error) {
	m.mu.Lock()
	m.state.ConsecutiveFailedProbes++
	wasOnline := m.state.IsOnline
	m.state.IsOnline = false
	if wasOnline {
		m.state.LastOfflineAt = time.Now()
	}
	snapshot := m.state
	failures := m.state.ConsecutiveFailedProbes
	m.mu.Unlock()

	logging.Debug("Connectivity probe failed", map[string]interface{}{
		"consecutive_failures": failures,
		"error":                err.Error(),
	})
	if wasOnline {
		m.notify(snapshot)
	}
}

// runStabilityCheck samples the raw signal at a fixed cadence for a fixed
// number of samples, merging its observations into the same flip counter
// the notified readings feed. If the signal flips more than the threshold
// across the window, the state is marked unstable so consumers defer heavy
// transfers without blocking basic sync.
func (m *Monitor) runStabilityCheck(gen int) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StabilityInterval)
	defer ticker.Stop()

	for i := 0; i < m.cfg.StabilitySamples; i++ {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		current := m.signal.Online()
		m.mu.Lock()
		if gen != m.stabilityGen {
			m.mu.Unlock()
			return
		}
		if current != m.windowLast {
			m.windowFlips++
			m.windowLast = current
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if gen != m.stabilityGen {
		m.mu.Unlock()
		return
	}
	flips := m.windowFlips
	stable := flips <= m.cfg.StabilityMaxFlips
	m.windowOpen = false
	changed := m.state.IsStable != stable
	m.state.IsStable = stable
	snapshot := m.state
	m.mu.Unlock()

	if changed {
		if !stable {
			logging.Warn("Connection marked unstable", map[string]interface{}{"flips": flips})
		}
		m.notify(snapshot)
	}
}

// backgroundProbeLoop detects silent disconnects the raw signal misses
// (captive portals, dead uplinks) with a low-frequency probe.
func (m *Monitor) backgroundProbeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.State().IsOnline {
				continue
			}
			m.Probe(ctx)
		}
	}
}

// notify fans a snapshot out to subscribers outside the lock.
func (m *Monitor) notify(snapshot State) {
	m.mu.Lock()
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
