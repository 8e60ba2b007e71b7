// Package reachability tracks whether the remote authority is reachable,
// with corroborated transitions and a stability heuristic.
package reachability

import "sync"

// Quality carries optional connection-quality metadata from the host
// runtime. Absence degrades to unknown; a nil *Quality is valid.
type Quality struct {
	EffectiveType string  `json:"effective_type,omitempty"` // e.g. "4g", "wifi"
	DownlinkMbps  float64 `json:"downlink_mbps,omitempty"`
	RTTMillis     int     `json:"rtt_millis,omitempty"`
	SaveData      bool    `json:"save_data,omitempty"`
}

// Signal is the raw online/offline signal exposed by the host runtime.
// The monitor never trusts an "online" reading in isolation.
type Signal interface {
	// Online returns the current raw reading.
	Online() bool

	// Subscribe registers a change callback and returns a disposer.
	Subscribe(fn func(online bool, quality *Quality)) (unsubscribe func())
}

// HostSignal is a Signal fed by the embedding host (the UI bridge reports
// the platform's connectivity events into it).
type HostSignal struct {
	mu      sync.Mutex
	online  bool
	quality *Quality
	subs    map[int]func(bool, *Quality)
	nextSub int
}

// NewHostSignal creates a HostSignal with an initial raw reading.
func NewHostSignal(online bool) *HostSignal {
	return &HostSignal{
		online: online,
		subs:   make(map[int]func(bool, *Quality)),
	}
}

// Set records a new raw reading and fans it out to subscribers.
// quality may be nil when the host exposes no connection metadata.
func (s *HostSignal) Set(online bool, quality *Quality) {
	s.mu.Lock()
	s.online = online
	s.quality = quality
	fns := make([]func(bool, *Quality), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online, quality)
	}
}

// Online returns the current raw reading.
func (s *HostSignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Quality returns the last reported connection metadata, or nil.
func (s *HostSignal) Quality() *Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// Subscribe registers a change callback and returns its disposer.
func (s *HostSignal) Subscribe(fn func(online bool, quality *Quality)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
