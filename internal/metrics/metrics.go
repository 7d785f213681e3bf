package metrics

import "sync"

// Counter names used across the signaling core.
const (
	EventJoinAccepted       = "join_accepted"
	EventJoinRoomFull       = "join_room_full"
	EventJoinInvalidRoom    = "join_invalid_room"
	EventDisconnect         = "disconnect"
	EventProduceCamera      = "produce_camera"
	EventProduceScreen      = "produce_screen"
	EventProduceScreenLimit = "produce_screen_limit"
	EventConsume            = "consume"
	EventEngineError        = "engine_error"
	EventSignalingDropped   = "signaling_dropped"
	EventRateLimited        = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps admission and cleanup logic testable without pulling in a metrics
// client; the /metrics endpoint exposes the counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
