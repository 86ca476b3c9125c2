package services

import (
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
)

// MetricsService keeps process-wide call counters and forwards every
// measurement to an optional sink such as the Prometheus collector.
type MetricsService struct {
	mu sync.RWMutex

	placed     int64
	connected  int64
	active     int64
	finished   map[domain.CallState]int64
	errors     map[string]int64
	setupTotal time.Duration

	sink ports.CallMetrics
}

func NewMetricsService(sink ports.CallMetrics) *MetricsService {
	return &MetricsService{
		finished: make(map[domain.CallState]int64),
		errors:   make(map[string]int64),
		sink:     sink,
	}
}

var _ ports.CallMetrics = (*MetricsService)(nil)

func (m *MetricsService) CallPlaced(callType domain.CallType) {
	m.mu.Lock()
	m.placed++
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.CallPlaced(callType)
	}
}

func (m *MetricsService) CallConnected(callType domain.CallType, setup time.Duration) {
	m.mu.Lock()
	m.connected++
	m.active++
	m.setupTotal += setup
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.CallConnected(callType, setup)
	}
}

func (m *MetricsService) CallFinished(state domain.CallState, wasConnected bool, duration time.Duration) {
	m.mu.Lock()
	m.finished[state]++
	if wasConnected && m.active > 0 {
		m.active--
	}
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.CallFinished(state, wasConnected, duration)
	}
}

func (m *MetricsService) SignalingError(op string) {
	m.mu.Lock()
	m.errors[op]++
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.SignalingError(op)
	}
}

func (m *MetricsService) Snapshot() domain.CallStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.CallStats{
		Placed:    m.placed,
		Connected: m.connected,
		Active:    m.active,
		Finished:  make(map[domain.CallState]int64, len(m.finished)),
		Errors:    make(map[string]int64, len(m.errors)),
	}
	for k, v := range m.finished {
		stats.Finished[k] = v
	}
	for k, v := range m.errors {
		stats.Errors[k] = v
	}
	if m.connected > 0 {
		stats.AverageSetup = m.setupTotal / time.Duration(m.connected)
	}
	return stats
}
