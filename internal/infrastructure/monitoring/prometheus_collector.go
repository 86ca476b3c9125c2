package monitoring

import (
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports call lifecycle and bridge metrics.
type PrometheusCollector struct {
	callsPlaced     *prometheus.CounterVec
	callsConnected  *prometheus.CounterVec
	callsFinished   *prometheus.CounterVec
	callsActive     prometheus.Gauge
	signalingErrors *prometheus.CounterVec

	callSetupDuration prometheus.Histogram
	callDuration      prometheus.Histogram

	bridgeConnections prometheus.Gauge
	bridgeMessages    *prometheus.CounterVec
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		callsPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_calls_placed_total",
			Help: "Total number of calls placed",
		}, []string{"type"}),

		callsConnected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_calls_connected_total",
			Help: "Total number of calls that reached the connected state",
		}, []string{"type"}),

		callsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_calls_finished_total",
			Help: "Total number of finished call attempts by final state",
		}, []string{"state"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatcall_calls_active",
			Help: "Number of calls currently connected",
		}),

		signalingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_signaling_errors_total",
			Help: "Signaling transport failures by operation",
		}, []string{"op"}),

		callSetupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcall_call_setup_duration_seconds",
			Help:    "Time from placing a call until it connects",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcall_call_duration_seconds",
			Help:    "Connected time of finished calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),

		bridgeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatcall_bridge_connections",
			Help: "Number of open call bridge WebSocket connections",
		}),

		bridgeMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcall_bridge_messages_total",
			Help: "Call bridge messages by direction and type",
		}, []string{"direction", "type"}),
	}
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) CallPlaced(callType domain.CallType) {
	p.callsPlaced.WithLabelValues(string(callType)).Inc()
}

func (p *PrometheusCollector) CallConnected(callType domain.CallType, setup time.Duration) {
	p.callsConnected.WithLabelValues(string(callType)).Inc()
	p.callsActive.Inc()
	p.callSetupDuration.Observe(setup.Seconds())
}

func (p *PrometheusCollector) CallFinished(state domain.CallState, wasConnected bool, duration time.Duration) {
	p.callsFinished.WithLabelValues(string(state)).Inc()
	if wasConnected {
		p.callsActive.Dec()
		p.callDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) SignalingError(op string) {
	p.signalingErrors.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) BridgeConnected() {
	p.bridgeConnections.Inc()
}

func (p *PrometheusCollector) BridgeDisconnected() {
	p.bridgeConnections.Dec()
}

// BridgeMessage counts one message; direction is "in" or "out".
func (p *PrometheusCollector) BridgeMessage(direction, msgType string) {
	p.bridgeMessages.WithLabelValues(direction, msgType).Inc()
}
