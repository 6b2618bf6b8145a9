package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects presence subsystem metrics.
type Metrics struct {
	// HeartbeatPushes counts status pushes.
	// Labels: kind (push|tick|final|flush), outcome
	HeartbeatPushes *prometheus.CounterVec

	// ChannelState is 1 for the current push channel state, 0 otherwise.
	// Labels: state (disconnected|connecting|connected)
	ChannelState *prometheus.GaugeVec

	// ChannelReconnects counts scheduled reconnect attempts.
	ChannelReconnects prometheus.Counter

	// InboundMessages counts decoded push channel messages.
	// Labels: type
	InboundMessages *prometheus.CounterVec

	// DroppedMessages counts inbound messages that were discarded.
	// Labels: reason (malformed|unknown_type|malformed_entry)
	DroppedMessages *prometheus.CounterVec

	// Fetches counts reconciliation pulls.
	// Labels: kind (all|one), outcome
	Fetches *prometheus.CounterVec

	// TypingUpdates counts outbound typing updates.
	// Labels: state (typing|stopped), outcome
	TypingUpdates *prometheus.CounterVec

	// StoreRecords is the number of presence records held.
	StoreRecords prometheus.Gauge

	// TrackingStopped counts halts caused by rejected credentials.
	TrackingStopped prometheus.Counter

	// RequestDuration measures REST call latency in seconds.
	// Labels: endpoint, outcome
	RequestDuration *prometheus.HistogramVec
}

var channelStates = []string{"disconnected", "connecting", "connected"}

// NewMetrics creates and registers the presence metrics. A nil registerer
// uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HeartbeatPushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presence_heartbeat_pushes_total",
				Help: "Total number of status push attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ChannelState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "presence_channel_state",
				Help: "Push channel connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		ChannelReconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "presence_channel_reconnects_total",
				Help: "Total number of scheduled push channel reconnects",
			},
		),
		InboundMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presence_inbound_messages_total",
				Help: "Total number of push channel messages applied by type",
			},
			[]string{"type"},
		),
		DroppedMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presence_dropped_messages_total",
				Help: "Total number of inbound messages dropped by reason",
			},
			[]string{"reason"},
		),
		Fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presence_fetches_total",
				Help: "Total number of reconciliation fetches by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		TypingUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presence_typing_updates_total",
				Help: "Total number of outbound typing updates by state and outcome",
			},
			[]string{"state", "outcome"},
		),
		StoreRecords: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "presence_store_records",
				Help: "Number of presence records held in memory",
			},
		),
		TrackingStopped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "presence_tracking_stopped_total",
				Help: "Total number of times tracking halted on a rejected credential",
			},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "presence_request_duration_seconds",
				Help:    "Duration of presence REST requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint", "outcome"},
		),
	}
}

// HeartbeatPush records a push attempt.
func (m *Metrics) HeartbeatPush(kind, outcome string) {
	m.HeartbeatPushes.WithLabelValues(kind, outcome).Inc()
}

// RecordFetch records a reconciliation fetch.
func (m *Metrics) RecordFetch(kind, outcome string) {
	m.Fetches.WithLabelValues(kind, outcome).Inc()
}

// RecordTyping records an outbound typing update.
func (m *Metrics) RecordTyping(isTyping bool, outcome string) {
	state := "stopped"
	if isTyping {
		state = "typing"
	}
	m.TypingUpdates.WithLabelValues(state, outcome).Inc()
}

// SetStoreRecords updates the store size gauge.
func (m *Metrics) SetStoreRecords(n int) {
	m.StoreRecords.Set(float64(n))
}

// ObserveRequest implements api.RequestObserver.
func (m *Metrics) ObserveRequest(endpoint, outcome string, d time.Duration) {
	m.RequestDuration.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}

// ObserveInbound implements realtime.Observer.
func (m *Metrics) ObserveInbound(messageType string) {
	m.InboundMessages.WithLabelValues(messageType).Inc()
}

// ObserveDropped implements realtime.Observer.
func (m *Metrics) ObserveDropped(reason string) {
	m.DroppedMessages.WithLabelValues(reason).Inc()
}

// ObserveReconnect implements realtime.Observer.
func (m *Metrics) ObserveReconnect() {
	m.ChannelReconnects.Inc()
}

// ObserveChannelState implements realtime.Observer.
func (m *Metrics) ObserveChannelState(state string) {
	for _, s := range channelStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.ChannelState.WithLabelValues(s).Set(value)
	}
}
