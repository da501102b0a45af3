package taskdeck

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the SDK's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	CacheRequests      *prometheus.CounterVec
	CacheInvalidations prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	ConnectionState    *prometheus.GaugeVec
	MessagesMerged     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskdeck",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Result cache lookups by outcome (hit, miss, bypass, error).",
		}, []string{"outcome"}),
		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskdeck",
			Subsystem: "cache",
			Name:      "invalidated_entries_total",
			Help:      "Cache entries removed by mutation family invalidation.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskdeck",
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Push channel reconnect attempts.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskdeck",
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "1 for the current push channel state, 0 otherwise.",
		}, []string{"state"}),
		MessagesMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskdeck",
			Subsystem: "chat",
			Name:      "messages_merged_total",
			Help:      "Inbound message records by merge result (appended, confirmed, duplicate, provisional).",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheRequests, m.CacheInvalidations, m.ReconnectAttempts, m.ConnectionState, m.MessagesMerged)
	}
	return m
}

func (m *Metrics) cacheRequest(outcome string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) cacheInvalidated(n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheInvalidations.Add(float64(n))
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) setState(state ConnectionStatus) {
	if m == nil {
		return
	}
	for _, s := range []ConnectionStatus{StatusDisconnected, StatusConnecting, StatusConnected} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) messageMerged(result string) {
	if m == nil {
		return
	}
	m.MessagesMerged.WithLabelValues(result).Inc()
}
