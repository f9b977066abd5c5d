package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments on the delivery path.
type Metrics struct {
	SessionsActive prometheus.Gauge
	BytesDelivered prometheus.Counter
	KeepalivesSent prometheus.Counter
	WatchdogKills  prometheus.Counter
}

// NewMetrics registers the streaming metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chanarr_sessions_active",
			Help: "Currently connected stream sessions.",
		}),
		BytesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chanarr_stream_bytes_delivered_total",
			Help: "Bytes delivered to clients across all sessions.",
		}),
		KeepalivesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chanarr_keepalives_sent_total",
			Help: "Null-packet keepalives sent during source stalls.",
		}),
		WatchdogKills: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chanarr_watchdog_kills_total",
			Help: "Transcoder processes killed for stalled output.",
		}),
	}
}
