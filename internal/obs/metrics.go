package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels          = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnel_active_tunnels", Help: "Currently registered tunnels"})
	PendingRequests        = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnel_pending_requests", Help: "Requests in flight over control channels"})
	RequestsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnel_requests_total", Help: "Public requests dispatched to tunnels"})
	RequestTimeoutTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnel_request_timeout_total", Help: "Requests that timed out waiting for a response frame"})
	RegisterConflictTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnel_register_conflict_total", Help: "Registrations rejected because the subdomain was taken"})
	HeartbeatTimeoutTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnel_heartbeat_timeout_total", Help: "Sessions closed for heartbeat silence"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnel_errors_total", Help: "Errors by type"}, []string{"type"})
	RequestDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tunnel_request_duration_seconds", Help: "Public request round-trip seconds", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)})
)
