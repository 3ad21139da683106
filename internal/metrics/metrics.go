// Package metrics provides Prometheus metrics for icmptunnel.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "icmptunnel"

// Metrics holds every counter/gauge the forwarder and role handlers report
// through. A nil *Metrics is never handed to callers; use Nop for a
// register-nothing instance in tests and when -metrics-addr is unset.
type Metrics struct {
	FramesForwarded  *prometheus.CounterVec // by direction: tunnel_to_icmp, icmp_to_tunnel
	BytesForwarded   *prometheus.CounterVec // by direction
	PacketsRejected  *prometheus.CounterVec // by reason: short, ttl, source, type, code
	KeepAlivesSent   prometheus.Counter
	KeepAlivesRecv   prometheus.Counter
	Timeouts         prometheus.Counter
	ConnectionAccept prometheus.Counter
	ServerFull       prometheus.Counter
	PunchThruSent    prometheus.Counter
	PunchThruDropped prometheus.Counter // data replies suppressed: ring empty
	Connected        prometheus.Gauge   // 0 or 1
	PunchThruFill    prometheus.Gauge   // ring occupancy, 0..window
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		FramesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Frames relayed between the tunnel interface and the ICMP endpoint.",
		}, []string{"direction"}),
		BytesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Payload bytes relayed between the tunnel interface and the ICMP endpoint.",
		}, []string{"direction"}),
		PacketsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_rejected_total",
			Help:      "Inbound ICMP packets dropped by the framing and policy filters.",
		}, []string{"reason"}),
		KeepAlivesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Keep-alive packets sent.",
		}),
		KeepAlivesRecv: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_received_total",
			Help:      "Keep-alive packets received.",
		}),
		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Times the retry budget of keep-alive intervals with no inbound activity ran out.",
		}),
		ConnectionAccept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_accepts_total",
			Help:      "CONNECTION_ACCEPT packets sent (server) or received (client).",
		}),
		ServerFull: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_full_total",
			Help:      "SERVER_FULL packets sent (server) or received (client).",
		}),
		PunchThruSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punchthru_sent_total",
			Help:      "PUNCHTHRU packets sent by the client.",
		}),
		PunchThruDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punchthru_ring_empty_total",
			Help:      "Outbound DATA replies suppressed because the punch-thru ring was empty.",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 if a session is active (client connected / server bound), 0 otherwise.",
		}),
		PunchThruFill: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "punchthru_ring_fill",
			Help:      "Number of unused sequence numbers currently held in the punch-thru ring.",
		}),
	}
}

var (
	nopOnce sync.Once
	nop     *Metrics
)

// Nop returns a Metrics instance backed by a private registry, so it can be
// handed to code that always reports metrics without double-registering
// collectors against the default registry in tests.
func Nop() *Metrics {
	nopOnce.Do(func() {
		nop = NewMetricsWithRegistry(prometheus.NewRegistry())
	})
	return nop
}

// Server exposes a Metrics registry over HTTP for scraping.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds a metrics HTTP server bound to addr, serving /metrics
// from reg. The server is not started until Start is called.
func NewServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start runs the HTTP server until ctx is cancelled, logging a single line
// on any listen failure other than a clean shutdown.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("metrics server failed", "error", err)
	}
}
