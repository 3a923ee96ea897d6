// Package metrics exposes the router's Prometheus gauges on a
// loopback-only debug listener (SPEC_FULL.md domain stack: session
// count, creation latency). The Session Proxy calls into this package's
// recorder at the handful of points the spec already names as state
// transitions; nothing here infers state on its own.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds every collector the router registers.
type Recorder struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	CreateDuration   prometheus.Histogram
	AuthFailures     prometheus.Counter
	EnginePingErrors prometheus.Counter
}

// New builds a Recorder and registers its collectors with registerer.
func New(registerer prometheus.Registerer) *Recorder {
	r := &Recorder{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webx_router",
			Name:      "sessions_active",
			Help:      "Number of sessions currently in the registry.",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webx_router",
			Name:      "sessions_total",
			Help:      "Total session creation attempts by outcome.",
		}, []string{"outcome"}),
		CreateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "webx_router",
			Name:      "session_create_duration_seconds",
			Help:      "Time from create request to Ready or Failed.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30},
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webx_router",
			Name:      "authentication_failures_total",
			Help:      "Total PAM authentication failures.",
		}),
		EnginePingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webx_router",
			Name:      "engine_ping_errors_total",
			Help:      "Total engine liveness ping failures.",
		}),
	}

	registerer.MustRegister(
		r.SessionsActive,
		r.SessionsTotal,
		r.CreateDuration,
		r.AuthFailures,
		r.EnginePingErrors,
	)
	return r
}

// ObserveCreate records the outcome and duration of one create attempt.
func (r *Recorder) ObserveCreate(outcome string, started time.Time) {
	r.SessionsTotal.WithLabelValues(outcome).Inc()
	r.CreateDuration.Observe(time.Since(started).Seconds())
}

// Server runs the loopback-only debug listener (spec: metrics never
// share a socket with the four external interfaces).
type Server struct {
	addr string
	srv  *http.Server
}

func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{addr: addr, srv: &http.Server{Addr: addr, Handler: mux}}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
