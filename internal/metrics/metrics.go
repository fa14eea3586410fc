package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvbill_sessions_started_total",
			Help: "Total sessions started",
		},
		[]string{"payment_type"},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvbill_sessions_ended_total",
			Help: "Total sessions ended",
		},
		[]string{"reason"},
	)

	SessionsPaused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvbill_sessions_paused_total",
			Help: "Total session pauses",
		},
		[]string{"reason"},
	)

	MinutesAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tvbill_minutes_added_total",
			Help: "Total minutes added to running sessions",
		},
	)

	OrdersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tvbill_orders_created_total",
			Help: "Total F&B orders placed against sessions",
		},
	)

	// Sweep metrics
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvbill_sweep_runs_total",
			Help: "Total background sweep runs",
		},
		[]string{"task", "result"},
	)

	SweepSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvbill_sweep_skipped_total",
			Help: "Sweep ticks skipped because the previous run was still in progress",
		},
		[]string{"task"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tvbill_sweep_duration_seconds",
			Help:    "Sweep duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"task"},
	)

	// Device metrics
	DevicesOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tvbill_devices_offline_total",
			Help: "Total online to offline device transitions",
		},
	)

	Heartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tvbill_heartbeats_total",
			Help: "Total device heartbeats accepted",
		},
	)

	DiscoveriesRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvbill_discoveries_removed_total",
			Help: "Discovery records removed by cleanup",
		},
		[]string{"kind"},
	)

	// Realtime metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvbill_events_published_total",
			Help: "Total realtime events published",
		},
		[]string{"event"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvbill_events_dropped_total",
			Help: "Realtime events dropped because a client buffer was full",
		},
		[]string{"event"},
	)

	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tvbill_ws_clients",
			Help: "Number of connected websocket clients",
		},
	)

	// HTTP metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvbill_http_requests_total",
			Help: "Total HTTP API requests processed",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tvbill_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsEnded,
		SessionsPaused,
		MinutesAdded,
		OrdersCreated,
		SweepRuns,
		SweepSkipped,
		SweepDuration,
		DevicesOffline,
		Heartbeats,
		DiscoveriesRemoved,
		EventsPublished,
		EventsDropped,
		ConnectedClients,
		RequestsTotal,
		RequestDuration,
	)
}

// HealthFunc reports whether a dependency is usable.
type HealthFunc func(ctx context.Context) error

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. A non-nil health check is run by /health.
func NewServer(addr string, health HealthFunc, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "metrics").Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Health check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("UNAVAILABLE"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
