// Package metrics holds the process-wide Prometheus collectors and the small
// HTTP server that exposes them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{Name: "seatkeeper_connections_accepted_total", Help: "Client connections accepted"})
	ActiveConnections   = promauto.NewGauge(prometheus.GaugeOpts{Name: "seatkeeper_active_connections", Help: "Client connections currently being handled"})
	Handshakes          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "seatkeeper_handshakes_total", Help: "Handshakes by declared intention"}, []string{"intention"})
	LoginsRejected      = promauto.NewCounter(prometheus.CounterOpts{Name: "seatkeeper_logins_rejected_total", Help: "Logins kicked for an unknown player name"})
	RelayOutcomes       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "seatkeeper_relay_outcomes_total", Help: "Relay sessions by side that disconnected first"}, []string{"outcome"})
	RelayedBytes        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "seatkeeper_relayed_bytes_total", Help: "Bytes copied by the relay"}, []string{"direction"})
	RelayDuration       = promauto.NewHistogram(prometheus.HistogramOpts{Name: "seatkeeper_relay_duration_seconds", Help: "Relay session lifetime seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 16)})
	Handoffs            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "seatkeeper_handoffs_total", Help: "Slot handoff attempts by result"}, []string{"result"})
	HeldSessions        = promauto.NewGauge(prometheus.GaugeOpts{Name: "seatkeeper_held_sessions", Help: "Backend sessions currently held by the keep-alive responder"})
	KeepAlivesAnswered  = promauto.NewCounter(prometheus.CounterOpts{Name: "seatkeeper_keep_alives_answered_total", Help: "Backend keep-alives answered on held sessions"})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "seatkeeper_errors_total", Help: "Errors by type"}, []string{"type"})
)

// StartServer serves /metrics and /healthz on addr until ctx is cancelled.
func StartServer(ctx context.Context, logger *logrus.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("serving metrics on %s", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server: %v", err)
		}
	}()
}
