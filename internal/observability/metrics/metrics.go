// Package metrics exposes Prometheus collectors for the HTTP boundary and
// each pipeline stage.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsend_http_requests_total",
		Help: "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowsend_http_request_duration_seconds",
		Help:    "HTTP request latency by route and method.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"route", "method"})

	intents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsend_intents_total",
		Help: "Classified intents by kind; degraded counts model failures that fell back to none.",
	}, []string{"kind", "degraded"})

	turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsend_turns_total",
		Help: "Conversation turns by terminal orchestrator state.",
	}, []string{"state"})

	executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsend_executions_total",
		Help: "Confirmed executions by kind and outcome.",
	}, []string{"kind", "outcome"})

	settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsend_settlements_total",
		Help: "Settlement provider calls by operation and result.",
	}, []string{"operation", "result"})

	pending = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowsend_pending_requests_total",
		Help: "Pending transaction request lifecycle events.",
	}, []string{"event"})
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveIntent counts one classification.
func ObserveIntent(kind string, degraded bool) {
	intents.WithLabelValues(kind, strconv.FormatBool(degraded)).Inc()
}

// ObserveTurn counts one finished conversation turn.
func ObserveTurn(state string) {
	turns.WithLabelValues(state).Inc()
}

// ObserveExecution counts one confirmed execution.
func ObserveExecution(kind, outcome string) {
	executions.WithLabelValues(kind, outcome).Inc()
}

// ObserveSettlement counts one settlement provider call.
func ObserveSettlement(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	settlements.WithLabelValues(operation, result).Inc()
}

// ObservePending counts a pending request event (issued, claimed, replayed,
// rejected, expired).
func ObservePending(event string) {
	pending.WithLabelValues(event).Inc()
}

// ObservePendingSwept counts records removed by the expiry sweep.
func ObservePendingSwept(n int) {
	pending.WithLabelValues("expired").Add(float64(n))
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
