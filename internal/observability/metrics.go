package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	metricSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopilot",
		Name:      "sessions_total",
		Help:      "Sessions that reached a terminal outcome, by outcome.",
	}, []string{"outcome"})
	metricAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopilot",
		Name:      "step_attempts_total",
		Help:      "Step attempts, by action and verification result.",
	}, []string{"action", "result"})
	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autopilot",
		Name:      "recovery_decisions_total",
		Help:      "Recovery decisions issued after failed attempts, by kind.",
	}, []string{"kind"})
	metricSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "autopilot",
		Name:      "session_duration_seconds",
		Help:      "Wall-clock time from session start to terminal outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autopilot",
		Name:      "active_sessions",
		Help:      "Sessions currently registered and running.",
	})
)

// RecordSession counts a terminal outcome and its elapsed time.
func RecordSession(outcome string, elapsed time.Duration) {
	metricSessions.WithLabelValues(outcome).Inc()
	metricSessionDuration.Observe(elapsed.Seconds())
}

// RecordAttempt counts one step attempt.
func RecordAttempt(action, result string) {
	metricAttempts.WithLabelValues(action, result).Inc()
}

// RecordDecision counts one recovery decision.
func RecordDecision(kind string) {
	metricDecisions.WithLabelValues(kind).Inc()
}

// SessionStarted and SessionFinished track the active session gauge.
func SessionStarted()  { metricActiveSessions.Inc() }
func SessionFinished() { metricActiveSessions.Dec() }

// ServeMetrics exposes the default registry on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics listener started.", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
