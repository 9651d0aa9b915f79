package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookdeploy_webhooks_total",
		Help: "Inbound webhook requests by result",
	}, []string{"result"})

	deploys = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookdeploy_deploys_total",
		Help: "Deploy attempts by outcome",
	}, []string{"outcome"})

	deployDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hookdeploy_deploy_duration_seconds",
		Help:    "Wall time of deploys that took the lock",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"outcome"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookdeploy_deploys_in_flight",
		Help: "Deploys currently holding a lock",
	})
)

// WebhookReceived counts an inbound webhook by how it was answered
// (accepted, unauthorized, ignored, rejected, rate_limited).
func WebhookReceived(result string) {
	webhooks.WithLabelValues(result).Inc()
}

// SetInFlight publishes how many deploy keys are currently locked.
func SetInFlight(n int) {
	inFlight.Set(float64(n))
}

// DeployFinished records the outcome of a deploy. A zero started time means
// the deploy never took the lock, so no duration is observed.
func DeployFinished(outcome string, started time.Time) {
	deploys.WithLabelValues(outcome).Inc()
	if started.IsZero() {
		return
	}
	deployDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// Router serves /metrics.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}
