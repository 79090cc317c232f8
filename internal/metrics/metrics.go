// Package metrics collects and exposes Prometheus metrics for the API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts login handshakes and review moderation events.
type Collector struct {
	loginStarted   *prometheus.CounterVec
	loginCompleted *prometheus.CounterVec
	loginFailed    *prometheus.CounterVec
	submitted      prometheus.Counter
	statusChanges  *prometheus.CounterVec
	rewardChanges  *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics on the registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makoto_login_started_total",
			Help: "Login handshakes initiated, by provider.",
		}, []string{"provider"}),
		loginCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makoto_login_completed_total",
			Help: "Login handshakes completed successfully, by provider.",
		}, []string{"provider"}),
		loginFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makoto_login_failed_total",
			Help: "Login handshakes failed, by provider and reason.",
		}, []string{"provider", "reason"}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "makoto_reviews_submitted_total",
			Help: "Reviews accepted into the moderation queue.",
		}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makoto_moderation_status_total",
			Help: "Moderation status writes, by resulting status.",
		}, []string{"status"}),
		rewardChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makoto_reward_status_total",
			Help: "Reward status writes, by resulting status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.loginStarted,
		c.loginCompleted,
		c.loginFailed,
		c.submitted,
		c.statusChanges,
		c.rewardChanges,
	)

	return c
}

// RecordLoginStarted counts an initiated handshake.
func (c *Collector) RecordLoginStarted(provider string) {
	c.loginStarted.WithLabelValues(provider).Inc()
}

// RecordLoginCompleted counts a successful handshake.
func (c *Collector) RecordLoginCompleted(provider string) {
	c.loginCompleted.WithLabelValues(provider).Inc()
}

// RecordLoginFailed counts a failed handshake.
func (c *Collector) RecordLoginFailed(provider, reason string) {
	c.loginFailed.WithLabelValues(provider, reason).Inc()
}

// RecordReviewSubmitted counts an accepted submission.
func (c *Collector) RecordReviewSubmitted() {
	c.submitted.Inc()
}

// RecordStatusChange counts a moderation status write.
func (c *Collector) RecordStatusChange(status string) {
	c.statusChanges.WithLabelValues(status).Inc()
}

// RecordRewardChange counts a reward status write.
func (c *Collector) RecordRewardChange(rewardStatus string) {
	c.rewardChanges.WithLabelValues(rewardStatus).Inc()
}

// Handler returns the Prometheus scrape handler for the gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
