// Package metrics holds the prometheus collectors of every saiyoumail process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saiyoumail_attempts_total",
		Help: "Attempt rows written by the send worker.",
	}, []string{"outcome"}) // outcome: success, failed, skipped, bounced

	SkipReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saiyoumail_skips_total",
		Help: "Skipped attempts per suppression reason.",
	}, []string{"reason"})

	Bounces = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saiyoumail_bounces_total",
		Help: "Bounces classified by the send worker and the ingestor.",
	}, []string{"kind", "source"}) // source: smtp, imap

	TemporaryBounces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saiyoumail_ingest_temporary_bounces_total",
		Help: "Temporary bounces the ingestor attributed to a roster company.",
	})

	Unsubscribes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saiyoumail_unsubscribes_total",
		Help: "Unsubscribe feed entries ingested.",
	})

	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saiyoumail_jobs_total",
		Help: "Send jobs by terminal state.",
	}, []string{"state"})

	RunningJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "saiyoumail_running_jobs",
		Help: "Send jobs currently tracked as running.",
	})

	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saiyoumail_submit_duration_seconds",
		Help:    "Duration of one SMTP submission including reconnects.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	IngestTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saiyoumail_ingest_ticks_total",
		Help: "Ingestor ticks by result.",
	}, []string{"result"}) // result: ok, error
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
