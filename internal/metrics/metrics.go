package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Engine
	ChangesHandled   *prometheus.CounterVec // by handler
	HandlerErrors    *prometheus.CounterVec // by handler
	HandlerLatency   prometheus.Histogram
	Writes           prometheus.Counter
	NotifySent       prometheus.Counter
	NotifyFailed     prometheus.Counter
	IDCollisions     prometheus.Counter
	FeedBacklog      prometheus.Gauge
	Requeued         prometheus.Counter
	Dropped          prometheus.Counter // changes given up on after the last attempt
	ChangelogAppends prometheus.Counter

	// Recovery
	Applied            prometheus.Counter
	Skipped            prometheus.Counter
	TTRSec             prometheus.Gauge
	LastManifestAgeSec prometheus.Gauge
	ReplayLag          prometheus.Gauge // changelog head offset minus last replayed offset
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	handled := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ordersync_changes_handled_total"}, []string{"handler"})
	handlerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ordersync_handler_errors_total"}, []string{"handler"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ordersync_handler_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	writes := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_writes_total"})
	sent := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_notify_sent_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_notify_failed_total"})
	collisions := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_ops_id_collisions_total"})
	backlog := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ordersync_feed_backlog"})
	appends := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_changelog_appended_total"})
	requeued := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_changes_requeued_total"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_changes_dropped_total"})

	applied := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_replay_applied_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "ordersync_replay_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ordersync_recovery_ttr_seconds"})
	lastAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ordersync_last_manifest_age_seconds"})
	lag := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ordersync_replay_lag_messages"})

	r.MustRegister(handled, handlerErrors, latency, writes, sent, failed, collisions, backlog, appends,
		requeued, dropped,
		applied, skipped, ttr, lastAge, lag)
	return &Registry{
		reg:                r,
		ChangesHandled:     handled,
		HandlerErrors:      handlerErrors,
		HandlerLatency:     latency,
		Writes:             writes,
		NotifySent:         sent,
		NotifyFailed:       failed,
		IDCollisions:       collisions,
		FeedBacklog:        backlog,
		ChangelogAppends:   appends,
		Requeued:           requeued,
		Dropped:            dropped,
		Applied:            applied,
		Skipped:            skipped,
		TTRSec:             ttr,
		LastManifestAgeSec: lastAge,
		ReplayLag:          lag,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
