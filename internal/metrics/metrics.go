package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "charcha_active_subscriptions",
		Help: "Store listeners currently attached, by collection level",
	}, []string{"level"})
	SubscriptionErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charcha_subscription_errors_total",
		Help: "Store listener attach or delivery failures",
	}, []string{"level"})
	FeatureSnapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "charcha_feature_snapshots_total",
		Help: "Pin feature collections emitted",
	})
	PostsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charcha_posts_skipped_total",
		Help: "Posts excluded from a feature collection, by reason",
	}, []string{"reason"})
	VoteTransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charcha_vote_transactions_total",
		Help: "Vote transaction attempts by outcome",
	}, []string{"outcome"})
	DirectionsRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "charcha_directions_requests_total",
		Help: "Directions service requests",
	})
	DirectionsFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "charcha_directions_fail_total",
		Help: "Directions service failures",
	})
	DirectionsDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "charcha_directions_duration_ms",
		Help:    "Directions request duration in milliseconds",
		Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 4000},
	})
	MapSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "charcha_map_sessions",
		Help: "Open websocket map sessions",
	})
)

func init() {
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(SubscriptionErrorsTotal)
	prometheus.MustRegister(FeatureSnapshotsTotal)
	prometheus.MustRegister(PostsSkippedTotal)
	prometheus.MustRegister(VoteTransactionsTotal)
	prometheus.MustRegister(DirectionsRequestsTotal)
	prometheus.MustRegister(DirectionsFailTotal)
	prometheus.MustRegister(DirectionsDurationMs)
	prometheus.MustRegister(MapSessions)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler { return promhttp.Handler() }
