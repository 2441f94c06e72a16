package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_paste_updated_total",
		Help: "no. of pastes updated",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_paste_deleted_total",
		Help: "no. of pastes deleted",
	})
	PastePurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_paste_purged_total",
		Help: "no. of expired pastes removed by purge",
	})
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_prune_cycles_total",
		Help: "no. of purge worker cycles",
	})
	AllocationProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_shortcode_probes_total",
		Help: "no. of short code candidates checked against storage",
	})
	AllocationCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_shortcode_collisions_total",
		Help: "no. of short code candidates already in use",
	})
	AllocationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_shortcode_fallbacks_total",
		Help: "no. of allocations that fell back to the timestamp code",
	})
	InsertRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_insert_retries_total",
		Help: "no. of inserts retried after a short code unique violation",
	})
	ViewsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_views_dropped_total",
		Help: "no. of view records dropped because the queue was full or closed",
	})
	ViewRecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeshare_view_record_failures_total",
		Help: "no. of view records that failed to persist",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codeshare_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeshare_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codeshare_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
