package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"content-sharing-platform/shared/workflow"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Domain events handed to the broker by routing key and result.",
		},
		[]string{"routing_key", "result"},
	)
	projectionMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projection_messages_total",
			Help: "Deliveries processed by projection consumers by result.",
		},
		[]string{"consumer", "routing_key", "result"},
	)
	projectionApply = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projection_apply_seconds",
			Help:    "Projection apply latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer"},
	)
	deadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_lettered_total",
			Help: "Deliveries routed to the dead-letter key by reason.",
		},
		[]string{"consumer", "reason"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)
	cacheInvalidatedKeys = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_invalidated_keys",
			Help: "Total cache keys removed by invalidation.",
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	blobDeletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blob_deletes_total",
			Help: "Blob store delete calls by result.",
		},
		[]string{"result"},
	)
	blobDeleteLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blob_delete_latency_seconds",
			Help:    "Blob store delete latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	outboxQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_queue_depth",
			Help: "Asynq queue depth of the outbox relay by queue.",
		},
		[]string{"queue"},
	)
	consumerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_state",
			Help: "1 for the current lifecycle state of each projection consumer.",
		},
		[]string{"consumer", "state"},
	)
)

var registerOnce sync.Once

// Register is safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			eventsPublished, projectionMessages, projectionApply, deadLettered,
			cacheLookups, cacheInvalidatedKeys,
			kafkaConsumerLag, influxWriteFailures,
			blobDeletes, blobDeleteLatency,
			outboxQueueDepth, consumerState,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument labels requests by route pattern when the mux exposes one.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventPublished(routingKey string, result string) {
	eventsPublished.WithLabelValues(routingKey, result).Inc()
}

func IncProjectionMessage(consumer string, routingKey string, result string) {
	projectionMessages.WithLabelValues(consumer, routingKey, result).Inc()
}

func ObserveProjectionApply(consumer string, d time.Duration) {
	projectionApply.WithLabelValues(consumer).Observe(d.Seconds())
}

func IncDeadLettered(consumer string, reason string) {
	deadLettered.WithLabelValues(consumer, reason).Inc()
}

func IncCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func AddCacheInvalidated(n int) {
	cacheInvalidatedKeys.Add(float64(n))
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncBlobDelete(result string) {
	blobDeletes.WithLabelValues(result).Inc()
}

func ObserveBlobDeleteLatency(d time.Duration) {
	blobDeleteLatency.Observe(d.Seconds())
}

func SetOutboxQueueDepth(queue string, depth int) {
	outboxQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetConsumerState(consumer string, state string) {
	for _, s := range workflow.AllConsumerStates() {
		v := 0.0
		if s == state {
			v = 1
		}
		consumerState.WithLabelValues(consumer, s).Set(v)
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
