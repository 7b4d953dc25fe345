package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_deliveries_total",
			Help: "Total number of delivery invocations by outcome.",
		},
		[]string{"outcome"}, // succeeded, retry_scheduled, exhausted, config_error
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_retries_total",
			Help: "Total number of rescheduled deliveries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	ExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhook_exhausted_total",
			Help: "Total number of deliveries dropped after the final attempt.",
		},
	)

	ConfigErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhook_config_errors_total",
			Help: "Total number of deliveries halted by a configuration error.",
		},
	)

	DLQPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailhook_dlq_published_total",
			Help: "Total number of exhausted deliveries published to the dead letter topic.",
		},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailhook_delivery_latency_seconds",
			Help:    "Latency of the outbound webhook request.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	HTTPResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhook_http_responses_total",
			Help: "Webhook responses by HTTP status code; 0 is a transport error.",
		},
		[]string{"code"},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailhook_queue_backlog",
			Help: "Messages waiting in the worker channel of the webhook topic.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailhook_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailhook_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		DeliveriesTotal,
		RetriesTotal,
		ExhaustedTotal,
		ConfigErrorsTotal,
		DLQPublishedTotal,
		DeliveryLatency,
		HTTPResponsesTotal,
		QueueBacklog,
		NSQChannelDepth,
		NSQChannelInflight,
	)
}

// RecordDelivery counts one orchestrator outcome and its request latency
func RecordDelivery(outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(outcome).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordExhausted() {
	ExhaustedTotal.Inc()
}

func RecordConfigError() {
	ConfigErrorsTotal.Inc()
	DeliveriesTotal.WithLabelValues("config_error").Inc()
}

func RecordDLQPublished() {
	DLQPublishedTotal.Inc()
}

func RecordHTTPResponse(status int) {
	HTTPResponsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// UpdateChannel sets depth/in-flight gauges for one NSQ channel
func UpdateChannel(topic, channel string, depth, inflight int64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	NSQChannelInflight.WithLabelValues(topic, channel).Set(float64(inflight))
}

func UpdateBacklog(depth int64) {
	QueueBacklog.Set(float64(depth))
}
