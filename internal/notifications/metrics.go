package notifications

import (
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "referralnotifier"

var (
	notificationQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_size",
			Help:      "Number of notifications in queue by status",
		},
		[]string{"status"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "enqueued_total",
			Help:      "Total notifications written to the queue",
		},
		[]string{"event_type", "channel"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Total notifications processed",
		},
		[]string{"channel", "status"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to send notification",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	notificationsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_claimed_total",
			Help:      "Total notifications claimed from queue (before send attempt). Sum of sent_total should match this.",
		},
	)

	fanOutRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "pairs_total",
			Help:      "Recipient/channel pairs considered by fan-out by result",
		},
		[]string{"event_type", "result"},
	)

	maintenanceRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "maintenance_rows_total",
			Help:      "Queue rows touched by maintenance by operation",
		},
		[]string{"operation"},
	)
)

func recordEnqueued(eventType EventType, channel domain.Channel) {
	notificationsEnqueued.WithLabelValues(string(eventType), string(channel)).Inc()
}

// recordNotificationSent records a sent notification metric.
func recordNotificationSent(channel domain.Channel, status string) {
	notificationsSent.WithLabelValues(string(channel), status).Inc()
}

// recordNotificationDuration records notification send duration.
func recordNotificationDuration(channel domain.Channel, duration time.Duration) {
	notificationSendDuration.WithLabelValues(string(channel)).Observe(duration.Seconds())
}

// recordQueueProcessed records the number of items claimed from queue.
func recordQueueProcessed(count int) {
	notificationsProcessed.Add(float64(count))
}

func recordFanOut(eventType EventType, result *FanOutResult) {
	fanOutRecipients.WithLabelValues(string(eventType), "enqueued").Add(float64(result.Enqueued))
	fanOutRecipients.WithLabelValues(string(eventType), "skipped").Add(float64(result.Skipped))
	fanOutRecipients.WithLabelValues(string(eventType), "failed").Add(float64(result.Failed))
}

func recordMaintenance(operation string, rows int64) {
	maintenanceRows.WithLabelValues(operation).Add(float64(rows))
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	notificationQueueSize.WithLabelValues(string(QueueStatusPending)).Set(float64(stats.Pending))
	notificationQueueSize.WithLabelValues(string(QueueStatusProcessing)).Set(float64(stats.Processing))
	notificationQueueSize.WithLabelValues(string(QueueStatusSent)).Set(float64(stats.Sent))
	notificationQueueSize.WithLabelValues(string(QueueStatusFailed)).Set(float64(stats.Failed))
	notificationQueueSize.WithLabelValues(string(QueueStatusCancelled)).Set(float64(stats.Cancelled))
}
