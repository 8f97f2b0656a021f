// Package metrics exposes upload, share, and reconcile counters on the
// daemon's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline's prometheus instruments.
type Metrics struct {
	Registry *prometheus.Registry

	UploadsTotal   *prometheus.CounterVec
	UploadedBytes  prometheus.Counter
	InstantUploads prometheus.Counter
	SharesTotal    *prometheus.CounterVec
	ReconcileRuns  prometheus.Counter
	RescuedFiles   prometheus.Counter
	QueueDepth     prometheus.Gauge
	TasksPending   prometheus.Gauge
	ViolationHits  prometheus.Counter
}

// New creates a Metrics set backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skylift",
			Name:      "uploads_total",
			Help:      "Upload attempts by result.",
		}, []string{"result"}),
		UploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "skylift",
			Name:      "uploaded_bytes_total",
			Help:      "Bytes confirmed uploaded to the remote drive.",
		}),
		InstantUploads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "skylift",
			Name:      "instant_uploads_total",
			Help:      "Uploads completed by content-hash match without transfer.",
		}),
		SharesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skylift",
			Name:      "shares_total",
			Help:      "Share attempts by result.",
		}, []string{"result"}),
		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "skylift",
			Name:      "reconcile_runs_total",
			Help:      "Reconciler sweep executions.",
		}),
		RescuedFiles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "skylift",
			Name:      "rescued_files_total",
			Help:      "Files re-enqueued by the rescue scan.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "skylift",
			Name:      "upload_queue_depth",
			Help:      "Jobs currently waiting in the upload queue.",
		}),
		TasksPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "skylift",
			Name:      "tasks_pending",
			Help:      "Tasks waiting for completion or share.",
		}),
		ViolationHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "skylift",
			Name:      "share_violations_total",
			Help:      "Share-violation notices matched to releases.",
		}),
	}
}
