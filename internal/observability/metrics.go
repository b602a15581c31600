package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon (SPEC_FULL.md §1):
// files stored, bytes downloaded, chunk fetch retries, subfeed messages
// appended, subfeed verification failures, and bucket request latency.
// Each Metrics owns its own registry so multiple daemon instances in one
// process (tests, embedded use) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	FilesStoredTotal    *prometheus.CounterVec
	BytesStoredTotal    prometheus.Counter
	ManifestsBuiltTotal prometheus.Counter
	FilesTrashedTotal   prometheus.Counter

	DownloadsTotal         *prometheus.CounterVec
	BytesDownloadedTotal   prometheus.Counter
	ChunkFetchRetriesTotal prometheus.Counter
	DownloadDuration       prometheus.Histogram

	SubfeedMessagesAppended    *prometheus.CounterVec
	SubfeedVerificationFailure *prometheus.CounterVec

	BucketRequestDuration *prometheus.HistogramVec
	BucketRequestsTotal   *prometheus.CounterVec

	RequestFileWaiters prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		FilesStoredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kachery_files_stored_total",
				Help: "Files successfully installed into the CAS, by origin",
			},
			[]string{"origin"},
		),
		BytesStoredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kachery_bytes_stored_total",
				Help: "Total bytes written into the CAS",
			},
		),
		ManifestsBuiltTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kachery_manifests_built_total",
				Help: "Multi-chunk file manifests built",
			},
		),
		FilesTrashedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kachery_files_trashed_total",
				Help: "Files moved to sha1-trash",
			},
		),

		DownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kachery_downloads_total",
				Help: "Downloader.LoadFile completions, by result",
			},
			[]string{"result"}, // success, not_found, integrity_violation, cancelled, error
		),
		BytesDownloadedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kachery_bytes_downloaded_total",
				Help: "Total bytes fetched from bucket storage",
			},
		),
		ChunkFetchRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kachery_chunk_fetch_retries_total",
				Help: "Manifest chunk fetches that required a retry",
			},
		),
		DownloadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kachery_download_duration_seconds",
				Help:    "Wall-clock time for a Downloader.LoadFile call",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		SubfeedMessagesAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kachery_subfeed_messages_appended_total",
				Help: "Signed subfeed messages appended, by source",
			},
			[]string{"source"}, // local, replication
		),
		SubfeedVerificationFailure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kachery_subfeed_verification_failures_total",
				Help: "Signature/chain verification failures during subfeed load or replication",
			},
			[]string{"stage"}, // load, replication
		),

		BucketRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kachery_bucket_request_duration_seconds",
				Help:    "BucketClient request latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method"}, // head, get, put
		),
		BucketRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kachery_bucket_requests_total",
				Help: "BucketClient requests, by method and outcome",
			},
			[]string{"method", "result"},
		),

		RequestFileWaiters: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kachery_request_file_waiters",
				Help: "Downloader calls currently waiting on a HubCoordinator requestFile response",
			},
		),
	}
}

// Handler exposes the Prometheus metrics endpoint for this instance's
// registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
