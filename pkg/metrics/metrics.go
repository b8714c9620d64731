// Package metrics exposes Prometheus collectors for the streaming core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsAppended counts records accepted by the history store.
	RecordsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_history_records_total",
		Help: "Total number of records appended to the history store",
	})

	// RecordsEvicted counts records dropped by FIFO eviction.
	RecordsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_history_evictions_total",
		Help: "Total number of records evicted from the history store",
	})

	// HistorySize tracks the number of resident records.
	HistorySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_history_size",
		Help: "Current number of records resident in the history store",
	})

	// HistoryBytes tracks the resident payload bytes.
	HistoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_history_bytes",
		Help: "Current payload bytes resident in the history store",
	})

	// ChunksSent counts chunks written to the wire, including resends.
	ChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_transport_chunks_sent_total",
		Help: "Total number of chunks written to the wire",
	})

	// ChunkResends counts timeout-triggered resends.
	ChunkResends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_transport_resends_total",
		Help: "Total number of chunks resent after an ack timeout",
	})

	// AcksReceived counts acknowledgments received from consumers.
	AcksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_transport_acks_total",
		Help: "Total number of chunk acknowledgments received",
	})

	// BatchesCompleted counts batches fully sent and acknowledged.
	BatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_transport_batches_completed_total",
		Help: "Total number of wire batches fully acknowledged",
	})

	// BatchesFailed counts batches abandoned after retry exhaustion or
	// channel closure.
	BatchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_transport_batches_failed_total",
		Help: "Total number of wire batches abandoned mid-flight",
	})

	// MalformedChunks counts chunks dropped by the reassembler.
	MalformedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_reassembly_malformed_chunks_total",
		Help: "Total number of malformed chunks dropped during reassembly",
	})

	// LiveFramesDropped counts live-path frames dropped because a session's
	// queue was full. The producer never blocks on a slow consumer.
	LiveFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_live_frames_dropped_total",
		Help: "Total number of live frames dropped on full session queues",
	})
)

// Handler returns the HTTP handler serving the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
