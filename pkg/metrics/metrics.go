// Package metrics exposes node state as Prometheus collectors (spec.md
// §6's "metrics (JSON and Prometheus text variants)" surface).
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dockerlabs/noded/pkg/resource"
)

const namespace = "noded"

// Metrics owns a private Prometheus registry and the collectors the rest
// of the node updates as it runs.
type Metrics struct {
	registry *prometheus.Registry

	loadedModels      *prometheus.GaugeVec
	activeRequests    prometheus.Gauge
	memUsedBytes      prometheus.Gauge
	memTotalBytes     prometheus.Gauge
	vramUsedBytes     prometheus.Gauge
	vramTotalBytes    prometheus.Gauge
	heartbeatsSent    prometheus.Counter
	heartbeatsFailed  prometheus.Counter
	downloadBytes     prometheus.Counter
	prefixCacheHits   prometheus.Counter
	prefixCacheMisses prometheus.Counter
	schedulerQueue    *prometheus.GaugeVec
	syncState         *prometheus.GaugeVec
}

// New registers every collector against a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		loadedModels: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "loaded_models", Help: "currently loaded models per runtime",
		}, []string{"runtime"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_requests", Help: "in-flight requests admitted by the readiness gate",
		}),
		memUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mem_used_bytes", Help: "host RAM in use",
		}),
		memTotalBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mem_total_bytes", Help: "host RAM total",
		}),
		vramUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vram_used_bytes", Help: "GPU VRAM in use",
		}),
		vramTotalBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vram_total_bytes", Help: "GPU VRAM total",
		}),
		heartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_sent_total", Help: "heartbeats successfully delivered to the router",
		}),
		heartbeatsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_failed_total", Help: "heartbeats that failed to send or were rejected",
		}),
		downloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "download_bytes_total", Help: "bytes fetched by the downloader",
		}),
		prefixCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "prefix_cache_hits_total", Help: "prefix-cache lookups that hit",
		}),
		prefixCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "prefix_cache_misses_total", Help: "prefix-cache lookups that missed",
		}),
		schedulerQueue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scheduler_queue_depth", Help: "combined prefill-queue and decode-batch length per runtime",
		}, []string{"runtime"}),
		syncState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sync_state", Help: "1 for the currently active modelsync state, 0 otherwise",
		}, []string{"state"}),
	}
}

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JSONHandler serves the same gathered metric families as JSON, for
// callers that don't speak the Prometheus text format (spec.md §6).
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		families, err := m.registry.Gather()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(families)
	})
}

// SetLoadedModels records the number of currently loaded models for a
// runtime (fed by enginemanager.Manager.Loaded() per runtime).
func (m *Metrics) SetLoadedModels(runtime string, count int) {
	m.loadedModels.WithLabelValues(runtime).Set(float64(count))
}

// SetActiveRequests records the readiness gate's in-flight counter.
func (m *Metrics) SetActiveRequests(n int32) {
	m.activeRequests.Set(float64(n))
}

// SetResourceSnapshot records the resource monitor's latest reading.
func (m *Metrics) SetResourceSnapshot(snap resource.Snapshot) {
	m.memUsedBytes.Set(float64(snap.MemUsed))
	m.memTotalBytes.Set(float64(snap.MemTotal))
	m.vramUsedBytes.Set(float64(snap.VRAMUsed))
	m.vramTotalBytes.Set(float64(snap.VRAMTotal))
}

// IncHeartbeatSent counts one heartbeat delivered successfully.
func (m *Metrics) IncHeartbeatSent() { m.heartbeatsSent.Inc() }

// IncHeartbeatFailed counts one heartbeat that failed to send.
func (m *Metrics) IncHeartbeatFailed() { m.heartbeatsFailed.Inc() }

// AddDownloadBytes accumulates bytes fetched by the downloader.
func (m *Metrics) AddDownloadBytes(n int64) {
	if n > 0 {
		m.downloadBytes.Add(float64(n))
	}
}

// IncPrefixCacheHit/IncPrefixCacheMiss track prefix-cache lookup outcomes.
func (m *Metrics) IncPrefixCacheHit()  { m.prefixCacheHits.Inc() }
func (m *Metrics) IncPrefixCacheMiss() { m.prefixCacheMisses.Inc() }

// SetSchedulerQueueDepth records one runtime's continuous-batch scheduler
// (C12) combined prefill/decode length, fed by dispatch.Dispatcher.QueueDepths.
func (m *Metrics) SetSchedulerQueueDepth(runtime string, depth int) {
	m.schedulerQueue.WithLabelValues(runtime).Set(float64(depth))
}

// SetSyncState zeroes every known state and sets state to 1, so the
// exposed gauge vector always shows exactly one active state.
func (m *Metrics) SetSyncState(state string, knownStates []string) {
	for _, s := range knownStates {
		if s == state {
			m.syncState.WithLabelValues(s).Set(1)
		} else {
			m.syncState.WithLabelValues(s).Set(0)
		}
	}
}
