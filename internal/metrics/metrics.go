// Package metrics exports the engine's Prometheus gauges/counters and a
// JSON snapshot, grounded on forgequant-context8-mcp's
// instrumentation.Metrics (promauto registration, one struct field per
// series) generalized from that service's stream/report metrics to this
// engine's processing/detection/business figures.
package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every Prometheus series the engine exports, matching the
// series names spec.md §6 lists.
type Registry struct {
	ProcessingLatencyUs prometheus.Gauge
	DetectionLatencyUs  prometheus.Gauge
	MessagesProcessed   prometheus.Counter
	OpportunitiesTotal  prometheus.Counter
	TotalPnLUSD         prometheus.Gauge
	WinRate             prometheus.Gauge
	MemoryUsageMB       prometheus.Gauge
	CPUUsagePercent     prometheus.Gauge

	mu       sync.Mutex
	snapshot Snapshot

	sampleMu   sync.Mutex
	lastCPU    time.Duration
	lastSample time.Time
}

// NewRegistry builds and registers every series against reg (pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ProcessingLatencyUs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbitrage_processing_latency_us",
			Help: "Time to process one market data update, in microseconds",
		}),
		DetectionLatencyUs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbitrage_detection_latency_us",
			Help: "Time to run one full detection pass, in microseconds",
		}),
		MessagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbitrage_messages_processed_total",
			Help: "Total market data messages processed across all venues",
		}),
		OpportunitiesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbitrage_opportunities_detected_total",
			Help: "Total arbitrage opportunities detected",
		}),
		TotalPnLUSD: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbitrage_total_pnl_usd",
			Help: "Cumulative realized PnL in USD",
		}),
		WinRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbitrage_win_rate",
			Help: "Percentage of closed positions with positive PnL",
		}),
		MemoryUsageMB: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbitrage_memory_usage_mb",
			Help: "Go heap memory allocated, in megabytes",
		}),
		CPUUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbitrage_cpu_usage_percent",
			Help: "Process CPU usage percentage",
		}),
	}
}

// Snapshot is the JSON export shape, grouped the way spec.md §6 requires.
type Snapshot struct {
	Performance PerformanceSection `json:"performance"`
	Business    BusinessSection    `json:"business"`
	System      SystemSection      `json:"system"`
	GeneratedAt time.Time          `json:"generated_at"`
}

type PerformanceSection struct {
	ProcessingLatencyUs float64 `json:"processing_latency_us"`
	DetectionLatencyUs  float64 `json:"detection_latency_us"`
	MessagesProcessed   float64 `json:"messages_processed_total"`
}

type BusinessSection struct {
	OpportunitiesDetected float64 `json:"opportunities_detected_total"`
	TotalPnLUSD           float64 `json:"total_pnl_usd"`
	WinRate               float64 `json:"win_rate"`
}

type SystemSection struct {
	MemoryUsageMB   float64 `json:"memory_usage_mb"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
}

// RecordProcessingLatency sets the processing-latency gauge and increments
// the processed-message counter by one.
func (r *Registry) RecordProcessingLatency(us float64) {
	r.ProcessingLatencyUs.Set(us)
	r.MessagesProcessed.Inc()
}

// RecordDetectionPass sets the detection-latency gauge for one pass.
func (r *Registry) RecordDetectionPass(us float64) {
	r.DetectionLatencyUs.Set(us)
}

// RecordOpportunity increments the opportunities-detected counter.
func (r *Registry) RecordOpportunity() {
	r.OpportunitiesTotal.Inc()
}

// SetBusinessMetrics updates the PnL and win-rate gauges.
func (r *Registry) SetBusinessMetrics(totalPnL, winRate float64) {
	r.TotalPnLUSD.Set(totalPnL)
	r.WinRate.Set(winRate)
}

// SetSystemMetrics updates the memory and CPU gauges.
func (r *Registry) SetSystemMetrics(memMB, cpuPercent float64) {
	r.MemoryUsageMB.Set(memMB)
	r.CPUUsagePercent.Set(cpuPercent)
}

// SampleSystem reads current process memory and CPU usage and reports
// them through SetSystemMetrics. CPU percent is the share of wall-clock
// time since the previous sample spent in process user+system time
// (via getrusage), not an instantaneous reading.
func (r *Registry) SampleSystem() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memMB := float64(mem.Alloc) / (1024 * 1024)

	var ru syscall.Rusage
	cpuPercent := 0.0
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		cpu := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		now := time.Now()

		r.sampleMu.Lock()
		if !r.lastSample.IsZero() {
			wall := now.Sub(r.lastSample)
			if wall > 0 {
				cpuPercent = 100 * float64(cpu-r.lastCPU) / float64(wall)
			}
		}
		r.lastCPU = cpu
		r.lastSample = now
		r.sampleMu.Unlock()
	}

	r.SetSystemMetrics(memMB, cpuPercent)
}

// Snapshot builds a JSON-serializable copy of the current gauge/counter
// values via the prometheus client's Write interface.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Performance: PerformanceSection{
			ProcessingLatencyUs: gaugeValue(r.ProcessingLatencyUs),
			DetectionLatencyUs:  gaugeValue(r.DetectionLatencyUs),
			MessagesProcessed:   counterValue(r.MessagesProcessed),
		},
		Business: BusinessSection{
			OpportunitiesDetected: counterValue(r.OpportunitiesTotal),
			TotalPnLUSD:           gaugeValue(r.TotalPnLUSD),
			WinRate:               gaugeValue(r.WinRate),
		},
		System: SystemSection{
			MemoryUsageMB:   gaugeValue(r.MemoryUsageMB),
			CPUUsagePercent: gaugeValue(r.CPUUsagePercent),
		},
		GeneratedAt: time.Now(),
	}
}

// WriteFinal writes the current snapshot to metrics_final.json in the
// working directory, per spec.md §6's shutdown contract.
func (r *Registry) WriteFinal() error {
	snap := r.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal final metrics snapshot")
	}
	if err := os.WriteFile("metrics_final.json", data, 0o644); err != nil {
		return errors.Wrap(err, "write metrics_final.json")
	}
	return nil
}

func gaugeValue(g prometheus.Gauge) float64 {
	var pb dto.Metric
	if err := g.Write(&pb); err != nil {
		return 0
	}
	return pb.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

// Router builds the /metrics and /healthz HTTP surface, wired through
// go-chi the way the rest of this engine's HTTP endpoints are routed.
func Router(reg *Registry, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/snapshot", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reg.Snapshot())
	})
	return r
}
