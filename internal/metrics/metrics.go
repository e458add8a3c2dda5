// Package metrics exposes Prometheus instrumentation for loading, graph execution
// and decoding.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_inference_tokens_total",
		Help: "The total number of tokens processed by Step and Prefill",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minerva_step_duration_seconds",
		Help:    "Duration of one forward pass",
		Buckets: prometheus.DefBuckets,
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "minerva_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 0.1, 1},
	}, []string{"kernel"})

	GraphNodesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_graph_nodes_executed_total",
		Help: "Graph nodes executed, after fusion",
	})

	GraphNodesFused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minerva_graph_nodes_fused_total",
		Help: "Fusion rewrites applied, by rule",
	}, []string{"rule"})

	GraphPeakLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minerva_graph_peak_live_arrays",
		Help: "Peak number of live intermediate arrays in the last execution",
	})

	KVCacheLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minerva_kv_cache_length",
		Help: "Filled positions of the most recently appended cache",
	})

	KVCacheOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_kv_cache_overflow_total",
		Help: "Appends rejected because they would exceed max_position",
	})

	TensorsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minerva_tensors_loaded_total",
		Help: "Tensors decoded into a weight set, by source dtype",
	}, []string{"dtype"})

	DequantizedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minerva_dequantized_bytes_total",
		Help: "Encoded bytes passed through the quantization codec",
	})

	LoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "minerva_load_duration_seconds",
		Help:    "Duration of model loads",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	}, []string{"format"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minerva_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})
)

// RecordKernel records the duration of one kernel invocation.
func RecordKernel(kernel string, start time.Time) {
	KernelDuration.WithLabelValues(kernel).Observe(time.Since(start).Seconds())
}

// RecordLoad records a completed load.
func RecordLoad(format string, start time.Time) {
	LoadDuration.WithLabelValues(format).Observe(time.Since(start).Seconds())
}

// RecordValidationError counts a rejected operation.
func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}
