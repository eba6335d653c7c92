package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "solar_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	cycleOverruns prometheus.Counter

	devicePolls    *prometheus.CounterVec
	registerErrors *prometheus.CounterVec

	storeWrites *prometheus.CounterVec

	gatewayUp prometheus.Gauge

	exportTotal *prometheus.CounterVec
)

// Init registers the collector metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		cyclesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scan_cycles_total",
				Help: "Total scan cycles by result",
			},
			[]string{"result"},
		)
		cycleDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "scan_cycle_duration_seconds",
				Help:    "Scan cycle duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		)
		cycleOverruns = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "scan_cycle_overruns_total",
				Help: "Scan cycles that took longer than the refresh interval",
			},
		)

		devicePolls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_polls_total",
				Help: "Device polls by device and result",
			},
			[]string{"device", "result"},
		)
		registerErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "register_read_errors_total",
				Help: "Register read errors by group and kind",
			},
			[]string{"group", "kind"},
		)

		storeWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_writes_total",
				Help: "Measurement writes by sink and result",
			},
			[]string{"sink", "result"},
		)

		gatewayUp = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "gateway_up",
				Help: "1 when the last scan cycle reached the gateway",
			},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "exports_total",
				Help: "Generated exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			cyclesTotal,
			cycleDuration,
			cycleOverruns,
			devicePolls,
			registerErrors,
			storeWrites,
			gatewayUp,
			exportTotal,
		)
	})
}

// ObserveCycle records one finished scan cycle.
func ObserveCycle(result string, duration time.Duration, overrun bool) {
	if result == "" {
		result = resultSuccess
	}
	if cyclesTotal != nil {
		cyclesTotal.WithLabelValues(result).Inc()
	}
	if cycleDuration != nil {
		cycleDuration.Observe(duration.Seconds())
	}
	if overrun && cycleOverruns != nil {
		cycleOverruns.Inc()
	}
}

// IncDevicePoll counts a device poll outcome.
func IncDevicePoll(device, result string) {
	if result == "" {
		result = resultSuccess
	}
	if devicePolls != nil {
		devicePolls.WithLabelValues(device, result).Inc()
	}
}

// IncRegisterError counts a failed register group read.
func IncRegisterError(group, kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if registerErrors != nil {
		registerErrors.WithLabelValues(group, kind).Inc()
	}
}

// IncStoreWrite counts a sink write.
func IncStoreWrite(sink, result string) {
	if result == "" {
		result = resultSuccess
	}
	if storeWrites != nil {
		storeWrites.WithLabelValues(sink, result).Inc()
	}
}

// SetGatewayUp sets the gateway reachability gauge.
func SetGatewayUp(up bool) {
	if gatewayUp == nil {
		return
	}
	if up {
		gatewayUp.Set(1)
	} else {
		gatewayUp.Set(0)
	}
}

// IncExport counts a generated export.
func IncExport(format, result string) {
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	ResultUnresponsive = "unresponsive"
	ResultUnreachable  = "unreachable"

	KindException = "exception"
	KindTransport = "transport"
)
