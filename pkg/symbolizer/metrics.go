package symbolizer

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const statusSuccess = "success"

type metrics struct {
	initializations *prometheus.CounterVec
	initDuration    prometheus.Histogram
	lookups         *prometheus.CounterVec

	// Module image fetch metrics
	fetchCalls   prometheus.Counter
	fetchedBytes prometheus.Counter

	contextBytes prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		initializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmsym_initializations_total",
			Help: "Total number of symbolization context builds by status",
		}, []string{"status"}),
		initDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wasmsym_initialization_duration_seconds",
			Help:    "Time spent parsing a module and building its symbolization context",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmsym_lookups_total",
			Help: "Total number of address lookups by status",
		}, []string{"status"}),
		fetchCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasmsym_fetch_calls_total",
			Help: "Total number of chunk fetches issued to the host",
		}),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasmsym_fetched_bytes_total",
			Help: "Total number of module bytes delivered by the host",
		}),
		contextBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasmsym_context_debug_bytes",
			Help: "Size of the debug sections held by the current symbolization context",
		}),
	}

	if reg != nil {
		m.initializations = registerOrGet(reg, m.initializations)
		m.initDuration = registerOrGet(reg, m.initDuration)
		m.lookups = registerOrGet(reg, m.lookups)
		m.fetchCalls = registerOrGet(reg, m.fetchCalls)
		m.fetchedBytes = registerOrGet(reg, m.fetchedBytes)
		m.contextBytes = registerOrGet(reg, m.contextBytes)
	}
	return m
}

// registerOrGet registers c, returning the already registered collector if
// an equal one exists. Several symbolizers may share one registry.
func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return already.ExistingCollector.(T)
	}
	panic(err)
}

func statusOf(err error) string {
	if err == nil {
		return statusSuccess
	}
	return KindOf(err).String()
}
