package stats

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrooms"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	RegisterCounter(name string)
}

type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

// NewStatsUpdater creates a stats updater and mounts its Prometheus handler
// on mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	su := &StatsUpdater{
		registry: reg,
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return su
}

// RegisterMetric creates the named gauge. Registering a name twice is a
// no-op.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if su.registered(name) {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      name,
	})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

// RegisterCounter creates the named counter, exported with a _total
// suffix. Counters only go up, so Decr ignores them.
func (su *StatsUpdater) RegisterCounter(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if su.registered(name) {
		return
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name + "_total",
		Help:      name,
	})
	su.registry.MustRegister(c)
	su.counters[name] = c
}

func (su *StatsUpdater) registered(name string) bool {
	_, isGauge := su.gauges[name]
	_, isCounter := su.counters[name]
	return isGauge || isCounter
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.RLock()
	defer su.mu.RUnlock()
	return su.gauges[name]
}

func (su *StatsUpdater) counter(name string) prometheus.Counter {
	su.mu.RLock()
	defer su.mu.RUnlock()
	return su.counters[name]
}

func (su *StatsUpdater) Incr(name string) {
	if g := su.gauge(name); g != nil {
		g.Inc()
		return
	}
	if c := su.counter(name); c != nil {
		c.Inc()
	}
}

func (su *StatsUpdater) Decr(name string) {
	if g := su.gauge(name); g != nil {
		g.Dec()
	}
}
