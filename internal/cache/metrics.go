package cache

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "esctl"

// Metrics counts gateway outcomes on a private registry. A CLI process is
// too short-lived to be scraped, so the counters are summarised into the
// debug log when a command finishes.
type Metrics struct {
	registry    *prometheus.Registry
	Lookups     *prometheus.CounterVec
	StoreErrors *prometheus.CounterVec
	Stored      prometheus.Counter
}

// NewMetrics creates and registers the cache collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Requests seen by the cache gateway, by outcome",
			},
			[]string{"outcome"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "store_errors_total",
				Help:      "Cache store failures that were swallowed, by operation",
			},
			[]string{"op"},
		),
		Stored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "stored_total",
				Help:      "Responses written to the cache",
			},
		),
	}
	m.registry.MustRegister(m.Lookups, m.StoreErrors, m.Stored)
	return m
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(o Outcome) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) stored() {
	if m == nil {
		return
	}
	m.Stored.Inc()
}

// Summary flattens the non-zero counters to "name{label=value}" -> count.
func (m *Metrics) Summary() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range metric.GetLabel() {
				name += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			if v := metric.GetCounter().GetValue(); v > 0 {
				out[name] = v
			}
		}
	}
	return out, nil
}

// SummaryKeys returns the keys of a summary in sorted order.
func SummaryKeys(summary map[string]float64) []string {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
