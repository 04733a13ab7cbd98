package core

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type storeMetrics struct {
	promotions     prometheus.Counter
	pages          *prometheus.CounterVec
	budgetStops    *prometheus.CounterVec
	completions    *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
}

func newStoreMetrics(reg prometheus.Registerer) (*storeMetrics, error) {
	m := &storeMetrics{
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqrag",
			Name:      "entry_promotions_total",
			Help:      "Entries promoted to ready.",
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqrag",
			Name:      "bulk_pages_total",
			Help:      "Bounded bulk steps executed, by operation.",
		}, []string{"op"}),
		budgetStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqrag",
			Name:      "budget_stops_total",
			Help:      "Bulk steps stopped early by the bandwidth budget.",
		}, []string{"op", "kind"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqrag",
			Name:      "completions_total",
			Help:      "Completion handler invocations, by result.",
		}, []string{"result"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sqrag",
			Name:      "search_duration_seconds",
			Help:      "Search latency, by mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.promotions, err = register(reg, m.promotions); err != nil {
		return nil, err
	}
	if m.pages, err = register(reg, m.pages); err != nil {
		return nil, err
	}
	if m.budgetStops, err = register(reg, m.budgetStops); err != nil {
		return nil, err
	}
	if m.completions, err = register(reg, m.completions); err != nil {
		return nil, err
	}
	if m.searchDuration, err = register(reg, m.searchDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered under the
// same descriptor so several stores can share a registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
