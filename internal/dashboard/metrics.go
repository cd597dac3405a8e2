package dashboard

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics observes the summary cache.
type Metrics struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	bumps    prometheus.Counter
	duration prometheus.Histogram
}

// NewMetrics registers the cache collectors. Collectors already registered
// by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floorops_dashboard_cache_hits_total",
			Help: "Number of floor summaries served from cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floorops_dashboard_cache_miss_total",
			Help: "Number of floor summaries built on a cache miss.",
		}),
		bumps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floorops_dashboard_cache_bumps_total",
			Help: "Number of cache invalidations triggered by floor events.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "floorops_dashboard_build_duration_seconds",
			Help:    "Duration required to build a floor summary.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	for _, c := range []*prometheus.Counter{&m.hits, &m.misses, &m.bumps} {
		if err := reg.Register(*c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
			existing, ok := already.ExistingCollector.(prometheus.Counter)
			if !ok {
				return nil, err
			}
			*c = existing
		}
	}
	if err := reg.Register(m.duration); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(prometheus.Histogram)
		if !ok {
			return nil, err
		}
		m.duration = existing
	}
	return m, nil
}

func (m *Metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *Metrics) bump() {
	if m != nil {
		m.bumps.Inc()
	}
}

func (m *Metrics) observeBuild(d time.Duration) {
	if m != nil {
		m.duration.Observe(d.Seconds())
	}
}
