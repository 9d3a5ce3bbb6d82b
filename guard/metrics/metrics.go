// Package metrics exports guard zone statistics as Prometheus metrics.
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(metrics.NewCollector(z, "myservice"))
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshuapare/probguard/guard"
)

// StatsSource is anything that can report guard statistics: a live zone, or
// a snapshot read from another process.
type StatsSource interface {
	Stats() guard.Stats
}

// Collector reads Stats on every scrape.
type Collector struct {
	src StatsSource

	allocations    *prometheus.Desc
	maxAllocations *prometheus.Desc
	slots          *prometheus.Desc
	metadata       *prometheus.Desc
	maxMetadata    *prometheus.Desc
	sizeInUse      *prometheus.Desc
	maxSizeInUse   *prometheus.Desc
	sampled        *prometheus.Desc
	delegated      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for src with metric names prefixed by
// namespace and the "probguard" subsystem.
func NewCollector(src StatsSource, namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "probguard", name), help, nil, nil)
	}
	return &Collector{
		src:            src,
		allocations:    desc("allocations", "Guarded blocks currently live."),
		maxAllocations: desc("allocations_max", "Cap on concurrently guarded blocks."),
		slots:          desc("slots", "Quarantine slots."),
		metadata:       desc("metadata_records", "Trace records claimed so far."),
		maxMetadata:    desc("metadata_records_max", "Trace record pool size."),
		sizeInUse:      desc("bytes_in_use", "Bytes in live guarded blocks."),
		maxSizeInUse:   desc("bytes_in_use_peak", "Peak bytes in live guarded blocks."),
		sampled:        desc("sampled_total", "Allocations served from the quarantine."),
		delegated:      desc("delegated_total", "Allocations forwarded to the wrapped zone."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.allocations, c.maxAllocations, c.slots, c.metadata, c.maxMetadata,
		c.sizeInUse, c.maxSizeInUse, c.sampled, c.delegated,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(c.allocations, float64(s.NumAllocations))
	gauge(c.maxAllocations, float64(s.MaxAllocations))
	gauge(c.slots, float64(s.NumSlots))
	gauge(c.metadata, float64(s.NumMetadata))
	gauge(c.maxMetadata, float64(s.MaxMetadata))
	gauge(c.sizeInUse, float64(s.SizeInUse))
	gauge(c.maxSizeInUse, float64(s.MaxSizeInUse))
	counter(c.sampled, float64(s.Sampled))
	counter(c.delegated, float64(s.Delegated))
}
