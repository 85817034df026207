// Package metrics exposes allocator bookkeeping as Prometheus metrics.
// Allocators are polled at scrape time through their Stats snapshot, so
// registering a Collector adds no cost to the allocation hot path.
package metrics

import (
	"strconv"

	"github.com/gpurt/devmem"
	"github.com/prometheus/client_golang/prometheus"
)

// Source is an allocator that can report its identity and a statistics
// snapshot. The PoolAllocator and ExternalAllocator both qualify.
type Source interface {
	Info() devmem.Identity
	Stats() devmem.Statistics
}

var (
	allocationsDesc = prometheus.NewDesc(
		"devmem_allocations",
		"Addresses currently handed out by an allocator.",
		[]string{"device", "kind"}, nil,
	)
	allocationBytesDesc = prometheus.NewDesc(
		"devmem_allocation_bytes",
		"Bytes currently handed out by an allocator.",
		[]string{"device", "kind"}, nil,
	)
	freeListBlocksDesc = prometheus.NewDesc(
		"devmem_free_list_blocks",
		"Addresses resident in an allocator's free-lists.",
		[]string{"device", "kind"}, nil,
	)
	freeListBytesDesc = prometheus.NewDesc(
		"devmem_free_list_bytes",
		"Bytes resident in an allocator's free-lists.",
		[]string{"device", "kind"}, nil,
	)
	reservedBlocksDesc = prometheus.NewDesc(
		"devmem_reserved_blocks",
		"Live reserved addresses exempt from recycling.",
		[]string{"device", "kind"}, nil,
	)
	reservedBytesDesc = prometheus.NewDesc(
		"devmem_reserved_bytes",
		"Bytes held by live reserved addresses.",
		[]string{"device", "kind"}, nil,
	)
	underlyingAllocsDesc = prometheus.NewDesc(
		"devmem_underlying_allocs_total",
		"Cumulative allocations requested from the underlying device, host, or external allocator.",
		[]string{"device", "kind"}, nil,
	)
	cacheHitsDesc = prometheus.NewDesc(
		"devmem_cache_hits_total",
		"Cumulative requests served from a free-list without touching the underlying allocator.",
		[]string{"device", "kind"}, nil,
	)
)

// Collector implements prometheus.Collector over a fixed set of allocator
// sources.
type Collector struct {
	sources []Source
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector polling the given allocators.
func NewCollector(sources ...Source) *Collector {
	return &Collector{sources: sources}
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- allocationsDesc
	ch <- allocationBytesDesc
	ch <- freeListBlocksDesc
	ch <- freeListBytesDesc
	ch <- reservedBlocksDesc
	ch <- reservedBytesDesc
	ch <- underlyingAllocsDesc
	ch <- cacheHitsDesc
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, source := range c.sources {
		info := source.Info()
		stats := source.Stats()

		device := strconv.Itoa(info.DeviceID)
		kind := info.Kind.String()

		ch <- prometheus.MustNewConstMetric(allocationsDesc, prometheus.GaugeValue,
			float64(stats.AllocationCount), device, kind)
		ch <- prometheus.MustNewConstMetric(allocationBytesDesc, prometheus.GaugeValue,
			float64(stats.AllocationBytes), device, kind)
		ch <- prometheus.MustNewConstMetric(freeListBlocksDesc, prometheus.GaugeValue,
			float64(stats.FreeListCount), device, kind)
		ch <- prometheus.MustNewConstMetric(freeListBytesDesc, prometheus.GaugeValue,
			float64(stats.FreeListBytes), device, kind)
		ch <- prometheus.MustNewConstMetric(reservedBlocksDesc, prometheus.GaugeValue,
			float64(stats.ReservedCount), device, kind)
		ch <- prometheus.MustNewConstMetric(reservedBytesDesc, prometheus.GaugeValue,
			float64(stats.ReservedBytes), device, kind)
		ch <- prometheus.MustNewConstMetric(underlyingAllocsDesc, prometheus.CounterValue,
			float64(stats.DeviceAllocCount), device, kind)
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue,
			float64(stats.CacheHitCount), device, kind)
	}
}
