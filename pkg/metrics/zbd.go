package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WriteBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonefs_write_bytes_total",
		Help: "Total number of bytes appended to data zones",
	})

	ReadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonefs_read_bytes_total",
		Help: "Total number of bytes read through positioned reads",
	})

	WriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonefs_write_latency_seconds",
		Help:    "Histogram of zone append latency",
		Buckets: prometheus.DefBuckets,
	})

	SyncLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonefs_sync_latency_seconds",
		Help:    "Histogram of file sync latency including metadata persistence",
		Buckets: prometheus.DefBuckets,
	})

	WALAllocLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonefs_io_alloc_wal_latency_seconds",
		Help:    "Histogram of WAL-priority zone allocation latency",
		Buckets: prometheus.DefBuckets,
	})

	NonWALAllocLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonefs_io_alloc_non_wal_latency_seconds",
		Help:    "Histogram of background zone allocation latency",
		Buckets: prometheus.DefBuckets,
	})

	MetaAllocTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonefs_meta_alloc_total",
		Help: "Total number of op-log and snapshot zone allocations",
	})

	ActiveZones = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonefs_active_zones",
		Help: "Data zones currently counted against the device active-zone budget",
	})

	OpenZones = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonefs_open_zones",
		Help: "Data zones currently open for write",
	})

	FreeSpace = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonefs_free_space_bytes",
		Help: "Remaining writable capacity across data zones",
	})

	UsedSpace = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonefs_used_space_bytes",
		Help: "Live bytes referenced by file extents",
	})

	ReclaimableSpace = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonefs_reclaimable_space_bytes",
		Help: "Dead bytes in full zones that garbage collection can reclaim",
	})

	BgFinishTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonefs_bg_finish_total",
		Help: "Total number of background zone finishes",
	})

	BgResetTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonefs_bg_reset_total",
		Help: "Total number of background zone resets",
	})

	GCRelocatedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonefs_gc_relocated_bytes_total",
		Help: "Total number of live bytes relocated by garbage collection",
	})

	GCPassTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonefs_gc_pass_total",
		Help: "Total number of completed garbage collection passes",
	})
)
