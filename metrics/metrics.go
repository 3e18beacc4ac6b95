package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "alpaca"
var subsystem = "queuestore"

var (
	// StartupTime stores how long the startup took (in seconds)
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the startup",
		},
	)

	// DiskUsageBytes stores the disk space used by the root directory
	DiskUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "disk_usage_bytes",
		Help:      "Disk space actually used by the files under the root directory",
	})

	// JournalDataFiles stores the number of journal files holding data
	JournalDataFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "journal_data_files",
		Help:      "Number of journal files holding data, including the current file",
	})

	// JournalFreeFiles stores the number of pooled journal files ready for reuse
	JournalFreeFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "journal_free_files",
		Help:      "Number of pooled journal files ready for reuse",
	})

	JournalReclaimedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "journal_reclaimed_files_total",
		Help:      "Number of journal files reclaimed since the start",
	})

	// AddressSizeBytes stores the estimated memory held by the messages of an address
	AddressSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "address_size_bytes",
		Help:      "Estimated memory held by the resident messages of an address",
	}, []string{"address"})

	// GlobalSizeBytes stores the estimated memory held by the messages of all addresses
	GlobalSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "global_size_bytes",
		Help:      "Estimated memory held by the resident messages of all addresses",
	})

	PagedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "paged_messages_total",
		Help:      "Number of messages written to page files partitioned by address",
	}, []string{"address"})

	DepagedPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "depaged_pages_total",
		Help:      "Number of pages moved back into memory partitioned by address",
	}, []string{"address"})

	DroppedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dropped_messages_total",
		Help:      "Number of messages dropped by full addresses partitioned by address",
	}, []string{"address"})
)
