package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zonefs-org/go-zonefs/util"
)

func init() {
	prometheus.MustRegister(WriteBytes, ReadBytes, WriteLatency, SyncLatency)
	prometheus.MustRegister(WALAllocLatency, NonWALAllocLatency, MetaAllocTotal)
	prometheus.MustRegister(ActiveZones, OpenZones, FreeSpace, UsedSpace, ReclaimableSpace)
	prometheus.MustRegister(BgFinishTotal, BgResetTotal, GCRelocatedBytes, GCPassTotal)
}

func StartMetricsServer(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		util.Info("Prometheus exporter listening on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			util.Error("Failed to start metrics server: %v", err)
		}
	}()
}
