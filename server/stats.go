// Prometheus metrics of the server: subscriber statistics, database
// connection pool and the Go runtime.

package main

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roost-im/roost/server/logs"
	"github.com/roost-im/roost/server/store"
)

const metricsNamespace = "roost"

// statsInit registers collectors and exposes them at path.
func statsInit(mux *http.ServeMux, path string) {
	if path == "" || path == "-" {
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: metricsNamespace}),
		globals.subscriber.Collector(metricsNamespace),
	)

	if dbStats := store.Store.DbStats(); dbStats != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "db_open_connections",
			Help:      "Number of open database connections or sessions, if reported by the adapter.",
		}, func() float64 {
			return openConnections(dbStats())
		}))
	}

	mux.Handle("GET "+path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logs.Info.Printf("stats: metrics exposed at '%s'", path)
}

// openConnections extracts the number of open connections from adapter stats.
func openConnections(stats any) float64 {
	switch s := stats.(type) {
	case sql.DBStats:
		return float64(s.OpenConnections)
	case interface{ TotalConns() int32 }:
		// pgxpool.Stat
		return float64(s.TotalConns())
	case map[string]int:
		return float64(s["NumberSessionsInProgress"])
	}
	return 0
}
