// Package metrics carries the server's operational counters: a set of
// cheap atomics sampled on the hot path, their Prometheus registrations,
// and the small debug HTTP surface (/metrics, /healthz, /stats) that is
// completely disjoint from the RESP port.
package metrics

import (
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerMetrics is the hot-path counter block: plain atomics bumped by
// the connection loop, mirrored into Prometheus via GaugeFunc/CounterFunc
// registrations so the scrape path never touches a lock.
type ServerMetrics struct {
	ActiveConnections atomic.Int64
	TotalConnections  atomic.Uint64
	TotalCommands     atomic.Uint64
	TotalErrors       atomic.Uint64
	BytesIn           atomic.Uint64
	BytesOut          atomic.Uint64
	ExpiredKeys       atomic.Uint64
	StartTime         time.Time

	reg *prometheus.Registry

	// Sampled gauges the server refreshes from its periodic tick.
	replicationOffset atomic.Int64
	connectedReplicas atomic.Int64
	aofSizeBytes      atomic.Int64
	keyspaceSize      atomic.Int64
}

func New() *ServerMetrics {
	m := &ServerMetrics{StartTime: time.Now(), reg: prometheus.NewRegistry()}

	factory := promauto.With(m.reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kvstore_active_connections",
		Help: "Currently open client connections.",
	}, func() float64 { return float64(m.ActiveConnections.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kvstore_connections_total",
		Help: "Client connections accepted since start.",
	}, func() float64 { return float64(m.TotalConnections.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kvstore_commands_total",
		Help: "Commands dispatched since start.",
	}, func() float64 { return float64(m.TotalCommands.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kvstore_errors_total",
		Help: "Error replies sent since start.",
	}, func() float64 { return float64(m.TotalErrors.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kvstore_net_input_bytes_total",
		Help: "Bytes read from clients.",
	}, func() float64 { return float64(m.BytesIn.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kvstore_net_output_bytes_total",
		Help: "Bytes written to clients.",
	}, func() float64 { return float64(m.BytesOut.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kvstore_expired_keys_total",
		Help: "Keys removed by lazy or active expiration.",
	}, func() float64 { return float64(m.ExpiredKeys.Load()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kvstore_replication_offset",
		Help: "Leader replication offset in bytes.",
	}, func() float64 { return float64(m.replicationOffset.Load()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kvstore_connected_replicas",
		Help: "Followers currently attached.",
	}, func() float64 { return float64(m.connectedReplicas.Load()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kvstore_aof_size_bytes",
		Help: "Append-only log size on disk.",
	}, func() float64 { return float64(m.aofSizeBytes.Load()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kvstore_keys",
		Help: "Live keys across all databases.",
	}, func() float64 { return float64(m.keyspaceSize.Load()) })

	return m
}

// SetSampled refreshes the gauges the server samples on its periodic
// tick rather than on the hot path.
func (m *ServerMetrics) SetSampled(replOffset, replicas, aofSize, keys int64) {
	m.replicationOffset.Store(replOffset)
	m.connectedReplicas.Store(replicas)
	m.aofSizeBytes.Store(aofSize)
	m.keyspaceSize.Store(keys)
}

// GetStats returns the snapshot the /stats endpoint serves.
func (m *ServerMetrics) GetStats() map[string]interface{} {
	uptime := time.Since(m.StartTime)
	totalCmds := m.TotalCommands.Load()
	totalErrors := m.TotalErrors.Load()

	var errorRate float64
	if totalCmds > 0 {
		errorRate = float64(totalErrors) / float64(totalCmds)
	}

	return map[string]interface{}{
		"active_connections": m.ActiveConnections.Load(),
		"total_connections":  m.TotalConnections.Load(),
		"total_commands":     totalCmds,
		"total_errors":       totalErrors,
		"bytes_in":           m.BytesIn.Load(),
		"bytes_out":          m.BytesOut.Load(),
		"expired_keys":       m.ExpiredKeys.Load(),
		"replication_offset": m.replicationOffset.Load(),
		"connected_replicas": m.connectedReplicas.Load(),
		"aof_size_bytes":     m.aofSizeBytes.Load(),
		"keys":               m.keyspaceSize.Load(),
		"uptime_seconds":     uptime.Seconds(),
		"commands_per_sec":   float64(totalCmds) / uptime.Seconds(),
		"error_rate":         errorRate,
	}
}

// Router builds the debug HTTP handler.
func (m *ServerMetrics) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.GetStats()); err != nil {
			log.Printf("[METRICS] stats encode error: %v", err)
		}
	}).Methods(http.MethodGet)
	return r
}

// Serve runs the debug HTTP listener until the server exits; failures
// are logged, never fatal.
func (m *ServerMetrics) Serve(addr string) {
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      m.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[METRICS] debug HTTP listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[METRICS] listen error: %v", err)
		}
	}()
}
