package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/cc-bridge/internal/computer"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/influxdb"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	Computer      computer.Status `json:"computer"`
	Store         StoreMetrics    `json:"store"`
	Sinks         SinkMetrics     `json:"sinks"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// StoreMetrics describes the update store.
type StoreMetrics struct {
	Backend string `json:"backend"`
	Entries int    `json:"entries"`
}

// SinkMetrics reports fan-out connectivity. A nil field means the sink is disabled.
type SinkMetrics struct {
	MQTT     *bool `json:"mqtt,omitempty"`
	NATS     *bool `json:"nats,omitempty"`
	InfluxDB *bool `json:"influxdb,omitempty"`

	// Telemetry counts InfluxDB points and failed writes.
	Telemetry *influxdb.Stats `json:"telemetry,omitempty"`
}

// telemetryReporter is implemented by *influxdb.Client.
type telemetryReporter interface {
	Stats() influxdb.Stats
}

const bytesPerMB = 1024 * 1024

// handleMetrics returns runtime, link, store and sink metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / bytesPerMB,
			MemoryTotalMB: float64(memStats.TotalAlloc) / bytesPerMB,
			NumGC:         memStats.NumGC,
		},
		Computer: s.bridge.Status(),
		Store:    StoreMetrics{Backend: s.storeBackend},
		Sinks: SinkMetrics{
			MQTT:     connected(s.mqtt),
			NATS:     connected(s.nats),
			InfluxDB: connected(s.influx),
		},
	}

	if t, ok := s.influx.(telemetryReporter); ok {
		stats := t.Stats()
		metrics.Sinks.Telemetry = &stats
	}

	if entries, err := s.store.List(r.Context()); err == nil {
		metrics.Store.Entries = len(entries)
	} else {
		s.logger.Warn("counting stored updates", "error", err)
	}

	writeJSON(w, http.StatusOK, metrics)
}

func connected(c Connectivity) *bool {
	if c == nil {
		return nil
	}
	v := c.IsConnected()
	return &v
}
