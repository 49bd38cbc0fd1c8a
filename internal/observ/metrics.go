package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += value
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// RecordDuration records a duration as a millisecond histogram sample
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Basic text/JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus summarizes feed health for the /health endpoint
type HealthStatus struct {
	Status    string        `json:"status"` // "healthy", "degraded", "failed"
	Timestamp string        `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics holds the key feed-level indicators
type HealthMetrics struct {
	ConnectionState float64 `json:"connection_state"` // 0 closed, 1 connecting, 2 open
	FramesReceived  int64   `json:"frames_received"`
	FramesDropped   int64   `json:"frames_dropped"`
	Reconnects      int64   `json:"reconnects"`
	SourceSwitches  int64   `json:"source_switches"`
	StageLatencyP95 int64   `json:"stage_latency_p95_ms"`
	StageErrors     int64   `json:"stage_errors"`
	CallbackPanics  int64   `json:"callback_panics"`
}

var startTime = time.Now()

// HealthHandler reports health derived from the metrics registry.
// Degraded when the feed is running on the poll fallback, failed when
// the connection is down and frames have stopped.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		m := HealthMetrics{
			ConnectionState: gaugeValue("feed_connection_state"),
			FramesReceived:  counterTotal("feed_frames_total"),
			FramesDropped:   counterTotal("feed_frames_dropped_total"),
			Reconnects:      counterTotal("feed_reconnects_total"),
			SourceSwitches:  counterTotal("snapshot_source_switches_total"),
			StageLatencyP95: histP95("pipeline_stage_latency_ms"),
			StageErrors:     counterTotal("pipeline_stage_errors_total"),
			CallbackPanics:  counterTotal("bus_callback_panics_total"),
		}

		status := "healthy"
		if m.ConnectionState < 2 {
			status = "degraded"
		}
		if m.ConnectionState == 0 && gaugeValue("snapshot_poll_active") == 0 && m.FramesReceived > 0 {
			status = "failed"
		}

		code := http.StatusOK
		switch status {
		case "degraded":
			code = http.StatusPartialContent
		case "failed":
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Metrics:   m,
		})
	})
}

// Simple health handler for readiness probes
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// registry helpers; callers hold reg.mu

func counterTotal(name string) int64 {
	var total int64
	for _, v := range reg.counters[name] {
		total += v
	}
	return total
}

func gaugeValue(name string) float64 {
	for _, v := range reg.gauges[name] {
		return v
	}
	return 0
}

func histP95(name string) int64 {
	for _, samples := range reg.hist[name] {
		if len(samples) == 0 {
			continue
		}
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		i := int(float64(len(sorted)) * 0.95)
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return int64(sorted[i])
	}
	return 0
}
