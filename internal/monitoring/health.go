package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-assay/internal/logger"
	"github.com/23skdu/longbow-assay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SlowProof is the duration above which a proof raises a warning.
const SlowProof = 5 * time.Minute

// HealthStatus is the /status document.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Sweep       SweepInfo       `json:"sweep"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo describes the process.
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// SweepInfo counts jobs of the current sweep.
type SweepInfo struct {
	Jobs      int `json:"jobs"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Cached    int `json:"cached"`
	Remaining int `json:"remaining"`
	// Process-lifetime proof totals from metrics.
	ProofsCompleted int64 `json:"proofs_completed"`
	ProofsFailed    int64 `json:"proofs_failed"`
}

// PerformanceInfo summarizes recent proof timings.
type PerformanceInfo struct {
	ProofsPerMinute float64   `json:"proofs_per_minute"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastProof       time.Time `json:"last_proof"`
}

// Level ranks alerts. Unresolved LevelError alerts degrade health and
// LevelCritical alerts make it critical.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Alert is raised by a failed or slow proof, or by the caller.
type Alert struct {
	Level      Level      `json:"level"`
	Component  string     `json:"component"` // sweep, proof, system
	Message    string     `json:"message"`
	Raised     time.Time  `json:"raised"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor tracks a sweep and serves its state over HTTP. It
// implements sweep.Observer.
type HealthMonitor struct {
	started time.Time
	version string
	server  *http.Server

	mu        sync.RWMutex
	alerts    []Alert
	lastProof time.Time
	recent    []jobTiming
	sweep     SweepInfo
}

type jobTiming struct {
	at     time.Time
	took   time.Duration
	failed bool
}

const (
	maxRecent = 1000
	maxAlerts = 100
)

func NewHealthMonitor(version string) *HealthMonitor {
	return &HealthMonitor{started: time.Now(), version: version}
}

// Handler routes the health, status, alert and metrics endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.serveHealth)
	mux.HandleFunc("/healthz", hm.serveHealth)
	mux.HandleFunc("/status", hm.serveStatus)
	mux.HandleFunc("/admin/alerts", hm.serveAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.serveClearAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr until Stop. It blocks.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.Info("health monitor starting", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down, waiting for in-flight requests.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// SweepStarted resets job counts for a new sweep.
func (hm *HealthMonitor) SweepStarted(jobs int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.sweep = SweepInfo{Jobs: jobs, Remaining: jobs}
}

// JobFinished records a finished job for progress and performance.
func (hm *HealthMonitor) JobFinished(job string, d time.Duration, cached bool, err error) {
	hm.mu.Lock()
	now := time.Now()
	hm.lastProof = now
	hm.sweep.Done++
	hm.sweep.Remaining = max(hm.sweep.Remaining-1, 0)
	if cached {
		hm.sweep.Cached++
	}
	if err != nil {
		hm.sweep.Failed++
	}
	hm.recent = append(hm.recent, jobTiming{at: now, took: d, failed: err != nil})
	if len(hm.recent) > maxRecent {
		hm.recent = hm.recent[len(hm.recent)-maxRecent:]
	}
	hm.mu.Unlock()

	switch {
	case err != nil:
		hm.AddAlert(LevelError, "proof", fmt.Sprintf("%s failed: %v", job, err))
	case d > SlowProof:
		hm.AddAlert(LevelWarning, "proof", fmt.Sprintf("slow proof %s: %s", job, d.Round(time.Second)))
	}
}

// AddAlert records an alert, keeping the newest hundred.
func (hm *HealthMonitor) AddAlert(level Level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{Level: level, Component: component, Message: message, Raised: time.Now()})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[len(hm.alerts)-maxAlerts:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("alert raised", "level", string(level), "component", component, "message", message)
}

// ResolveAlert marks the alert at index resolved; out of range is a no-op.
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (hm *HealthMonitor) serveHealth(w http.ResponseWriter, _ *http.Request) {
	st := hm.Status()
	code := http.StatusOK
	if st.Status != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    st.Status,
		"timestamp": st.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) serveStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) serveAlerts(w http.ResponseWriter, _ *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert{}, hm.alerts...)
	hm.mu.RUnlock()
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) serveClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = nil
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
	statusCritical = "critical"
)

// Status computes the current health. Unresolved error alerts degrade it
// and unresolved critical alerts make it critical.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := statusHealthy
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == LevelCritical {
			status = statusCritical
			break
		}
		if a.Level == LevelError {
			status = statusDegraded
		}
	}

	sweep := hm.sweep
	sweep.ProofsCompleted, sweep.ProofsFailed = metrics.ProofCounts()

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.started),
		System:      systemInfo(),
		Sweep:       sweep,
		Performance: hm.performance(),
		Alerts:      append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mb = 1 << 20
	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryMB:       int(ms.Sys / mb),
		MemoryUsedMB:   int(ms.Alloc / mb),
		MemoryUsagePct: 100 * float64(ms.Alloc) / float64(ms.Sys),
	}
}

// performance summarizes the retained job timings. Callers hold mu.
func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{LastProof: hm.lastProof}
	if len(hm.recent) == 0 {
		return info
	}

	var total time.Duration
	var failed int
	ms := make([]float64, len(hm.recent))
	for i, j := range hm.recent {
		total += j.took
		ms[i] = float64(j.took) / float64(time.Millisecond)
		if j.failed {
			failed++
		}
	}
	sort.Float64s(ms)

	n := float64(len(hm.recent))
	info.AvgLatencyMs = float64(total) / float64(time.Millisecond) / n
	info.P95LatencyMs = ms[min(int(0.95*n), len(ms)-1)]
	info.ErrorRate = float64(failed) / n
	if window := hm.lastProof.Sub(hm.recent[0].at); window > 0 {
		info.ProofsPerMinute = n / window.Minutes()
	}
	return info
}
