package mirror

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

// MirrorMetrics receives run, batch, version, upload and HTTP request events.
type MirrorMetrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	RecordRun(status, failureKind string, latencyMS int64, counts RunCounts)
	RecordBatch(size int, latencyMS int64, err error)
	RecordVersion(versionID string, latencyMS int64, err error)
	RecordUpload(kind string, bytes int, latencyMS int64, err error)
}

type RouteStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMinMS int64 `json:"latency_min_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type RunStats struct {
	Count         int64 `json:"count"`
	LatencySumMS  int64 `json:"latency_sum_ms"`
	LatencyMaxMS  int64 `json:"latency_max_ms"`
	Processed     int64 `json:"processed"`
	Skipped       int64 `json:"skipped"`
	AssetUploads  int64 `json:"asset_uploads"`
	BatchesIssued int64 `json:"batches_issued"`
}

type BatchTotals struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	Tasks        int64 `json:"tasks"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type VersionStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type UploadStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	Bytes        int64 `json:"bytes"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type RecentRun struct {
	Status      string    `json:"status"`
	FailureKind string    `json:"failure_kind,omitempty"`
	LatencyMS   int64     `json:"latency_ms"`
	Counts      RunCounts `json:"counts"`
	Timestamp   time.Time `json:"timestamp"`
}

type RuntimeStats struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	Goroutines     int    `json:"goroutines"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNS      uint64 `json:"gc_pause_ns"`
}

type MetricsSnapshot struct {
	RouteStats    map[string]RouteStats  `json:"route_stats"`
	RunStats      map[string]RunStats    `json:"run_stats"`
	UploadStats   map[string]UploadStats `json:"upload_stats"`
	Batches       BatchTotals            `json:"batches"`
	Versions      VersionStats           `json:"versions"`
	RecentRuns    []RecentRun            `json:"recent_runs"`
	Runtime       RuntimeStats           `json:"runtime"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	StartTime     time.Time              `json:"start_time"`
}

// noop implementation: used when metrics are disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(method, path string, status int, latencyMS int64) {}

func (NoopMetrics) RecordRun(status, failureKind string, latencyMS int64, counts RunCounts) {}

func (NoopMetrics) RecordBatch(size int, latencyMS int64, err error) {}

func (NoopMetrics) RecordVersion(versionID string, latencyMS int64, err error) {}

func (NoopMetrics) RecordUpload(kind string, bytes int, latencyMS int64, err error) {}

// MultiMetrics fans every event out to each member.
type MultiMetrics []MirrorMetrics

func (m MultiMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	for _, x := range m {
		x.RecordRequest(method, path, status, latencyMS)
	}
}

func (m MultiMetrics) RecordRun(status, failureKind string, latencyMS int64, counts RunCounts) {
	for _, x := range m {
		x.RecordRun(status, failureKind, latencyMS, counts)
	}
}

func (m MultiMetrics) RecordBatch(size int, latencyMS int64, err error) {
	for _, x := range m {
		x.RecordBatch(size, latencyMS, err)
	}
}

func (m MultiMetrics) RecordVersion(versionID string, latencyMS int64, err error) {
	for _, x := range m {
		x.RecordVersion(versionID, latencyMS, err)
	}
}

func (m MultiMetrics) RecordUpload(kind string, bytes int, latencyMS int64, err error) {
	for _, x := range m {
		x.RecordUpload(kind, bytes, latencyMS, err)
	}
}

const recentRunsCapacity = 50

// in-memory implementation: records metrics into local maps and a ring buffer of recent runs.
type InMemMetrics struct {
	mu sync.Mutex

	routeStats  map[string]RouteStats
	runStats    map[string]RunStats
	uploadStats map[string]UploadStats
	batches     BatchTotals
	versions    VersionStats

	recent      []RecentRun
	recentNext  int
	recentCount int

	startTime time.Time
}

func NewInMemMetrics() *InMemMetrics {
	return &InMemMetrics{
		routeStats:  make(map[string]RouteStats),
		runStats:    make(map[string]RunStats),
		uploadStats: make(map[string]UploadStats),
		recent:      make([]RecentRun, recentRunsCapacity),
		startTime:   time.Now().UTC(),
	}
}

func (m *InMemMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}

	method = strings.TrimSpace(strings.ToUpper(method))
	path = strings.TrimSpace(path)
	if method == "" {
		method = "UNKNOWN"
	}
	if path == "" {
		path = "/"
	}
	latencyMS = max(latencyMS, 0)

	key := method + " " + path

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.routeStats[key]
	v.Count++
	if status >= 400 {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if v.Count == 1 || latencyMS < v.LatencyMinMS {
		v.LatencyMinMS = latencyMS
	}
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.routeStats[key] = v
}

func (m *InMemMetrics) RecordRun(status, failureKind string, latencyMS int64, counts RunCounts) {
	if m == nil {
		return
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	latencyMS = max(latencyMS, 0)

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.runStats[status]
	v.Count++
	v.LatencySumMS += latencyMS
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	v.Processed += int64(counts.Processed)
	v.Skipped += int64(counts.Skipped)
	v.AssetUploads += int64(counts.AssetUploads)
	v.BatchesIssued += int64(counts.Batches)
	m.runStats[status] = v

	m.recent[m.recentNext] = RecentRun{
		Status:      status,
		FailureKind: failureKind,
		LatencyMS:   latencyMS,
		Counts:      counts,
		Timestamp:   time.Now().UTC(),
	}
	m.recentNext = (m.recentNext + 1) % len(m.recent)
	if m.recentCount < len(m.recent) {
		m.recentCount++
	}
}

func (m *InMemMetrics) RecordBatch(size int, latencyMS int64, err error) {
	if m == nil {
		return
	}
	latencyMS = max(latencyMS, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches.Count++
	if err != nil {
		m.batches.ErrorCount++
	}
	m.batches.Tasks += int64(max(size, 0))
	m.batches.LatencySumMS += latencyMS
	if latencyMS > m.batches.LatencyMaxMS {
		m.batches.LatencyMaxMS = latencyMS
	}
}

func (m *InMemMetrics) RecordVersion(_ string, latencyMS int64, err error) {
	if m == nil {
		return
	}
	latencyMS = max(latencyMS, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions.Count++
	if err != nil {
		m.versions.ErrorCount++
	}
	m.versions.LatencySumMS += latencyMS
	if latencyMS > m.versions.LatencyMaxMS {
		m.versions.LatencyMaxMS = latencyMS
	}
}

func (m *InMemMetrics) RecordUpload(kind string, bytes int, latencyMS int64, err error) {
	if m == nil {
		return
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	latencyMS = max(latencyMS, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.uploadStats[kind]
	v.Count++
	if err != nil {
		v.ErrorCount++
	} else {
		v.Bytes += int64(max(bytes, 0))
	}
	v.LatencySumMS += latencyMS
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.uploadStats[kind] = v
}

func (m *InMemMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	out := MetricsSnapshot{
		RouteStats:    copyMap(m.routeStats),
		RunStats:      copyMap(m.runStats),
		UploadStats:   copyMap(m.uploadStats),
		Batches:       m.batches,
		Versions:      m.versions,
		RecentRuns:    m.recentSnapshotLocked(),
		StartTime:     m.startTime,
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.Unlock()

	// ReadMemStats stops the world; keep it outside the lock.
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	out.Runtime = RuntimeStats{
		HeapAllocBytes: rt.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          rt.NumGC,
		GCPauseNS:      rt.PauseTotalNs,
	}

	return out
}

func (m *InMemMetrics) recentSnapshotLocked() []RecentRun {
	if m.recentCount == 0 {
		return []RecentRun{}
	}
	out := make([]RecentRun, 0, m.recentCount)
	start := (m.recentNext - m.recentCount + len(m.recent)) % len(m.recent)
	for i := 0; i < m.recentCount; i++ {
		out = append(out, m.recent[(start+i)%len(m.recent)])
	}
	return out
}

// copyMap returns a shallow copy of a map with string keys.
func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
