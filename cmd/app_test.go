package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/4JX/daedalus/mirror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSyncer returns canned results and counts calls.
type fakeSyncer struct {
	mu     sync.Mutex
	record *mirror.RunRecord
	err    error
	calls  atomic.Int64
}

func (f *fakeSyncer) Run(ctx context.Context) (*mirror.RunRecord, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record, f.err
}

func (f *fakeSyncer) set(record *mirror.RunRecord, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record = record
	f.err = err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, syncer Syncer, cfg AppConfig) (string, *App) {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	app := NewApp(syncer, cfg)
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		_ = app.Stop(context.Background())
		_ = app.Wait()
	})
	require.NotEmpty(t, app.Address())
	return "http://" + app.Address(), app
}

func doRequest(t *testing.T, method, url string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && resp.Header.Get("Content-Type") != "" && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &body))
	}
	return resp, body
}

func TestAppHTTP(t *testing.T) {
	t.Run("endpoints", testAppEndpoints)
	t.Run("ui_content_type", testAppUIContentType)
	t.Run("sync", testAppSync)
	t.Run("runs_latest", testAppRunsLatest)
	t.Run("request_metrics", testAppRequestMetrics)
}

func TestAppBackgroundSync(t *testing.T) {
	t.Run("runs_immediately_and_on_interval", testAppBackgroundSyncLoop)
	t.Run("disabled_without_interval", testAppBackgroundSyncDisabled)
	t.Run("stop_waits_for_loop", testAppStopWaitsForLoop)
}

func testAppEndpoints(t *testing.T) {
	base, _ := newTestApp(t, &fakeSyncer{}, AppConfig{
		Prom: mirror.NewPromMetrics(),
		Runs: &mirror.BlobRunStore{Store: mirror.NewMemoryObjectStore()},
	})

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "healthz", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "ui_index", method: http.MethodGet, path: "/", status: http.StatusOK},
		{name: "metrics_app", method: http.MethodGet, path: "/metrics/app", status: http.StatusOK},
		{name: "metrics_prom", method: http.MethodGet, path: "/metrics", status: http.StatusOK},
		{name: "runs_latest_empty", method: http.MethodGet, path: "/runs/latest", status: http.StatusNotFound},
		{name: "sync_wrong_method", method: http.MethodGet, path: "/sync", status: http.StatusMethodNotAllowed},
		{name: "unknown", method: http.MethodGet, path: "/nope", status: http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := doRequest(t, tc.method, base+tc.path)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func testAppUIContentType(t *testing.T) {
	base, _ := newTestApp(t, &fakeSyncer{}, AppConfig{})

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "Daedalus mirror")
}

func testAppSync(t *testing.T) {
	tests := []struct {
		name       string
		record     *mirror.RunRecord
		err        error
		status     int
		kind       string
		retryAfter string
	}{
		{
			name:   "ok",
			record: &mirror.RunRecord{RunID: "r1", Status: mirror.RunSucceeded, Counts: mirror.RunCounts{Total: 3, Processed: 1, Skipped: 2}},
			status: http.StatusOK,
		},
		{
			name:       "lease_conflict",
			record:     &mirror.RunRecord{RunID: "r2", Status: mirror.RunFailed, FailureKind: mirror.FailureLease},
			err:        fmt.Errorf("acquire run lease: %w", mirror.ErrRunLeaseConflict),
			status:     http.StatusConflict,
			kind:       mirror.FailureLease,
			retryAfter: "60",
		},
		{
			name:   "fetch_failure",
			record: &mirror.RunRecord{RunID: "r3", Status: mirror.RunFailed, FailureKind: mirror.FailureFetch},
			err:    fmt.Errorf("%w: current manifest: boom", mirror.ErrFetch),
			status: http.StatusBadGateway,
			kind:   mirror.FailureFetch,
		},
		{
			name:   "publish_failure",
			record: &mirror.RunRecord{RunID: "r4", Status: mirror.RunPublishFailed, FailureKind: mirror.FailurePublish},
			err:    fmt.Errorf("%w: %w: denied", mirror.ErrPublish, mirror.ErrUpload),
			status: http.StatusBadGateway,
			kind:   mirror.FailurePublish,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			syncer := &fakeSyncer{}
			syncer.set(tc.record, tc.err)
			base, _ := newTestApp(t, syncer, AppConfig{})

			resp, body := doRequest(t, http.MethodPost, base+"/sync")
			require.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, int64(1), syncer.calls.Load())
			assert.Equal(t, tc.retryAfter, resp.Header.Get("Retry-After"))

			run, ok := body["run"].(map[string]any)
			require.True(t, ok, "response has no run: %v", body)
			assert.Equal(t, tc.record.RunID, run["run_id"])

			if tc.err == nil {
				assert.Equal(t, "ok", body["status"])
				return
			}
			assert.Equal(t, tc.kind, body["failure_kind"])
			assert.Equal(t, tc.err.Error(), body["error"])
		})
	}

	t.Run("no_syncer", func(t *testing.T) {
		base, _ := newTestApp(t, nil, AppConfig{})
		resp, body := doRequest(t, http.MethodPost, base+"/sync")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, mirror.FailureOther, body["failure_kind"])
	})
}

func testAppRunsLatest(t *testing.T) {
	ctx := context.Background()
	runs := &mirror.BlobRunStore{Store: mirror.NewMemoryObjectStore()}
	base, _ := newTestApp(t, &fakeSyncer{}, AppConfig{Runs: runs})

	resp, _ := doRequest(t, http.MethodGet, base+"/runs/latest")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, runs.Save(ctx, mirror.RunRecord{
		RunID:     "run-7",
		StartedAt: time.Now().UTC(),
		Status:    mirror.RunSucceeded,
		Counts:    mirror.RunCounts{Total: 10, Skipped: 10},
	}))

	resp, body := doRequest(t, http.MethodGet, base+"/runs/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "run-7", body["run_id"])
	assert.Equal(t, mirror.RunSucceeded, body["status"])

	t.Run("unconfigured", func(t *testing.T) {
		base, _ := newTestApp(t, &fakeSyncer{}, AppConfig{})
		resp, _ := doRequest(t, http.MethodGet, base+"/runs/latest")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func testAppRequestMetrics(t *testing.T) {
	inmem := mirror.NewInMemMetrics()
	syncer := &fakeSyncer{}
	syncer.set(&mirror.RunRecord{RunID: "r"}, errors.New("boom"))
	base, _ := newTestApp(t, syncer, AppConfig{Metrics: inmem})

	doRequest(t, http.MethodGet, base+"/healthz")
	doRequest(t, http.MethodPost, base+"/sync")

	// the middleware records after the response is flushed
	require.Eventually(t, func() bool {
		snap := inmem.Snapshot()
		return snap.RouteStats["GET /healthz"].Count == 1 && snap.RouteStats["POST /sync"].Count == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), inmem.Snapshot().RouteStats["POST /sync"].ErrorCount)
}

func testAppBackgroundSyncLoop(t *testing.T) {
	syncer := &fakeSyncer{}
	syncer.set(&mirror.RunRecord{}, nil)
	newTestApp(t, syncer, AppConfig{SyncInterval: 20 * time.Millisecond, SyncTimeout: time.Second})

	require.Eventually(t, func() bool {
		return syncer.calls.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func testAppBackgroundSyncDisabled(t *testing.T) {
	syncer := &fakeSyncer{}
	newTestApp(t, syncer, AppConfig{})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, syncer.calls.Load())
}

// blockingSyncer holds every run until its context is cancelled.
type blockingSyncer struct {
	started   chan struct{}
	cancelled atomic.Bool
}

func (b *blockingSyncer) Run(ctx context.Context) (*mirror.RunRecord, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	b.cancelled.Store(true)
	return &mirror.RunRecord{}, ctx.Err()
}

func testAppStopWaitsForLoop(t *testing.T) {
	syncer := &blockingSyncer{started: make(chan struct{}, 1)}
	app := NewApp(syncer, AppConfig{Address: "127.0.0.1:0", SyncInterval: time.Hour, Logger: quietLogger()})
	require.NoError(t, app.Start())

	select {
	case <-syncer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("background sync never started")
	}

	require.NoError(t, app.Stop(context.Background()))
	require.NoError(t, app.Wait())
	assert.True(t, syncer.cancelled.Load())
}
