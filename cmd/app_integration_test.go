package cmd

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/4JX/daedalus/mirror"
	"github.com/4JX/daedalus/mirror/testutil"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const integrationBaseURL = "https://meta.example.test"

// upstreamServer serves a tiny version catalog: two versions sharing one
// asset index.
type upstreamServer struct {
	server *httptest.Server

	mu    sync.Mutex
	files map[string][]byte
}

func newUpstreamServer(t *testing.T) *upstreamServer {
	t.Helper()
	u := &upstreamServer{files: make(map[string][]byte)}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		body, ok := u.files[r.URL.Path]
		u.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstreamServer) put(path string, body []byte) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.files[path] = body
	return u.server.URL + path
}

func hexSHA1(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// seed publishes versions ids, all on asset index "17", and returns the
// upstream manifest URL.
func (u *upstreamServer) seed(t *testing.T, rev int, ids ...string) string {
	t.Helper()
	assets := []byte(`{"objects":{}}`)
	assetURL := u.put("/assets/17.json", assets)

	var versions []map[string]any
	for _, id := range ids {
		detail, err := json.Marshal(map[string]any{
			"id":       id,
			"revision": rev,
			"assetIndex": map[string]any{
				"id":   "17",
				"sha1": hexSHA1(assets),
				"url":  assetURL,
			},
		})
		require.NoError(t, err)
		url := u.put(fmt.Sprintf("/versions/%s-%d.json", id, rev), detail)
		versions = append(versions, map[string]any{"id": id, "url": url, "sha1": hexSHA1(detail), "type": "release"})
	}

	manifest, err := json.Marshal(map[string]any{
		"latest":   map[string]string{"release": ids[0], "snapshot": ids[0]},
		"versions": versions,
	})
	require.NoError(t, err)
	return u.put("/manifest.json", manifest)
}

type integrationEnv struct {
	base   string
	s3     *testutil.MockS3
	store  *mirror.S3ObjectStore
	redis  *miniredis.Miniredis
	leases *mirror.RedisRunLeaseManager
	layout mirror.Layout
}

func setupIntegration(t *testing.T, manifestURL string) *integrationEnv {
	t.Helper()
	ctx := context.Background()

	s3Mock, err := testutil.StartMockS3(ctx, "daedalus-integration")
	require.NoError(t, err)
	t.Cleanup(s3Mock.Close)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	leases, err := mirror.NewRedisRunLeaseManager(redisClient, "test:lease:")
	require.NoError(t, err)

	layout := mirror.Layout{Prefix: mirror.DefaultPrefix}
	store := mirror.NewS3ObjectStore(s3Mock.Client, s3Mock.Bucket, "")
	runs := &mirror.BlobRunStore{Store: store, Layout: layout}
	inmem := mirror.NewInMemMetrics()
	prom := mirror.NewPromMetrics()

	m := mirror.NewMirror(store, mirror.BaseURL(integrationBaseURL),
		mirror.WithLogger(quietLogger()),
		mirror.WithLayout(layout),
		mirror.WithUpstreamManifestURL(manifestURL),
		mirror.WithPreviousSource(&mirror.StorePreviousSource{Store: store, Key: layout.ManifestPath()}),
		mirror.WithChunking(1, 0),
		mirror.WithRunLeaseManager(leases, 3*time.Second),
		mirror.WithRunStore(runs),
		mirror.WithMetrics(mirror.MultiMetrics{inmem, prom}),
	)

	base, _ := newTestApp(t, m, AppConfig{Metrics: inmem, Prom: prom, Runs: runs})
	return &integrationEnv{base: base, s3: s3Mock, store: store, redis: mr, leases: leases, layout: layout}
}

func TestAppMirrorS3Redis(t *testing.T) {
	ctx := context.Background()
	up := newUpstreamServer(t)
	manifestURL := up.seed(t, 1, "1.21", "1.20")
	env := setupIntegration(t, manifestURL)

	resp, body := doRequest(t, http.MethodPost, env.base+"/sync")
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	run := body["run"].(map[string]any)
	counts := run["counts"].(map[string]any)
	assert.Equal(t, float64(2), counts["processed"])
	assert.Equal(t, float64(1), counts["asset_uploads"])
	assert.Equal(t, float64(2), counts["batches"])

	keys, err := env.s3.Keys(ctx)
	require.NoError(t, err)
	for _, key := range []string{
		env.layout.ManifestPath(),
		env.layout.VersionPath("1.21"),
		env.layout.VersionPath("1.20"),
		env.layout.AssetIndexPath("17"),
	} {
		assert.Contains(t, keys, key)
	}

	data, contentType, err := env.s3.Object(ctx, env.layout.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, mirror.ContentTypeJSON, contentType)
	assert.Equal(t, integrationBaseURL+"/minecraft/v0/versions/1.21.json", gjson.GetBytes(data, "versions.0.url").String())
	assert.Equal(t, integrationBaseURL+"/minecraft/v0/assets/17.json", gjson.GetBytes(data, "versions.1.assetsIndexUrl").String())

	detail, _, err := env.s3.Object(ctx, env.layout.VersionPath("1.20"))
	require.NoError(t, err)
	assert.Equal(t, integrationBaseURL+"/minecraft/v0/assets/17.json", gjson.GetBytes(detail, "assetIndex.url").String())

	// the lease is released once the run is over
	assert.False(t, env.redis.Exists("test:lease:"+mirror.DefaultPrefix))

	t.Run("second_run_skips_everything", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodPost, env.base+"/sync")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		counts := body["run"].(map[string]any)["counts"].(map[string]any)
		assert.Equal(t, float64(2), counts["skipped"])
		assert.Equal(t, float64(0), counts["processed"])

		again, _, err := env.s3.Object(ctx, env.layout.ManifestPath())
		require.NoError(t, err)
		assert.JSONEq(t, string(data), string(again))
	})

	t.Run("latest_run_recorded", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodGet, env.base+"/runs/latest")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, mirror.RunSucceeded, body["status"])
		assert.Equal(t, true, body["used_previous"])
	})

	t.Run("held_lease_conflicts", func(t *testing.T) {
		lease, err := env.leases.Acquire(ctx, mirror.DefaultPrefix, time.Minute)
		require.NoError(t, err)
		defer func() { _ = env.leases.Release(ctx, lease) }()

		resp, body := doRequest(t, http.MethodPost, env.base+"/sync")
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "60", resp.Header.Get("Retry-After"))
		assert.Equal(t, mirror.FailureLease, body["failure_kind"])
	})

	t.Run("metrics", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodGet, env.base+"/metrics/app")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		runStats := body["run_stats"].(map[string]any)
		succeeded := runStats[mirror.RunSucceeded].(map[string]any)
		assert.Equal(t, float64(2), succeeded["count"])
	})
}

func TestAppMirrorUpstreamDown(t *testing.T) {
	up := newUpstreamServer(t)
	env := setupIntegration(t, up.server.URL+"/missing.json")

	resp, body := doRequest(t, http.MethodPost, env.base+"/sync")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, mirror.FailureFetch, body["failure_kind"])

	keys, err := env.s3.Keys(context.Background())
	require.NoError(t, err)
	for _, key := range keys {
		assert.NotEqual(t, env.layout.ManifestPath(), key)
	}
}
