package mirror

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testBaseURL      = "https://mirror.test"
	testManifestPath = "/mc/game/version_manifest_v2.json"
)

// fakeUpstream serves a manifest, version details and asset indexes over
// HTTP and counts every request by path.
type fakeUpstream struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	failures map[string]int
	hits     map[string]int
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		t:        t,
		files:    make(map[string][]byte),
		failures: make(map[string]int),
		hits:     make(map[string]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	status, failing := f.failures[r.URL.Path]
	body, ok := f.files[r.URL.Path]
	f.mu.Unlock()

	if failing {
		http.Error(w, "injected failure", status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (f *fakeUpstream) url(path string) string {
	return f.server.URL + path
}

func (f *fakeUpstream) manifestURL() string {
	return f.url(testManifestPath)
}

// putAssetIndex serves an asset index and returns its reference.
func (f *fakeUpstream) putAssetIndex(id, content string) AssetIndexRef {
	f.t.Helper()
	body := []byte(fmt.Sprintf(`{"objects":{"%s":{"hash":"%s","size":%d}}}`, id, sha1Hex([]byte(content)), len(content)))
	path := "/v1/packages/" + sha1Hex(body) + "/" + id + ".json"

	f.mu.Lock()
	f.files[path] = body
	f.mu.Unlock()

	return AssetIndexRef{ID: id, SHA1: sha1Hex(body), URL: f.url(path), Size: int64(len(body)), TotalSize: int64(len(content))}
}

// putVersion serves a version detail referencing asset and returns the
// manifest entry for it. rev changes the document, and so its sha1, without
// touching the asset index.
func (f *fakeUpstream) putVersion(id string, asset AssetIndexRef, rev int) VersionEntry {
	f.t.Helper()
	detail := map[string]any{
		"id":        id,
		"type":      "release",
		"mainClass": "net.minecraft.client.main.Main",
		"assets":    asset.ID,
		"assetIndex": map[string]any{
			"id":        asset.ID,
			"sha1":      asset.SHA1,
			"size":      asset.Size,
			"totalSize": asset.TotalSize,
			"url":       asset.URL,
		},
		"downloads": map[string]any{
			"client": map[string]any{"sha1": "c0ffee", "size": 1024, "url": "https://example.invalid/client.jar"},
		},
		"revision": rev,
	}
	body, err := json.Marshal(detail)
	require.NoError(f.t, err)

	path := fmt.Sprintf("/v1/packages/%s/%s.json", sha1Hex(body), id)
	f.mu.Lock()
	f.files[path] = body
	f.mu.Unlock()

	return VersionEntry{
		ID:              id,
		Type:            "release",
		URL:             f.url(path),
		Time:            "2024-01-01T00:00:00+00:00",
		ReleaseTime:     "2024-01-01T00:00:00+00:00",
		SHA1:            sha1Hex(body),
		ComplianceLevel: 1,
	}
}

// setManifest serves entries as the current upstream manifest.
func (f *fakeUpstream) setManifest(entries ...VersionEntry) {
	f.t.Helper()
	m := Manifest{Versions: entries}
	if len(entries) > 0 {
		m.Latest = LatestVersions{Release: entries[0].ID, Snapshot: entries[0].ID}
	}
	body, err := json.Marshal(m)
	require.NoError(f.t, err)

	f.mu.Lock()
	f.files[testManifestPath] = body
	f.mu.Unlock()
}

func (f *fakeUpstream) fail(rawURL string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[strings.TrimPrefix(rawURL, f.server.URL)] = status
}

func (f *fakeUpstream) hitCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[strings.TrimPrefix(rawURL, f.server.URL)]
}

func (f *fakeUpstream) totalHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.hits {
		total += n
	}
	return total
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestMirror wires a mirror against upstream and store with the previous
// manifest read back from the store and no cooldown.
func newTestMirror(upstream *fakeUpstream, store ObjectStore, opts ...MirrorOption) *Mirror {
	layout := Layout{Prefix: DefaultPrefix}
	base := []MirrorOption{
		WithUpstreamManifestURL(upstream.manifestURL()),
		WithLayout(layout),
		WithPreviousSource(&StorePreviousSource{Store: store, Key: layout.ManifestPath()}),
		WithChunking(DefaultChunkSize, 0),
		WithLogger(discardLogger()),
	}
	return NewMirror(store, BaseURL(testBaseURL), append(base, opts...)...)
}

// failingStore wraps a MemoryObjectStore and fails Put for selected keys.
type failingStore struct {
	*MemoryObjectStore

	mu       sync.Mutex
	failKeys map[string]error
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryObjectStore: NewMemoryObjectStore(), failKeys: make(map[string]error)}
}

func (s *failingStore) failOn(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKeys[key] = err
}

func (s *failingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	err, ok := s.failKeys[key]
	s.mu.Unlock()
	if ok {
		return err
	}
	return s.MemoryObjectStore.Put(ctx, key, data, contentType)
}

func readManifest(t *testing.T, store ObjectStore) *Manifest {
	t.Helper()
	data, err := store.Get(context.Background(), Layout{}.ManifestPath())
	require.NoError(t, err)
	m, err := ParseManifest(data)
	require.NoError(t, err)
	return m
}
