package mirror

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestVersionProcessor(t *testing.T) {
	t.Run("skips_unchanged", testProcessorSkipsUnchanged)
	t.Run("mirrors_and_patches", testProcessorMirrorsAndPatches)
	t.Run("shared_asset_index_uploaded_once", testProcessorSharedAssetIndex)
	t.Run("unchanged_asset_index_not_uploaded", testProcessorPriorAssetIndex)
	t.Run("detail_fetch_failure", testProcessorDetailFetchFailure)
	t.Run("upload_failure", testProcessorUploadFailure)
}

type processorFixture struct {
	up     *fakeUpstream
	store  *failingStore
	shared *SharedManifest
	proc   *VersionProcessor
}

func newProcessorFixture(t *testing.T, current *Manifest, prev *Manifest, up *fakeUpstream) *processorFixture {
	t.Helper()
	store := newFailingStore()
	prevIndex := NewPreviousIndex(prev)
	shared := NewSharedManifest(current)
	return &processorFixture{
		up:     up,
		store:  store,
		shared: shared,
		proc: &VersionProcessor{
			Upstream: NewHTTPUpstream(nil),
			Store:    store,
			URLs:     BaseURL(testBaseURL),
			Layout:   Layout{},
			Previous: prevIndex,
			Shared:   shared,
			Assets:   NewAssetDeduplicator(prevIndex.AssetIndexHashes()),
			Logger:   discardLogger(),
		},
	}
}

func testProcessorSkipsUnchanged(t *testing.T) {
	up := newFakeUpstream(t)
	idx := up.putAssetIndex("1.20", "x")
	a := up.putVersion("A", idx, 1)
	current := &Manifest{Versions: []VersionEntry{a}}
	f := newProcessorFixture(t, current, current, up)

	out, err := f.proc.Process(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Zero(t, up.totalHits())
	assert.Zero(t, f.store.TotalPuts(""))
}

func testProcessorMirrorsAndPatches(t *testing.T) {
	ctx := context.Background()
	up := newFakeUpstream(t)
	idx := up.putAssetIndex("1.20", "x")
	a := up.putVersion("A", idx, 1)
	f := newProcessorFixture(t, &Manifest{Versions: []VersionEntry{a}}, nil, up)

	out, err := f.proc.Process(ctx, a)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, "1.20", out.AssetIndexID)
	assert.True(t, out.AssetIndexUploaded)

	entry, ok := f.shared.Get("A")
	require.True(t, ok)
	assert.Equal(t, testBaseURL+"/minecraft/v0/versions/A.json", entry.URL)
	assert.Equal(t, idx.SHA1, entry.AssetIndexSHA1)
	assert.Equal(t, testBaseURL+"/minecraft/v0/assets/1.20.json", entry.AssetIndexURL)
	assert.Equal(t, a.SHA1, entry.SHA1)

	detail, err := f.store.Get(ctx, Layout{}.VersionPath("A"))
	require.NoError(t, err)
	assert.Equal(t, entry.AssetIndexURL, gjson.GetBytes(detail, "assetIndex.url").String())

	asset, err := f.store.Get(ctx, Layout{}.AssetIndexPath("1.20"))
	require.NoError(t, err)
	assert.Equal(t, idx.SHA1, sha1Hex(asset))
}

func testProcessorSharedAssetIndex(t *testing.T) {
	up := newFakeUpstream(t)
	idx := up.putAssetIndex("1.20", "x")
	entries := []VersionEntry{
		up.putVersion("A", idx, 1),
		up.putVersion("B", idx, 1),
		up.putVersion("C", idx, 1),
		up.putVersion("D", idx, 1),
	}
	f := newProcessorFixture(t, &Manifest{Versions: entries}, nil, up)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		uploads int
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e VersionEntry) {
			defer wg.Done()
			out, err := f.proc.Process(context.Background(), e)
			assert.NoError(t, err)
			if out.AssetIndexUploaded {
				mu.Lock()
				uploads++
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	assert.Equal(t, 1, uploads)
	assert.Equal(t, 1, f.store.PutCount(Layout{}.AssetIndexPath("1.20")))
	assert.Equal(t, 1, up.hitCount(idx.URL))
}

func testProcessorPriorAssetIndex(t *testing.T) {
	up := newFakeUpstream(t)
	idx := up.putAssetIndex("1.20", "x")
	a1 := up.putVersion("A", idx, 1)
	a2 := up.putVersion("A", idx, 2)
	prev := &Manifest{Versions: []VersionEntry{{
		ID:             "A",
		SHA1:           a1.SHA1,
		URL:            testBaseURL + "/minecraft/v0/versions/A.json",
		AssetIndexSHA1: idx.SHA1,
		AssetIndexURL:  testBaseURL + "/minecraft/v0/assets/1.20.json",
	}}}
	f := newProcessorFixture(t, &Manifest{Versions: []VersionEntry{a2}}, prev, up)

	out, err := f.proc.Process(context.Background(), a2)
	require.NoError(t, err)
	assert.False(t, out.AssetIndexUploaded)
	assert.Equal(t, 1, f.store.PutCount(Layout{}.VersionPath("A")))
	assert.Zero(t, f.store.PutCount(Layout{}.AssetIndexPath("1.20")))
	assert.Zero(t, up.hitCount(idx.URL))
}

func testProcessorDetailFetchFailure(t *testing.T) {
	up := newFakeUpstream(t)
	idx := up.putAssetIndex("1.20", "x")
	a := up.putVersion("A", idx, 1)
	up.fail(a.URL, http.StatusServiceUnavailable)
	f := newProcessorFixture(t, &Manifest{Versions: []VersionEntry{a}}, nil, up)

	_, err := f.proc.Process(context.Background(), a)
	require.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, FailureFetch, FailureKind(err))
	assert.Zero(t, f.store.TotalPuts(""))

	entry, _ := f.shared.Get("A")
	assert.Equal(t, a.URL, entry.URL)
}

func testProcessorUploadFailure(t *testing.T) {
	up := newFakeUpstream(t)
	idx := up.putAssetIndex("1.20", "x")
	a := up.putVersion("A", idx, 1)
	f := newProcessorFixture(t, &Manifest{Versions: []VersionEntry{a}}, nil, up)
	diskFull := errors.New("disk full")
	f.store.failOn(Layout{}.VersionPath("A"), diskFull)

	_, err := f.proc.Process(context.Background(), a)
	require.ErrorIs(t, err, ErrUpload)
	require.ErrorIs(t, err, diskFull)
	assert.Equal(t, FailureUpload, FailureKind(err))
}
