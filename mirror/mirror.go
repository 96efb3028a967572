// mirror.go drives one incremental mirror run.
//
// Run lifecycle:
//
//  1. Lease: take the run lease for the layout prefix. A conflict aborts
//     before any network traffic.
//  2. Fetch: the current upstream manifest (fatal) and the previously
//     published manifest (best effort; absent and unreadable look the same).
//  3. Diff: select entries whose sha1 changed or that are new. Unchanged
//     entries keep the mirrored fields they were published with.
//  4. Process: ChunkedScheduler runs one VersionProcessor task per selected
//     entry. All tasks share one SharedManifest and one AssetDeduplicator
//     created for this run only.
//  5. Publish: the patched manifest replaces the published one.
//  6. Record: metrics and an optional RunRecord. Recording failures are
//     logged and never change the run result.
//
// A run either completes every step or returns the first error. Errors
// wrapping ErrPublish mean step 4 succeeded and only the index is stale.

package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const runRecordTimeout = 10 * time.Second

// Mirror mirrors an upstream version manifest into an ObjectStore.
type Mirror struct {
	Store               ObjectStore
	Upstream            Upstream
	URLs                URLBuilder
	Layout              Layout
	UpstreamManifestURL string
	Previous            PreviousSource
	ChunkSize           int
	Throttle            Throttle
	LeaseManager        RunLeaseManager
	LeaseTTL            time.Duration
	RunStore            RunStore
	Metrics             MirrorMetrics
	Logger              *slog.Logger
}

// MirrorOption configures Mirror instances.
type MirrorOption func(*Mirror)

// WithUpstream sets the metadata source.
func WithUpstream(upstream Upstream) MirrorOption {
	return func(m *Mirror) {
		if upstream != nil {
			m.Upstream = upstream
		}
	}
}

// WithUpstreamManifestURL overrides the upstream manifest location.
func WithUpstreamManifestURL(url string) MirrorOption {
	return func(m *Mirror) {
		m.UpstreamManifestURL = url
	}
}

// WithLayout sets the storage prefix.
func WithLayout(layout Layout) MirrorOption {
	return func(m *Mirror) {
		m.Layout = layout
	}
}

// WithPreviousSource overrides where the previous manifest is read from.
// The default reads it over HTTP from its public URL.
func WithPreviousSource(src PreviousSource) MirrorOption {
	return func(m *Mirror) {
		m.Previous = src
	}
}

// WithChunking sets the batch size and the fixed cooldown between batches.
func WithChunking(chunkSize int, cooldown time.Duration) MirrorOption {
	return func(m *Mirror) {
		m.ChunkSize = chunkSize
		m.Throttle = FixedCooldown{Delay: cooldown}
	}
}

// WithThrottle replaces the inter-batch throttle.
func WithThrottle(t Throttle) MirrorOption {
	return func(m *Mirror) {
		m.Throttle = t
	}
}

// WithRunLeaseManager sets the lease manager used to serialise runs.
func WithRunLeaseManager(mgr RunLeaseManager, ttl time.Duration) MirrorOption {
	return func(m *Mirror) {
		if mgr != nil {
			m.LeaseManager = mgr
		}
		if ttl > 0 {
			m.LeaseTTL = ttl
		}
	}
}

// WithRunStore records every run outcome.
func WithRunStore(store RunStore) MirrorOption {
	return func(m *Mirror) {
		m.RunStore = store
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics MirrorMetrics) MirrorOption {
	return func(m *Mirror) {
		if metrics != nil {
			m.Metrics = metrics
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MirrorOption {
	return func(m *Mirror) {
		if logger != nil {
			m.Logger = logger
		}
	}
}

// NewMirror creates a Mirror writing to store, publishing URLs built by urls.
func NewMirror(store ObjectStore, urls URLBuilder, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		Store:        store,
		URLs:         urls,
		Upstream:     NewHTTPUpstream(nil),
		Layout:       Layout{Prefix: DefaultPrefix},
		ChunkSize:    DefaultChunkSize,
		Throttle:     FixedCooldown{Delay: DefaultChunkCooldown},
		LeaseManager: NewInMemoryRunLeaseManager(),
		LeaseTTL:     defaultRunLeaseTTL,
		Metrics:      NoopMetrics{},
		Logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run performs one mirror run. The returned record is non-nil even when err
// is not.
func (m *Mirror) Run(ctx context.Context) (*RunRecord, error) {
	start := time.Now()
	record := &RunRecord{
		RunID:     uuid.NewString(),
		Prefix:    m.Layout.prefix(),
		StartedAt: start.UTC(),
	}
	logger := m.logger().With("run_id", record.RunID, "prefix", record.Prefix)

	leaseMgr, ttl := m.leaseManagerAndTTL()
	lease, err := leaseMgr.Acquire(ctx, record.Prefix, ttl)
	if err != nil {
		err = fmt.Errorf("acquire run lease: %w", err)
		logger.WarnContext(ctx, "mirror run not started", "reason", "lease_unavailable", "error", err)
		m.finish(ctx, logger, record, start, err, false)
		return record, err
	}
	defer func() {
		if err := leaseMgr.Release(context.Background(), lease); err != nil {
			logger.WarnContext(ctx, "run lease release failed", "error", err)
		}
	}()
	stopRenew := m.keepLeaseAlive(ctx, logger, leaseMgr, lease, ttl)

	logger.InfoContext(ctx, "mirror run started")
	err = m.run(ctx, logger, record)
	stopRenew()

	m.finish(ctx, logger, record, start, err, true)
	return record, err
}

func (m *Mirror) run(ctx context.Context, logger *slog.Logger, record *RunRecord) error {
	fetcher := &ManifestFetcher{
		Upstream:   m.Upstream,
		CurrentURL: m.UpstreamManifestURL,
		Previous:   m.previousSource(),
		Logger:     logger,
	}

	current, err := fetcher.FetchCurrent(ctx)
	if err != nil {
		return err
	}
	prev := fetcher.FetchPrevious(ctx)
	record.UsedPrevious = prev != nil

	prevIndex := NewPreviousIndex(prev)
	shared := NewSharedManifest(current)
	assets := NewAssetDeduplicator(prevIndex.AssetIndexHashes())
	CarryForward(shared, current, prevIndex)

	work := SelectChanged(current, prevIndex)
	record.Counts.Total = len(current.Versions)
	record.Counts.Skipped = len(current.Versions) - len(work)
	logger.InfoContext(ctx, "manifest diffed",
		"versions", record.Counts.Total,
		"changed", len(work),
		"skipped", record.Counts.Skipped,
		"used_previous", record.UsedPrevious,
	)

	proc := &VersionProcessor{
		Upstream: m.Upstream,
		Store:    m.Store,
		URLs:     m.URLs,
		Layout:   m.Layout,
		Previous: prevIndex,
		Shared:   shared,
		Assets:   assets,
		Metrics:  m.metrics(),
		Logger:   logger,
	}

	var processed, assetUploads atomic.Int64
	tasks := make([]Task, len(work))
	for i, entry := range work {
		entry := entry
		tasks[i] = func(ctx context.Context) error {
			out, err := proc.Process(ctx, entry)
			if err != nil {
				return err
			}
			if !out.Skipped {
				processed.Add(1)
			}
			if out.AssetIndexUploaded {
				assetUploads.Add(1)
			}
			return nil
		}
	}

	// the observer runs on the scheduler goroutine, one batch at a time
	batches := 0
	scheduler := &ChunkedScheduler{
		ChunkSize: m.ChunkSize,
		Throttle:  m.Throttle,
		Logger:    logger,
		Observer: BatchObserverFunc(func(s BatchStats) {
			batches++
			m.metrics().RecordBatch(s.Size, s.Duration.Milliseconds(), s.Err)
		}),
	}
	err = scheduler.Run(ctx, tasks)
	record.Counts.Batches = batches
	record.Counts.Processed = int(processed.Load())
	record.Counts.AssetUploads = int(assetUploads.Load())
	if err != nil {
		return err
	}

	publisher := &ManifestPublisher{Store: m.Store, Layout: m.Layout, Metrics: m.metrics()}
	return publisher.Publish(ctx, shared)
}

// finish classifies err, logs the outcome, records metrics and, when save
// is set, persists the run record.
func (m *Mirror) finish(ctx context.Context, logger *slog.Logger, record *RunRecord, start time.Time, err error, save bool) {
	record.FinishedAt = time.Now().UTC()
	record.FailureKind = FailureKind(err)
	switch record.FailureKind {
	case FailureNone:
		record.Status = RunSucceeded
	case FailurePublish:
		record.Status = RunPublishFailed
	default:
		record.Status = RunFailed
	}
	if err != nil {
		record.Error = err.Error()
	}

	elapsed := time.Since(start)
	m.metrics().RecordRun(record.Status, record.FailureKind, elapsed.Milliseconds(), record.Counts)

	attrs := []any{
		"status", record.Status,
		"elapsed", elapsed.String(),
		"total", record.Counts.Total,
		"processed", record.Counts.Processed,
		"skipped", record.Counts.Skipped,
		"asset_uploads", record.Counts.AssetUploads,
		"batches", record.Counts.Batches,
	}
	switch record.Status {
	case RunSucceeded:
		logger.InfoContext(ctx, "mirror run finished", attrs...)
	case RunPublishFailed:
		logger.ErrorContext(ctx, "mirror run finished with stale manifest", append(attrs, "failure_kind", record.FailureKind, "error", err)...)
	default:
		logger.ErrorContext(ctx, "mirror run failed", append(attrs, "failure_kind", record.FailureKind, "error", err)...)
	}

	if !save || m.RunStore == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runRecordTimeout)
	defer cancel()
	if err := m.RunStore.Save(saveCtx, *record); err != nil {
		logger.WarnContext(ctx, "run record not saved", "error", err)
	}
}

// keepLeaseAlive renews the lease every ttl/3 until the returned stop func
// is called. A failed renewal is logged; the run continues.
func (m *Mirror) keepLeaseAlive(ctx context.Context, logger *slog.Logger, mgr RunLeaseManager, lease *RunLease, ttl time.Duration) func() {
	interval := ttl / 3
	if interval <= 0 {
		return func() {}
	}

	renewCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		current := lease
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				renewed, err := mgr.Renew(renewCtx, current, ttl)
				if err != nil {
					if renewCtx.Err() == nil {
						logger.WarnContext(renewCtx, "run lease renewal failed", "error", err)
					}
					continue
				}
				current = renewed
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func (m *Mirror) previousSource() PreviousSource {
	if m.Previous != nil {
		return m.Previous
	}
	return &HTTPPreviousSource{
		Upstream: m.Upstream,
		URL:      m.URLs.Format(m.Layout.ManifestPath()),
	}
}

// leaseManagerAndTTL falls back to an in-memory manager and the default TTL
// so zero-value Mirrors still serialise runs within the process.
func (m *Mirror) leaseManagerAndTTL() (RunLeaseManager, time.Duration) {
	mgr := m.LeaseManager
	if mgr == nil {
		mgr = NewInMemoryRunLeaseManager()
		m.LeaseManager = mgr
	}
	ttl := m.LeaseTTL
	if ttl <= 0 {
		ttl = defaultRunLeaseTTL
	}
	return mgr, ttl
}

func (m *Mirror) metrics() MirrorMetrics {
	if m.Metrics == nil {
		return NoopMetrics{}
	}
	return m.Metrics
}

func (m *Mirror) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}
