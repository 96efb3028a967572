package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Upload kinds used in metrics.
const (
	UploadVersion    = "version"
	UploadAssetIndex = "asset_index"
	UploadManifest   = "manifest"
)

// VersionOutcome describes what Process did for one entry.
type VersionOutcome struct {
	Skipped            bool
	AssetIndexID       string
	AssetIndexUploaded bool
}

// VersionProcessor mirrors a single manifest entry: it fetches the detail,
// patches the shared manifest, and uploads the detail plus, when this run
// claims it, the asset index.
type VersionProcessor struct {
	Upstream Upstream
	Store    ObjectStore
	URLs     URLBuilder
	Layout   Layout
	Previous *PreviousIndex
	Shared   *SharedManifest
	Assets   *AssetDeduplicator
	Metrics  MirrorMetrics
	Logger   *slog.Logger
}

// Process mirrors entry. Errors are not retried: a partially mirrored
// version must fail the run rather than be left silently incomplete.
func (p *VersionProcessor) Process(ctx context.Context, entry VersionEntry) (VersionOutcome, error) {
	if ShouldSkip(entry, p.Previous) {
		return VersionOutcome{Skipped: true}, nil
	}

	metrics := p.metrics()
	logger := p.logger()
	start := time.Now()

	outcome, err := p.process(ctx, entry, logger, metrics)
	latencyMS := time.Since(start).Milliseconds()
	metrics.RecordVersion(entry.ID, latencyMS, err)
	if err != nil {
		logger.ErrorContext(ctx, "version mirror failed", "version", entry.ID, "latency_ms", latencyMS, "error", err)
		return VersionOutcome{}, err
	}
	logger.DebugContext(ctx, "version mirrored",
		"version", entry.ID,
		"asset_index", outcome.AssetIndexID,
		"asset_index_uploaded", outcome.AssetIndexUploaded,
		"latency_ms", latencyMS,
	)
	return outcome, nil
}

func (p *VersionProcessor) process(ctx context.Context, entry VersionEntry, logger *slog.Logger, metrics MirrorMetrics) (VersionOutcome, error) {
	fetchStart := time.Now()
	detail, err := p.Upstream.FetchVersionDetail(ctx, entry)
	if err != nil {
		return VersionOutcome{}, fmt.Errorf("%w: version %s: %w", ErrFetch, entry.ID, err)
	}
	logger.DebugContext(ctx, "version detail fetched", "version", entry.ID, "latency_ms", time.Since(fetchStart).Milliseconds())

	assetRef := detail.AssetIndex
	versionPath := p.Layout.VersionPath(entry.ID)
	assetPath := p.Layout.AssetIndexPath(assetRef.ID)
	assetURL := p.URLs.Format(assetPath)

	err = p.Shared.Update(entry.ID, func(e *VersionEntry) {
		e.URL = p.URLs.Format(versionPath)
		e.AssetIndexSHA1 = assetRef.SHA1
		e.AssetIndexURL = assetURL
	})
	if err != nil {
		return VersionOutcome{}, err
	}

	uploadAssets := p.Assets.TryClaim(assetRef.ID, assetRef.SHA1)

	body, err := detail.EncodeWithAssetIndexURL(assetURL)
	if err != nil {
		return VersionOutcome{}, fmt.Errorf("%w: %w", ErrSerialize, err)
	}

	var g errgroup.Group
	if uploadAssets {
		g.Go(func() error {
			data, err := p.Upstream.Download(ctx, assetRef.URL, assetRef.SHA1)
			if err != nil {
				return fmt.Errorf("%w: asset index %s: %w", ErrFetch, assetRef.ID, err)
			}
			return p.put(ctx, metrics, UploadAssetIndex, assetPath, data)
		})
	}
	g.Go(func() error {
		return p.put(ctx, metrics, UploadVersion, versionPath, body)
	})
	if err := g.Wait(); err != nil {
		return VersionOutcome{}, err
	}

	return VersionOutcome{AssetIndexID: assetRef.ID, AssetIndexUploaded: uploadAssets}, nil
}

func (p *VersionProcessor) put(ctx context.Context, metrics MirrorMetrics, kind, key string, data []byte) error {
	start := time.Now()
	err := p.Store.Put(ctx, key, data, ContentTypeJSON)
	metrics.RecordUpload(kind, len(data), time.Since(start).Milliseconds(), err)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpload, key, err)
	}
	return nil
}

func (p *VersionProcessor) metrics() MirrorMetrics {
	if p.Metrics == nil {
		return NoopMetrics{}
	}
	return p.Metrics
}

func (p *VersionProcessor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
