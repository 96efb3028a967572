package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ManifestPublisher writes the patched manifest to its well-known key,
// overwriting whatever was published before.
type ManifestPublisher struct {
	Store   ObjectStore
	Layout  Layout
	Metrics MirrorMetrics
}

// Publish serializes the shared manifest and uploads it. Every returned
// error wraps ErrPublish: by the time this runs, version artifacts are
// already in storage, so a failure here leaves a stale index rather than a
// missing artifact.
func (p *ManifestPublisher) Publish(ctx context.Context, shared *SharedManifest) error {
	snapshot := shared.Snapshot()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%w: %w: %w", ErrPublish, ErrSerialize, err)
	}

	metrics := p.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	key := p.Layout.ManifestPath()
	start := time.Now()
	err = p.Store.Put(ctx, key, data, ContentTypeJSON)
	metrics.RecordUpload(UploadManifest, len(data), time.Since(start).Milliseconds(), err)
	if err != nil {
		return fmt.Errorf("%w: %w: %s: %w", ErrPublish, ErrUpload, key, err)
	}
	return nil
}
