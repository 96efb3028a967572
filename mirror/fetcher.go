package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// PreviousSource loads the manifest the mirror published last time.
type PreviousSource interface {
	FetchPrevious(ctx context.Context) (*Manifest, error)
}

// HTTPPreviousSource reads the previous manifest through its public URL.
type HTTPPreviousSource struct {
	Upstream Upstream
	URL      string
}

func (s *HTTPPreviousSource) FetchPrevious(ctx context.Context) (*Manifest, error) {
	return s.Upstream.FetchManifest(ctx, s.URL)
}

// StorePreviousSource reads the previous manifest straight from the object
// store, skipping any CDN in front of it.
type StorePreviousSource struct {
	Store ObjectStore
	Key   string
}

func (s *StorePreviousSource) FetchPrevious(ctx context.Context) (*Manifest, error) {
	data, err := s.Store.Get(ctx, s.Key)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// ManifestFetcher retrieves the current upstream manifest and, best effort,
// the previously published one.
type ManifestFetcher struct {
	Upstream   Upstream
	CurrentURL string
	Previous   PreviousSource
	Logger     *slog.Logger
}

// FetchCurrent fails the run on any network or parse error.
func (f *ManifestFetcher) FetchCurrent(ctx context.Context) (*Manifest, error) {
	url := f.CurrentURL
	if url == "" {
		url = DefaultUpstreamManifestURL
	}
	m, err := f.Upstream.FetchManifest(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: current manifest: %w", ErrFetch, err)
	}
	return m, nil
}

// FetchPrevious never fails. A missing previous manifest and one that could
// not be fetched are treated the same way: nil, which forces every entry to
// be reprocessed.
func (f *ManifestFetcher) FetchPrevious(ctx context.Context) *Manifest {
	if f.Previous == nil {
		return nil
	}
	m, err := f.Previous.FetchPrevious(ctx)
	if err != nil {
		logger := f.Logger
		if logger == nil {
			logger = slog.Default()
		}
		if errors.Is(err, ErrObjectNotFound) {
			logger.InfoContext(ctx, "no previous manifest", "reason", "not_found")
		} else {
			logger.WarnContext(ctx, "previous manifest unavailable, reprocessing all versions", "reason", "fetch_failed", "error", err)
		}
		return nil
	}
	return m
}
