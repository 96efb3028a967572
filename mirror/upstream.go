package mirror

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultUpstreamManifestURL is the upstream version manifest (v2 carries
// per-version sha1 values).
const DefaultUpstreamManifestURL = "https://piston-meta.mojang.com/mc/game/version_manifest_v2.json"

const defaultUpstreamTimeout = 60 * time.Second

// Upstream is the read-only metadata source.
type Upstream interface {
	// FetchManifest downloads and parses the manifest at url.
	FetchManifest(ctx context.Context, url string) (*Manifest, error)
	// FetchVersionDetail downloads the entry's detail document and verifies
	// it against entry.SHA1.
	FetchVersionDetail(ctx context.Context, entry VersionEntry) (*VersionDetail, error)
	// Download fetches raw bytes, verifying them when sha1 is non-empty.
	Download(ctx context.Context, url string, sha1 string) ([]byte, error)
}

// HTTPUpstream implements Upstream over plain HTTP GETs.
type HTTPUpstream struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPUpstream creates an HTTP upstream. A nil client gets a client with a
// per-request timeout.
func NewHTTPUpstream(client *http.Client) *HTTPUpstream {
	if client == nil {
		client = &http.Client{Timeout: defaultUpstreamTimeout}
	}
	return &HTTPUpstream{Client: client, UserAgent: "daedalus-mirror"}
}

func (u *HTTPUpstream) FetchManifest(ctx context.Context, url string) (*Manifest, error) {
	data, err := u.Download(ctx, url, "")
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

func (u *HTTPUpstream) FetchVersionDetail(ctx context.Context, entry VersionEntry) (*VersionDetail, error) {
	data, err := u.Download(ctx, entry.URL, entry.SHA1)
	if err != nil {
		return nil, err
	}
	detail, err := ParseVersionDetail(data)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", entry.ID, err)
	}
	return detail, nil
}

func (u *HTTPUpstream) Download(ctx context.Context, url string, sha1 string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", url, err)
	}
	if u.UserAgent != "" {
		req.Header.Set("User-Agent", u.UserAgent)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: request %s failed with status 404", ErrObjectNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if len(body) == 0 {
			return nil, fmt.Errorf("request %s failed with status %d", url, resp.StatusCode)
		}
		return nil, fmt.Errorf("request %s failed with status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if err := verifySHA1(data, sha1); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	return data, nil
}

// verifySHA1 is a no-op when expected is empty.
func verifySHA1(data []byte, expected string) error {
	if expected == "" {
		return nil
	}
	sum := sha1.Sum(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expected, got)
	}
	return nil
}
