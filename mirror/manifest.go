// manifest.go defines the documents the mirror reads and writes.
//
// Document roles:
//
//   - Manifest: the version index. Upstream publishes one; the mirror
//     publishes a patched copy at Layout.ManifestPath() whose entries point
//     at mirrored locations and remember the asset index hash they were
//     mirrored with.
//   - VersionDetail: the per-version document. Only assetIndex is
//     interpreted; every other field is carried through byte-for-byte so the
//     mirror never owns the upstream schema.
//   - Asset index: opaque bytes, verified against the SHA-1 advertised in the
//     detail and uploaded untouched.

package mirror

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultPrefix is the storage prefix for format version 0 of the mirrored
// layout.
const DefaultPrefix = "minecraft/v0"

// Manifest is one published state of the version catalog.
type Manifest struct {
	Latest   LatestVersions `json:"latest"`
	Versions []VersionEntry `json:"versions"`
}

// LatestVersions names the newest release and snapshot ids.
type LatestVersions struct {
	Release  string `json:"release"`
	Snapshot string `json:"snapshot"`
}

// VersionEntry is one row of the manifest. SHA1 is the content hash of the
// version detail document; AssetIndexSHA1 and AssetIndexURL are only set on
// mirrored manifests.
type VersionEntry struct {
	ID              string `json:"id"`
	Type            string `json:"type,omitempty"`
	URL             string `json:"url"`
	Time            string `json:"time,omitempty"`
	ReleaseTime     string `json:"releaseTime,omitempty"`
	SHA1            string `json:"sha1"`
	ComplianceLevel int    `json:"complianceLevel,omitempty"`
	AssetIndexSHA1  string `json:"assetsIndexSha1,omitempty"`
	AssetIndexURL   string `json:"assetsIndexUrl,omitempty"`
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() Manifest {
	out := Manifest{Latest: m.Latest}
	if m.Versions != nil {
		out.Versions = make([]VersionEntry, len(m.Versions))
		copy(out.Versions, m.Versions)
	}
	return out
}

// ParseManifest decodes a manifest document and rejects duplicate ids and
// ids that cannot be used as a storage key segment.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Versions))
	for i, v := range m.Versions {
		if strings.TrimSpace(v.ID) == "" {
			return nil, fmt.Errorf("%w: %w: manifest entry %d has an empty id", ErrFetch, ErrInvalidID, i)
		}
		if err := validateKeySegment(v.ID); err != nil {
			return nil, fmt.Errorf("%w: manifest entry %d: %w", ErrFetch, i, err)
		}
		if _, dup := seen[v.ID]; dup {
			return nil, fmt.Errorf("manifest contains duplicate version id %q", v.ID)
		}
		seen[v.ID] = struct{}{}
	}
	return &m, nil
}

// AssetIndexRef points at the asset index a version uses.
type AssetIndexRef struct {
	ID        string
	SHA1      string
	URL       string
	Size      int64
	TotalSize int64
}

// VersionDetail is a version detail document. The raw bytes are kept so
// unknown fields survive the round trip to storage.
type VersionDetail struct {
	ID         string
	AssetIndex AssetIndexRef

	raw []byte
}

// ParseVersionDetail validates data and extracts the asset index reference.
func ParseVersionDetail(data []byte) (*VersionDetail, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("version detail is not valid json")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, fmt.Errorf("version detail is not a json object")
	}

	ai := doc.Get("assetIndex")
	if !ai.IsObject() {
		return nil, fmt.Errorf("version detail %q has no assetIndex", doc.Get("id").String())
	}
	ref := AssetIndexRef{
		ID:        ai.Get("id").String(),
		SHA1:      ai.Get("sha1").String(),
		URL:       ai.Get("url").String(),
		Size:      ai.Get("size").Int(),
		TotalSize: ai.Get("totalSize").Int(),
	}
	if ref.ID == "" || ref.URL == "" {
		return nil, fmt.Errorf("version detail %q has an incomplete assetIndex", doc.Get("id").String())
	}
	if err := validateKeySegment(ref.ID); err != nil {
		return nil, fmt.Errorf("%w: version detail %q asset index: %w", ErrFetch, doc.Get("id").String(), err)
	}

	return &VersionDetail{
		ID:         doc.Get("id").String(),
		AssetIndex: ref,
		raw:        append([]byte(nil), data...),
	}, nil
}

// EncodeWithAssetIndexURL returns the document with assetIndex.url replaced.
// The receiver is not modified.
func (d *VersionDetail) EncodeWithAssetIndexURL(assetIndexURL string) ([]byte, error) {
	out, err := sjson.SetBytes(append([]byte(nil), d.raw...), "assetIndex.url", assetIndexURL)
	if err != nil {
		return nil, fmt.Errorf("rewrite assetIndex.url for %s: %w", d.ID, err)
	}
	return out, nil
}

// validateKeySegment rejects ids that would not stay a single path segment
// once placed in a storage key.
func validateKeySegment(id string) error {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Layout computes the deterministic storage keys of mirrored documents.
type Layout struct {
	Prefix string
}

func (l Layout) prefix() string {
	p := strings.Trim(l.Prefix, "/")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// ManifestPath is the well-known key of the published manifest.
func (l Layout) ManifestPath() string {
	return l.prefix() + "/version_manifest.json"
}

// VersionPath is the key of a mirrored version detail.
func (l Layout) VersionPath(versionID string) string {
	return l.prefix() + "/versions/" + versionID + ".json"
}

// AssetIndexPath is the key of a mirrored asset index.
func (l Layout) AssetIndexPath(assetIndexID string) string {
	return l.prefix() + "/assets/" + assetIndexID + ".json"
}

// RunRecordPath is the key of a run record written by BlobRunStore.
func (l Layout) RunRecordPath(runID string) string {
	return l.prefix() + "/runs/" + runID + ".json"
}

// AssetIndexIDFromURL recovers the asset index id from a mirrored
// assetsIndexUrl ("…/assets/<id>.json"). Returns "" when the URL does not
// have that shape.
func AssetIndexIDFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	if path.Base(path.Dir(p)) != "assets" {
		return ""
	}
	base := path.Base(p)
	if !strings.HasSuffix(base, ".json") {
		return ""
	}
	return strings.TrimSuffix(base, ".json")
}
