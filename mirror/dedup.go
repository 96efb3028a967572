package mirror

import "sync"

// AssetDeduplicator gates asset index uploads so each asset index is
// uploaded at most once per run no matter how many versions reference it.
type AssetDeduplicator struct {
	mu      sync.Mutex
	visited map[string]struct{}
	prior   map[string]string
}

// NewAssetDeduplicator creates a gate with an empty visited set. prior maps
// asset index id to the hash recorded by the previous run and may be nil.
func NewAssetDeduplicator(prior map[string]string) *AssetDeduplicator {
	p := make(map[string]string, len(prior))
	for k, v := range prior {
		p[k] = v
	}
	return &AssetDeduplicator{
		visited: make(map[string]struct{}),
		prior:   p,
	}
}

// TryClaim atomically checks and marks assetIndexID as visited. It returns
// true only for the first caller this run, and only if the index is new or
// its hash differs from the one recorded previously. Later callers always
// get false, so concurrent versions never race into a duplicate upload.
func (d *AssetDeduplicator) TryClaim(assetIndexID, sha1 string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.visited[assetIndexID]; ok {
		return false
	}
	d.visited[assetIndexID] = struct{}{}

	priorHash, ok := d.prior[assetIndexID]
	return !ok || priorHash != sha1
}

// Visited reports how many distinct asset indexes were claimed.
func (d *AssetDeduplicator) Visited() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visited)
}
