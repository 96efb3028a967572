package mirror

// PreviousIndex is an immutable id lookup over the previous manifest. A nil
// or empty index means every entry is new.
type PreviousIndex struct {
	byID    map[string]VersionEntry
	ordered []VersionEntry
}

// NewPreviousIndex indexes prev. prev may be nil.
func NewPreviousIndex(prev *Manifest) *PreviousIndex {
	idx := &PreviousIndex{byID: make(map[string]VersionEntry)}
	if prev == nil {
		return idx
	}
	idx.ordered = prev.Clone().Versions
	for _, v := range idx.ordered {
		idx.byID[v.ID] = v
	}
	return idx
}

// Lookup returns the previous entry with id.
func (p *PreviousIndex) Lookup(id string) (VersionEntry, bool) {
	if p == nil {
		return VersionEntry{}, false
	}
	v, ok := p.byID[id]
	return v, ok
}

// Len is the number of previous entries.
func (p *PreviousIndex) Len() int {
	if p == nil {
		return 0
	}
	return len(p.byID)
}

// AssetIndexHashes maps asset index id to the hash it was last mirrored
// with. Entries without a recognisable mirrored assetsIndexUrl are ignored;
// when several entries disagree the first in manifest order wins.
func (p *PreviousIndex) AssetIndexHashes() map[string]string {
	out := make(map[string]string)
	if p == nil {
		return out
	}
	for _, v := range p.ordered {
		if v.AssetIndexSHA1 == "" {
			continue
		}
		id := AssetIndexIDFromURL(v.AssetIndexURL)
		if id == "" {
			continue
		}
		if _, seen := out[id]; !seen {
			out[id] = v.AssetIndexSHA1
		}
	}
	return out
}

// ShouldSkip reports whether entry is unchanged since the previous run: an
// entry with the same id exists and its sha1 matches exactly.
func ShouldSkip(entry VersionEntry, prev *PreviousIndex) bool {
	old, ok := prev.Lookup(entry.ID)
	return ok && old.SHA1 == entry.SHA1
}

// SelectChanged returns the entries of current that need reprocessing, in
// manifest order.
func SelectChanged(current *Manifest, prev *PreviousIndex) []VersionEntry {
	out := make([]VersionEntry, 0, len(current.Versions))
	for _, v := range current.Versions {
		if !ShouldSkip(v, prev) {
			out = append(out, v)
		}
	}
	return out
}

// CarryForward copies the mirrored fields of every unchanged entry from the
// previous manifest into shared, so skipped versions keep pointing at the
// mirror instead of reverting to upstream URLs. It returns the number of
// entries carried.
func CarryForward(shared *SharedManifest, current *Manifest, prev *PreviousIndex) int {
	carried := 0
	for _, v := range current.Versions {
		if !ShouldSkip(v, prev) {
			continue
		}
		old, _ := prev.Lookup(v.ID)
		err := shared.Update(v.ID, func(e *VersionEntry) {
			e.URL = old.URL
			e.AssetIndexSHA1 = old.AssetIndexSHA1
			e.AssetIndexURL = old.AssetIndexURL
		})
		if err == nil {
			carried++
		}
	}
	return carried
}
