package crawler

import "sync"

// dedupIndex maps a perceptual fingerprint to the first-seen image URL for
// the lifetime of one crawl run. No eviction; discarded at run end.
type dedupIndex struct {
	mu   sync.Mutex
	seen map[string]string
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{seen: make(map[string]string)}
}

func (d *dedupIndex) contains(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[fp]
	return ok
}

// insert records fp against url. Returns false when the fingerprint was
// already present, leaving the first-seen URL in place.
func (d *dedupIndex) insert(fp, url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[fp]; ok {
		return false
	}
	d.seen[fp] = url
	return true
}
