package modelsync

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sys/unix"
)

// etagEntry is one cached ETag+size pair.
type etagEntry struct {
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

// EtagCache persists a map of key -> etagEntry to a JSON file under an
// advisory file lock (spec.md §4.6 step 5: "persists an ETag+size cache
// to .etag_cache.json under an advisory file lock (best-effort; falls
// back to a lock directory)").
type EtagCache struct {
	path string

	mu      sync.Mutex
	entries map[string]etagEntry
	loaded  bool
}

// NewEtagCache returns a cache persisted at path (typically
// ".etag_cache.json" under the models root). It doubles as a
// download.ETagStore so the same on-disk cache can back both the catalog
// ETag (keyed "__catalog__") and per-file download conditional requests.
func NewEtagCache(path string) *EtagCache {
	return &EtagCache{path: path, entries: make(map[string]etagEntry)}
}

func (c *EtagCache) load() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded || c.path == "" {
		return
	}
	c.loaded = true

	raw, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var entries map[string]etagEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return
	}
	c.entries = entries
}

func (c *EtagCache) lookup(key string) (etagEntry, bool) {
	c.load()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *EtagCache) store(key, etag string, size int64) {
	c.load()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = etagEntry{ETag: etag, Size: size}
}

// Lookup implements download.ETagStore.
func (c *EtagCache) Lookup(destination string) (string, int64, bool) {
	e, ok := c.lookup(destination)
	return e.ETag, e.Size, ok
}

// Store implements download.ETagStore.
func (c *EtagCache) Store(destination, etag string, size int64) {
	c.store(destination, etag, size)
}

// Persist flushes the cache to disk; exported so callers sharing one
// EtagCache between modelsync and the downloader can persist it once.
func (c *EtagCache) Persist() error {
	return c.persist()
}

// persist writes the cache to disk, holding an advisory flock on a
// sibling ".lock" file for the duration of the write. If flock itself
// fails (e.g. an unsupported filesystem), it falls back to a mkdir-based
// lock directory, which is atomic on every POSIX filesystem.
func (c *EtagCache) persist() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	entries := make(map[string]etagEntry, len(c.entries))
	for k, v := range c.entries {
		entries[k] = v
	}
	c.mu.Unlock()

	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	unlock, err := c.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	return atomicwriter.WriteFile(c.path, raw, 0o644)
}

// acquireLock takes an advisory flock on "<path>.lock", falling back to a
// "<path>.lockdir" mkdir-based lock if opening/flocking the lock file
// fails outright.
func (c *EtagCache) acquireLock() (func(), error) {
	lockPath := c.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err == nil {
		if flockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX); flockErr == nil {
			return func() {
				unix.Flock(int(f.Fd()), unix.LOCK_UN)
				f.Close()
			}, nil
		}
		f.Close()
	}

	lockDir := c.path + ".lockdir"
	if mkErr := os.Mkdir(lockDir, 0o755); mkErr != nil {
		return nil, mkErr
	}
	return func() { os.Remove(lockDir) }, nil
}
