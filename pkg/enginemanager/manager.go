// Package enginemanager wraps an Engine's "load weights, keep context, run
// inference" lifecycle with cross-model bookkeeping: an LRU of loaded
// models bounded by count and/or memory, reference-counted so a model
// mid-request is never evicted out from under it (spec.md §4.8).
package enginemanager

import (
	"container/list"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/logging"
	"github.com/dockerlabs/noded/pkg/model"
)

// OOMError is returned by Acquire when no loaded model is evictable and
// the engine-specific load still can't proceed within the configured
// limits (spec.md §4.8 step 4).
type OOMError struct {
	Runtime string
	Reason  string
}

func (e *OOMError) Error() string {
	return fmt.Sprintf("enginemanager: %s: out of memory: %s", e.Runtime, e.Reason)
}

// Config bounds a Manager's resident model set. Zero means unlimited,
// matching spec.md §4.8's global-state defaults. MaxMemoryBytes is scoped
// per Manager (per runtime), per the Open Question decision recorded in
// DESIGN.md.
type Config struct {
	MaxLoadedModels int
	MaxMemoryBytes  uint64
	IdleTimeout     time.Duration
	ModelExtensions []string // allowed PrimaryPath extensions, e.g. ".gguf"

	// RestartInterval and RestartRequestLimit force a refcount-0 model to
	// unload (reloading transparently on its next Acquire) once it has
	// been resident longer than RestartInterval, or has served
	// RestartRequestLimit requests — whichever triggers first. Zero
	// disables the corresponding check. This is the mechanism behind
	// spec.md §6's plugin_restart_interval_sec/plugin_restart_request_limit
	// config keys, which name the knob without spelling out how a forced
	// restart happens.
	RestartInterval     time.Duration
	RestartRequestLimit int64
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if len(c.ModelExtensions) == 0 {
		c.ModelExtensions = []string{".gguf", ".safetensors"}
	}
	return c
}

type loadedModel struct {
	descriptor model.Descriptor
	memBytes   uint64
	lastAccess time.Time
	loadedAt   time.Time
	refCount   int32
	requests   int64
	element    *list.Element
}

// Manager owns one Engine's loaded-model set, keyed by canonical absolute
// path. A compute node runs one Manager per runtime.
type Manager struct {
	engine     engine.Engine
	modelsRoot string
	cfg        Config
	log        logging.Logger

	mu       sync.Mutex
	models   map[string]*loadedModel
	lru      *list.List // front = most recently used
	usedMem  uint64
	loadOnce singleflight.Group
}

// New returns a Manager driving eng, accepting only models rooted under
// modelsRoot.
func New(eng engine.Engine, modelsRoot string, cfg Config, log logging.Logger) *Manager {
	return &Manager{
		engine:     eng,
		modelsRoot: modelsRoot,
		cfg:        cfg.withDefaults(),
		log:        log,
		models:     make(map[string]*loadedModel),
		lru:        list.New(),
	}
}

// Engine returns the backend this Manager drives, so callers (e.g. the
// heartbeat worker, C14) can query its supported capabilities without the
// Manager needing to re-expose them itself.
func (m *Manager) Engine() engine.Engine {
	return m.engine
}

// Handle is returned by Acquire. Callers MUST call Release when done
// (typically via defer) so the model becomes evictable again.
type Handle struct {
	mgr  *Manager
	path string
}

// Release decrements the model's active-request refcount.
func (h *Handle) Release() {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	if entry, ok := h.mgr.models[h.path]; ok {
		atomic.AddInt32(&entry.refCount, -1)
	}
}

// Acquire implements loadIfNeeded (spec.md §4.8): it canonicalises
// descriptor.PrimaryPath, loads the model if not already resident
// (evicting LRU entries with refcount 0 as needed to satisfy configured
// limits, retrying once on OOM_VRAM), and returns a Handle holding one
// reference. Concurrent Acquire calls for the same path are serialized via
// singleflight so the engine's LoadModel runs at most once per path at a
// time.
func (m *Manager) Acquire(ctx context.Context, descriptor model.Descriptor) (*Handle, error) {
	path, err := m.canonicalize(descriptor.PrimaryPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if entry, ok := m.models[path]; ok {
		entry.lastAccess = time.Now()
		atomic.AddInt32(&entry.refCount, 1)
		atomic.AddInt64(&entry.requests, 1)
		m.lru.MoveToFront(entry.element)
		m.mu.Unlock()
		return &Handle{mgr: m, path: path}, nil
	}
	m.mu.Unlock()

	_, err, _ = m.loadOnce.Do(path, func() (any, error) {
		return nil, m.load(ctx, path, descriptor)
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry, ok := m.models[path]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("enginemanager: %s: loaded but record missing", path)
	}
	atomic.AddInt32(&entry.refCount, 1)
	atomic.AddInt64(&entry.requests, 1)
	m.mu.Unlock()
	return &Handle{mgr: m, path: path}, nil
}

func (m *Manager) canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(m.modelsRoot)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) && abs != rootAbs {
		return "", fmt.Errorf("enginemanager: %s is not under models root %s", abs, rootAbs)
	}
	ext := strings.ToLower(filepath.Ext(abs))
	ok := false
	for _, allowed := range m.cfg.ModelExtensions {
		if ext == allowed {
			ok = true
			break
		}
	}
	if !ok {
		return "", fmt.Errorf("enginemanager: %s has unsupported extension %q", abs, ext)
	}
	return abs, nil
}

// load performs the actual engine load, evicting as needed first, and
// retrying once on an OOM_VRAM signal from the engine (spec.md §4.8 steps
// 4-6).
func (m *Manager) load(ctx context.Context, path string, descriptor model.Descriptor) error {
	if err := m.makeRoom(0); err != nil {
		return err
	}

	result, err := m.engine.LoadModel(ctx, descriptor)
	if engine.IsOOMVRAM(err) {
		if !m.evictOne() {
			return &OOMError{Runtime: m.engine.Runtime(), Reason: "no evictable model and engine reports OOM_VRAM"}
		}
		result, err = m.engine.LoadModel(ctx, descriptor)
	}
	if err != nil {
		return fmt.Errorf("enginemanager: loading %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	entry := &loadedModel{
		descriptor: descriptor,
		memBytes:   result.VRAMBytes,
		lastAccess: now,
		loadedAt:   now,
		refCount:   0,
	}
	entry.element = m.lru.PushFront(path)
	m.models[path] = entry
	m.usedMem += result.VRAMBytes
	return nil
}

// makeRoom evicts LRU entries with refcount 0 until count/memory limits
// (plus pending headroom bytes) are satisfied. Returns an *OOMError if the
// limits can't be satisfied because nothing is evictable.
func (m *Manager) makeRoom(headroom uint64) error {
	for {
		m.mu.Lock()
		overCount := m.cfg.MaxLoadedModels > 0 && len(m.models) >= m.cfg.MaxLoadedModels
		overMem := m.cfg.MaxMemoryBytes > 0 && m.usedMem+headroom > m.cfg.MaxMemoryBytes
		m.mu.Unlock()
		if !overCount && !overMem {
			return nil
		}
		if !m.evictOne() {
			return &OOMError{Runtime: m.engine.Runtime(), Reason: "loaded-model limit reached and nothing is evictable"}
		}
	}
}

// evictOneLocked removes the least-recently-used refcount-0 entry's
// bookkeeping and returns its descriptor so the caller can unload it via
// the engine after releasing m.mu. Caller must hold m.mu; evictOneLocked
// never calls into the engine itself (spec.md §5: no engine operation may
// run while holding a manager lock).
func (m *Manager) evictOneLocked() (model.Descriptor, string, bool) {
	for e := m.lru.Back(); e != nil; e = e.Prev() {
		path := e.Value.(string)
		entry := m.models[path]
		if atomic.LoadInt32(&entry.refCount) != 0 {
			continue
		}
		m.lru.Remove(e)
		delete(m.models, path)
		m.usedMem -= entry.memBytes
		return entry.descriptor, path, true
	}
	return model.Descriptor{}, "", false
}

// evictOne evicts the least-recently-used refcount-0 model, calling
// UnloadModel only after m.mu has been released.
func (m *Manager) evictOne() bool {
	m.mu.Lock()
	descriptor, path, ok := m.evictOneLocked()
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := m.engine.UnloadModel(descriptor); err != nil {
		m.log.Warnf("enginemanager: unloading %s: %v", path, err)
	}
	return true
}

// LeastRecentlyUsed returns the canonical path of the least-recently-used
// refcount-0 model, and whether one exists. The resource monitor (C9)
// calls this to pick an eviction target when a memory watermark is
// crossed.
func (m *Manager) LeastRecentlyUsed() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.lru.Back(); e != nil; e = e.Prev() {
		path := e.Value.(string)
		if atomic.LoadInt32(&m.models[path].refCount) == 0 {
			return path, true
		}
	}
	return "", false
}

// Unload tears down path's engine handle and removes its record,
// regardless of LRU position. Returns false if path is unknown.
func (m *Manager) Unload(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	m.mu.Lock()
	entry, ok := m.models[abs]
	if !ok {
		m.mu.Unlock()
		return false
	}
	descriptor := entry.descriptor
	m.lru.Remove(entry.element)
	delete(m.models, abs)
	m.usedMem -= entry.memBytes
	m.mu.Unlock()

	if err := m.engine.UnloadModel(descriptor); err != nil {
		m.log.Warnf("enginemanager: unloading %s: %v", abs, err)
	}
	return true
}

// LoadedModel is a point-in-time snapshot of one resident model, for
// status/admin reporting.
type LoadedModel struct {
	Path       string
	MemBytes   uint64
	LastAccess time.Time
	RefCount   int32
}

// Loaded returns a snapshot of every currently resident model.
func (m *Manager) Loaded() []LoadedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LoadedModel, 0, len(m.models))
	for path, entry := range m.models {
		out = append(out, LoadedModel{
			Path:       path,
			MemBytes:   entry.memBytes,
			LastAccess: entry.lastAccess,
			RefCount:   atomic.LoadInt32(&entry.refCount),
		})
	}
	return out
}

// IdleSweep runs until ctx is cancelled, unloading every refcount-0 model
// whose last access is older than cfg.IdleTimeout, every interval (spec.md
// §4.8's background idle-sweeper).
func (m *Manager) IdleSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()
	m.mu.Lock()
	var stale []string
	for path, entry := range m.models {
		if atomic.LoadInt32(&entry.refCount) == 0 && now.Sub(entry.lastAccess) > m.cfg.IdleTimeout {
			stale = append(stale, path)
		}
	}
	m.mu.Unlock()

	for _, path := range stale {
		m.Unload(path)
	}
}

// RestartSweep runs until ctx is cancelled, force-unloading every
// refcount-0 model that has exceeded cfg.RestartInterval residency or
// cfg.RestartRequestLimit served requests, every interval. A forced
// restart is just an unload: the next Acquire for that path reloads it
// transparently, the same as any other cache miss.
func (m *Manager) RestartSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepRestart()
		}
	}
}

func (m *Manager) sweepRestart() {
	if m.cfg.RestartInterval == 0 && m.cfg.RestartRequestLimit == 0 {
		return
	}
	now := time.Now()
	m.mu.Lock()
	var due []string
	for path, entry := range m.models {
		if atomic.LoadInt32(&entry.refCount) != 0 {
			continue
		}
		ageExceeded := m.cfg.RestartInterval > 0 && now.Sub(entry.loadedAt) > m.cfg.RestartInterval
		requestsExceeded := m.cfg.RestartRequestLimit > 0 && atomic.LoadInt64(&entry.requests) >= m.cfg.RestartRequestLimit
		if ageExceeded || requestsExceeded {
			due = append(due, path)
		}
	}
	m.mu.Unlock()

	for _, path := range due {
		if m.Unload(path) {
			m.log.Infof("enginemanager: forced restart of %s", path)
		}
	}
}
