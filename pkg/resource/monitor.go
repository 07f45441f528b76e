// Package resource samples host memory and GPU state on a fixed interval
// and drives watermark-triggered eviction, per spec.md §4.9.
package resource

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"

	"github.com/dockerlabs/noded/pkg/logging"
)

// Snapshot is a point-in-time resource reading, published for heartbeat
// consumption (C14).
type Snapshot struct {
	MemUsed   uint64
	MemTotal  uint64
	VRAMUsed  uint64
	VRAMTotal uint64
}

// fraction reports the higher of the two usage ratios, used against the
// configured watermark.
func (s Snapshot) fraction() float64 {
	var memFrac, vramFrac float64
	if s.MemTotal > 0 {
		memFrac = float64(s.MemUsed) / float64(s.MemTotal)
	}
	if s.VRAMTotal > 0 {
		vramFrac = float64(s.VRAMUsed) / float64(s.VRAMTotal)
	}
	if vramFrac > memFrac {
		return vramFrac
	}
	return memFrac
}

// GPUInventory is the static GPU enumeration used to populate the
// registration payload (C14); unlike Snapshot's VRAM fields, this never
// changes for the life of the process.
type GPUInventory struct {
	Available bool
	Count     int
	Model     string
	Devices   []string
}

// DetectGPUInventory enumerates host GPUs via ghw. ghw reports device
// presence/identity but not live VRAM usage, so this feeds only the
// registration payload's gpu_{available,count,model,devices} fields, not
// Snapshot.
func DetectGPUInventory() GPUInventory {
	info, err := ghw.GPU()
	if err != nil || len(info.GraphicsCards) == 0 {
		return GPUInventory{Available: false}
	}
	inv := GPUInventory{Available: true, Count: len(info.GraphicsCards)}
	devices := make([]string, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		devices = append(devices, card.Address)
		if inv.Model == "" && card.DeviceInfo != nil && card.DeviceInfo.Product != nil {
			inv.Model = card.DeviceInfo.Product.Name
		}
	}
	inv.Devices = devices
	return inv
}

// VRAMSampler reports current/total VRAM bytes across every GPU. No pack
// library exposes a live VRAM meter (ghw is inventory-only), so the
// production implementation shells out to nvidia-smi; tests substitute a
// stub.
type VRAMSampler interface {
	Sample() (used, total uint64, err error)
}

// NvidiaSMISampler parses `nvidia-smi --query-gpu=memory.used,memory.total
// --format=csv,noheader,nounits`, summing across every reported GPU. It
// returns zero values (not an error) when nvidia-smi isn't on PATH, since
// an AMD-only or CPU-only node is a normal configuration, not a fault.
type NvidiaSMISampler struct{}

func (NvidiaSMISampler) Sample() (uint64, uint64, error) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=memory.used,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, 0, nil
	}
	var used, total uint64
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			continue
		}
		u, errU := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		t, errT := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
		if errU != nil || errT != nil {
			continue
		}
		used += u * 1024 * 1024
		total += t * 1024 * 1024
	}
	return used, total, nil
}

// EvictOnce is invoked by Monitor when a watermark is crossed; it should
// evict one candidate (typically the engine manager's LRU) and report
// whether anything was evicted. Returning false stops the eviction loop.
type EvictOnce func() bool

// Config configures a Monitor. Zero Interval/Watermark fall back to the
// spec defaults (5s, 0.90).
type Config struct {
	Interval  time.Duration
	Watermark float64
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 5 * time.Second
	}
	if c.Watermark == 0 {
		c.Watermark = 0.90
	}
	return c
}

// Monitor samples host memory/VRAM on a fixed interval and, when the
// watermark is crossed with zero in-flight requests, repeatedly invokes an
// eviction callback until the watermark is relieved or nothing more can be
// evicted (spec.md §4.9).
type Monitor struct {
	cfg            Config
	vram           VRAMSampler
	activeRequests *int32
	evict          EvictOnce
	log            logging.Logger

	mu       sync.RWMutex
	snapshot Snapshot
}

// New returns a Monitor. activeRequests must be the same counter the
// readiness gate (C15) increments/decrements per in-flight request —
// eviction is gated on it reading zero. evict may be nil, in which case a
// crossed watermark is only logged.
func New(cfg Config, vram VRAMSampler, activeRequests *int32, evict EvictOnce, log logging.Logger) *Monitor {
	if vram == nil {
		vram = NvidiaSMISampler{}
	}
	return &Monitor{cfg: cfg.withDefaults(), vram: vram, activeRequests: activeRequests, evict: evict, log: log}
}

// Snapshot returns the most recently sampled reading.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Run samples every configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	snap := m.sample()
	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	if snap.fraction() < m.cfg.Watermark || m.evict == nil {
		return
	}
	if m.activeRequests != nil && atomic.LoadInt32(m.activeRequests) != 0 {
		return
	}

	for snap.fraction() >= m.cfg.Watermark {
		if !m.evict() {
			m.log.Warnf("resource: watermark %.0f%% crossed with nothing left to evict", m.cfg.Watermark*100)
			return
		}
		snap = m.sample()
		m.mu.Lock()
		m.snapshot = snap
		m.mu.Unlock()
	}
}

func (m *Monitor) sample() Snapshot {
	snap := Snapshot{}
	if host, err := sysinfo.Host(); err == nil {
		if mem, err := host.Memory(); err == nil {
			snap.MemUsed = mem.Used
			snap.MemTotal = mem.Total
		}
	}
	if used, total, err := m.vram.Sample(); err == nil {
		snap.VRAMUsed = used
		snap.VRAMTotal = total
	}
	return snap
}
