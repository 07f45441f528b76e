// Package registry implements the engine registry (C2): engines are stored
// by runtime tag, and resolution narrows candidates through a fixed filter
// chain before tying off with a benchmark-score / plugin-preference /
// registration-order rule.
package registry

import (
	"fmt"
	"sync"

	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/model"
)

// Registration is the record an engine is registered under: the manifest
// fields (for a plugin) or the equivalent static declaration (for a
// built-in), plus the live Engine implementation.
type Registration struct {
	EngineID      string
	EngineVersion string
	Runtime       string
	Formats       []string
	Architectures []string
	Capabilities  []engine.Capability
	GPUTargets    []string
	IsPlugin      bool

	Engine engine.Engine
}

// hasCapability reports whether r declares capability. An entry declaring
// no capabilities is treated as supporting none — capability filtering is
// opt-in, unlike format/architecture which default to "any".
func (r Registration) hasCapability(capability engine.Capability) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (r Registration) hasFormat(format string) bool {
	if len(r.Formats) == 0 {
		return true
	}
	for _, f := range r.Formats {
		if f == format {
			return true
		}
	}
	return false
}

func (r Registration) hasArchitecture(architectures []string) bool {
	if len(r.Architectures) == 0 || len(architectures) == 0 {
		return true
	}
	for _, want := range architectures {
		for _, have := range r.Architectures {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (r Registration) supportsGPUTarget(hostBackend string) bool {
	if len(r.GPUTargets) == 0 {
		return true
	}
	for _, t := range r.GPUTargets {
		if t == hostBackend {
			return true
		}
	}
	return false
}

// ResolutionError names the candidate filter that eliminated every
// registration, and the descriptor fields relevant to diagnosing it
// (spec.md §4.2/§7).
type ResolutionError struct {
	Runtime    string
	Format     string
	Capability engine.Capability
	FailedStep string
}

func (e *ResolutionError) Error() string {
	if e.Capability != "" {
		return fmt.Sprintf("no engine for runtime %q format %q capability %q (failed at: %s)",
			e.Runtime, e.Format, e.Capability, e.FailedStep)
	}
	return fmt.Sprintf("no engine for runtime %q format %q (failed at: %s)", e.Runtime, e.Format, e.FailedStep)
}

// Registry stores engine registrations by runtime tag. The zero value is
// ready to use.
type Registry struct {
	mu          sync.RWMutex
	byRuntime   map[string][]Registration
	seenEngines map[string]struct{}
	hostBackend string
}

// New returns an empty Registry. hostBackend is the host's detected GPU
// backend tag (e.g. "cuda", "rocm", "cpu"), used for the gpu_targets
// filter in Resolve.
func New(hostBackend string) *Registry {
	return &Registry{
		byRuntime:   make(map[string][]Registration),
		seenEngines: make(map[string]struct{}),
		hostBackend: hostBackend,
	}
}

// Register adds r to the registry. It fails if this exact (engine_id,
// runtime) pair is already registered or r.Engine is nil. A plugin
// declaring multiple runtimes registers once per runtime, so uniqueness
// is keyed on the pair rather than engine_id alone. Built-ins should all
// be registered before any plugin is staged/applied, so that registration
// order — the final tie-break rule — favors built-ins only when no
// plugin claims priority.
func (reg *Registry) Register(r Registration) error {
	if r.Engine == nil {
		return fmt.Errorf("registry: engine %q: engine implementation is nil", r.EngineID)
	}
	if r.EngineID == "" {
		return fmt.Errorf("registry: engine_id is required")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	key := r.EngineID + "\x00" + r.Runtime
	if _, ok := reg.seenEngines[key]; ok {
		return fmt.Errorf("registry: engine_id %q already registered for runtime %q", r.EngineID, r.Runtime)
	}
	reg.seenEngines[key] = struct{}{}
	reg.byRuntime[r.Runtime] = append(reg.byRuntime[r.Runtime], r)
	return nil
}

// Unregister removes every registration for engineID, used when a plugin
// batch fails stage-apply and must unwind (C3).
func (reg *Registry) Unregister(engineID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for runtime, regs := range reg.byRuntime {
		kept := regs[:0]
		for _, r := range regs {
			if r.EngineID != engineID {
				kept = append(kept, r)
			} else {
				delete(reg.seenEngines, engineID+"\x00"+runtime)
			}
		}
		reg.byRuntime[runtime] = kept
	}
}

// Registrations returns every registration currently held, across all
// runtimes. Used by node wiring (C16) to enumerate the distinct engines a
// plugin batch produced, one per (engine_id, runtime) pair, so it can
// build one enginemanager.Manager per engine instance.
func (reg *Registry) Registrations() []Registration {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var all []Registration
	for _, regs := range reg.byRuntime {
		all = append(all, regs...)
	}
	return all
}

// Resolve implements the six-step filter/tie-break algorithm of spec.md
// §4.2. capability may be empty to skip the capability filter.
func (reg *Registry) Resolve(descriptor model.Descriptor, capability engine.Capability) (engine.Engine, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	candidates := reg.byRuntime[descriptor.Runtime]
	if len(candidates) == 0 {
		return nil, &ResolutionError{Runtime: descriptor.Runtime, Format: descriptor.Format, Capability: capability, FailedStep: "runtime"}
	}

	step := func(keep func(Registration) bool) bool {
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if keep(c) {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			return false
		}
		candidates = filtered
		return true
	}

	if !step(func(r Registration) bool { return r.hasFormat(descriptor.Format) }) {
		return nil, &ResolutionError{Runtime: descriptor.Runtime, Format: descriptor.Format, Capability: capability, FailedStep: "format"}
	}
	if capability != "" {
		if !step(func(r Registration) bool { return r.hasCapability(capability) }) {
			return nil, &ResolutionError{Runtime: descriptor.Runtime, Format: descriptor.Format, Capability: capability, FailedStep: "capability"}
		}
	}
	if !step(func(r Registration) bool { return r.hasArchitecture(descriptor.Metadata.Architectures) }) {
		return nil, &ResolutionError{Runtime: descriptor.Runtime, Format: descriptor.Format, Capability: capability, FailedStep: "architecture"}
	}
	if !step(func(r Registration) bool { return r.supportsGPUTarget(reg.hostBackend) }) {
		return nil, &ResolutionError{Runtime: descriptor.Runtime, Format: descriptor.Format, Capability: capability, FailedStep: "gpu_targets"}
	}

	return tieBreak(candidates, descriptor).Engine, nil
}

// tieBreak applies spec.md §4.2 step 6: highest benchmark score, else
// plugin over built-in, else first-registered.
func tieBreak(candidates []Registration, descriptor model.Descriptor) Registration {
	if scores := descriptor.Metadata.Benchmarks.EngineScores; len(scores) > 0 {
		best := candidates[0]
		bestScore, hasBest := scores[best.EngineID]
		for _, c := range candidates[1:] {
			score, ok := scores[c.EngineID]
			if !ok {
				continue
			}
			if !hasBest || score > bestScore {
				best, bestScore, hasBest = c, score, true
			}
		}
		if hasBest {
			return best
		}
	}

	for _, c := range candidates {
		if c.IsPlugin {
			return c
		}
	}

	return candidates[0]
}
