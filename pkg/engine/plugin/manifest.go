package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dockerlabs/noded/pkg/engine"
)

// ABIVersion is the host's plugin ABI constant (spec.md §4.3). A plugin
// manifest whose abi_version doesn't equal this is refused at stage time.
const ABIVersion = 1

// Manifest is the JSON descriptor every plugin directory carries
// (spec.md §4.3): manifest.json alongside the shared library named by
// Library.
type Manifest struct {
	EngineID        string   `json:"engine_id"`
	EngineVersion   string   `json:"engine_version"`
	ABIVersion      int      `json:"abi_version"`
	Runtimes        []string `json:"runtimes"`
	Formats         []string `json:"formats"`
	Architectures   []string `json:"architectures"`
	Capabilities    []string `json:"capabilities"`
	Modalities      []string `json:"modalities"`
	GPUTargets      []string `json:"gpu_targets"`
	License         string   `json:"license"`
	SupportsVision  bool     `json:"supports_vision"`
	Library         string   `json:"library"`
}

// ParseManifest reads and validates the manifest.json in dir.
func ParseManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks every required field is present and non-empty, and that
// the ABI version matches the host (spec.md §4.3: "missing field → '<field>
// is required'; ABI mismatch → 'abi_version mismatch'").
func (m Manifest) Validate() error {
	required := []struct {
		name  string
		empty bool
	}{
		{"engine_id", m.EngineID == ""},
		{"engine_version", m.EngineVersion == ""},
		{"runtimes", len(m.Runtimes) == 0},
		{"formats", len(m.Formats) == 0},
		{"architectures", len(m.Architectures) == 0},
		{"capabilities", len(m.Capabilities) == 0},
		{"modalities", len(m.Modalities) == 0},
		{"gpu_targets", len(m.GPUTargets) == 0},
		{"license", m.License == ""},
		{"library", m.Library == ""},
	}
	for _, field := range required {
		if field.empty {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	if m.ABIVersion != ABIVersion {
		return fmt.Errorf("abi_version mismatch")
	}
	return nil
}

// capabilities translates the manifest's string capability list into
// engine.Capability values, skipping names the host doesn't recognise
// rather than failing — plugins may be newer than the host's capability
// vocabulary.
func (m Manifest) capabilities() []engine.Capability {
	caps := make([]engine.Capability, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		switch cap := engine.Capability(c); cap {
		case engine.CapabilityText, engine.CapabilityEmbeddings, engine.CapabilityASR,
			engine.CapabilityTTS, engine.CapabilityImage:
			caps = append(caps, cap)
		}
	}
	return caps
}

// excludesHostBackend reports whether the manifest's gpu_targets list is
// non-empty and does not contain hostBackend — the "skip, not an error"
// condition of spec.md §4.3 step 2.
func (m Manifest) excludesHostBackend(hostBackend string) bool {
	if len(m.GPUTargets) == 0 {
		return false
	}
	for _, t := range m.GPUTargets {
		if t == hostBackend {
			return false
		}
	}
	return true
}
