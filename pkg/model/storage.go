package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// Storage scans a models root directory for model descriptors, applying
// the detection rules of spec.md §4.4. The zero value is not usable; use
// NewStorage.
type Storage struct {
	root string
}

// NewStorage returns a Storage rooted at root. root need not exist yet;
// Resolve and List simply find nothing until models are placed under it.
func NewStorage(root string) *Storage {
	return &Storage{root: root}
}

// Root returns the models root directory.
func (s *Storage) Root() string { return s.root }

// Resolve returns the descriptor for name, scanning its candidate
// directory under root. It returns an error satisfying os.IsNotExist if
// the directory doesn't contain a recognised model layout.
func (s *Storage) Resolve(name string) (Descriptor, error) {
	dir, err := ModelNameToDir(name)
	if err != nil {
		return Descriptor{}, err
	}
	modelDir := filepath.Join(s.root, filepath.FromSlash(dir))
	return scanModelDir(name, modelDir)
}

// ResolveContext satisfies dispatch.DescriptorResolver alongside
// resolver.Resolver's tiered (local/shared/router) equivalent. Storage
// itself never blocks, so ctx is accepted purely for interface
// conformance, not observed.
func (s *Storage) ResolveContext(ctx context.Context, name string) (Descriptor, error) {
	return s.Resolve(name)
}

// List scans every immediate-and-nested directory under root and returns
// a descriptor for each one that matches a recognised model layout.
// Directories that don't match are silently skipped (spec.md §4.4 step 3).
func (s *Storage) List() ([]Descriptor, error) {
	var descriptors []Descriptor
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() || path == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		desc, err := scanModelDir(name, path)
		if err != nil {
			return nil
		}
		descriptors = append(descriptors, desc)
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}
	return descriptors, nil
}

// scanModelDir applies the §4.4 detection rules to a single candidate
// directory, already resolved from a sanitised model name.
func scanModelDir(name, dir string) (Descriptor, error) {
	desc, err := detectGGUF(name, dir)
	if err == nil {
		applyMetadataOverride(&desc, dir)
		return desc, nil
	}
	desc, err = detectSafetensors(name, dir)
	if err == nil {
		applyMetadataOverride(&desc, dir)
		return desc, nil
	}
	return Descriptor{}, &os.PathError{Op: "scan", Path: dir, Err: os.ErrNotExist}
}

func detectGGUF(name, dir string) (Descriptor, error) {
	primary := filepath.Join(dir, "model.gguf")
	info, err := os.Stat(primary)
	if err != nil || info.Size() == 0 {
		return Descriptor{}, os.ErrNotExist
	}
	return Descriptor{
		Name:        name,
		Runtime:     "llama_cpp",
		Format:      "gguf",
		PrimaryPath: primary,
		ModelDir:    dir,
	}, nil
}

// safetensorsConfig is the subset of config.json consulted to detect the
// runtime family from the model architecture.
type safetensorsConfig struct {
	Architectures []string `json:"architectures"`
}

func detectSafetensors(name, dir string) (Descriptor, error) {
	configPath := filepath.Join(dir, "config.json")
	tokenizerPath := filepath.Join(dir, "tokenizer.json")
	if !fileExists(configPath) || !fileExists(tokenizerPath) {
		return Descriptor{}, os.ErrNotExist
	}

	primary, err := resolveSafetensorsPrimary(dir)
	if err != nil {
		return Descriptor{}, err
	}

	architectures := readArchitectures(configPath)
	runtime := "safetensors_cpp"
	for _, arch := range architectures {
		switch {
		case strings.HasPrefix(arch, "GptOss"):
			runtime = "gptoss_cpp"
		case strings.HasPrefix(arch, "Nemotron"):
			runtime = "nemotron_cpp"
		}
	}

	return Descriptor{
		Name:        name,
		Runtime:     runtime,
		Format:      "safetensors",
		PrimaryPath: primary,
		ModelDir:    dir,
		Metadata:    Metadata{Architectures: architectures},
	}, nil
}

// resolveSafetensorsPrimary implements the "single *.safetensors or exactly
// one *.safetensors.index.json whose shards all exist and are non-empty"
// rule from spec.md §4.4.
func resolveSafetensorsPrimary(dir string) (string, error) {
	indexMatches, err := filepath.Glob(filepath.Join(dir, "*.safetensors.index.json"))
	if err != nil {
		return "", err
	}
	if len(indexMatches) == 1 {
		if err := verifyShardIndex(indexMatches[0], dir); err != nil {
			return "", err
		}
		return indexMatches[0], nil
	}
	if len(indexMatches) > 1 {
		return "", fmt.Errorf("ambiguous safetensors index: %d candidates in %s", len(indexMatches), dir)
	}

	fileMatches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return "", err
	}
	if len(fileMatches) != 1 {
		return "", os.ErrNotExist
	}
	info, err := os.Stat(fileMatches[0])
	if err != nil || info.Size() == 0 {
		return "", os.ErrNotExist
	}
	return fileMatches[0], nil
}

// shardIndex mirrors the HuggingFace safetensors sharded-index format:
// {"weight_map": {"tensor.name": "shard-file.safetensors", ...}}.
type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

func verifyShardIndex(indexPath, dir string) error {
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return err
	}
	var idx shardIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(idx.WeightMap))
	for _, shard := range idx.WeightMap {
		if _, ok := seen[shard]; ok {
			continue
		}
		seen[shard] = struct{}{}
		info, err := os.Stat(filepath.Join(dir, shard))
		if err != nil || info.Size() == 0 {
			return fmt.Errorf("shard %s missing or empty: %w", shard, os.ErrNotExist)
		}
	}
	return nil
}

func readArchitectures(configPath string) []string {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil
	}
	var cfg safetensorsConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil
	}
	return cfg.Architectures
}

// metadataOverride is the on-disk metadata.json shape (spec.md §4.4, §4.6
// step 4): it can override the detected runtime/format/primary path and
// carries benchmark scores plus the chat template captured at sync time.
type metadataOverride struct {
	Runtime       string             `json:"runtime,omitempty"`
	Format        string             `json:"format,omitempty"`
	PrimaryPath   string             `json:"primary_path,omitempty"`
	ChatTemplate  string             `json:"chat_template,omitempty"`
	Architectures []string           `json:"architectures,omitempty"`
	GPUTargets    []string           `json:"gpu_targets,omitempty"`
	EngineScores  map[string]float64 `json:"engine_scores,omitempty"`
}

func applyMetadataOverride(desc *Descriptor, dir string) {
	raw, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return
	}
	var override metadataOverride
	if err := json.Unmarshal(raw, &override); err != nil {
		return
	}
	if override.Runtime != "" {
		desc.Runtime = override.Runtime
	}
	if override.Format != "" {
		desc.Format = override.Format
	}
	if override.PrimaryPath != "" {
		if filepath.IsAbs(override.PrimaryPath) {
			desc.PrimaryPath = override.PrimaryPath
		} else {
			desc.PrimaryPath = filepath.Join(dir, override.PrimaryPath)
		}
	}
	desc.Metadata.ChatTemplate = override.ChatTemplate
	if len(override.Architectures) > 0 {
		desc.Metadata.Architectures = override.Architectures
	}
	desc.Metadata.GPUTargets = override.GPUTargets
	if len(override.EngineScores) > 0 {
		desc.Metadata.Benchmarks = Benchmarks{EngineScores: override.EngineScores}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// gguf-parser-go is used for deep introspection (architecture, parameter
// count, quantisation) when a caller needs more than the descriptor's
// runtime/format tags; no package in this module calls it. Kept as a thin
// wrapper so scanModelDir's fast-path detection above never pays the cost
// of a full header parse just to decide a runtime tag.
type GGUFInfo struct {
	Architecture string
	Parameters   string
	Quantization string
	Size         string
}

// InspectGGUF parses path's GGUF header and extracts descriptive metadata.
// It never removes a model from consideration on parse failure — callers
// that only need the Descriptor should not call this.
func InspectGGUF(path string) (GGUFInfo, error) {
	gguf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return GGUFInfo{}, fmt.Errorf("parsing gguf header: %w", err)
	}
	md := gguf.Metadata()
	return GGUFInfo{
		Architecture: strings.TrimSpace(md.Architecture),
		Parameters:   strings.TrimSpace(md.Parameters.String()),
		Quantization: strings.TrimSpace(md.FileType.String()),
		Size:         strings.TrimSpace(md.Size.String()),
	}, nil
}

// DiscoverGGUFShards returns every shard path for a (possibly sharded)
// GGUF model, following the <name>-NNNNN-of-MMMMM.gguf naming convention.
func DiscoverGGUFShards(path string) []string {
	shards := parser.CompleteShardGGUFFilename(path)
	if len(shards) == 0 {
		return []string{path}
	}
	return shards
}
