// Package model defines the model descriptor and the on-disk storage scan
// that produces it (spec.md C4), including the model-name-to-directory
// sanitisation every path-constructing call site must go through.
package model

import (
	"regexp"
	"strings"
)

// Descriptor is an immutable value identifying and locating a model on
// disk. If a Descriptor is returned by Storage, primaryPath is guaranteed
// to exist and, for sharded safetensors, every shard named in the index is
// present and non-empty.
type Descriptor struct {
	Name        string
	Runtime     string
	Format      string
	PrimaryPath string
	ModelDir    string
	Metadata    Metadata
}

// Metadata is the optional benchmark/chat-template/architecture bag carried
// alongside a descriptor, populated from an on-disk metadata.json override
// or from GGUF/safetensors config introspection.
type Metadata struct {
	ChatTemplate  string
	Architectures []string
	GPUTargets    []string
	Benchmarks    Benchmarks
}

// Benchmarks carries per-engine benchmark scores used by the registry's
// tie-break rule (spec.md §4.2 step 6).
type Benchmarks struct {
	EngineScores map[string]float64
}

var invalidDirChar = regexp.MustCompile(`[^a-z0-9\-_.]`)

// DefaultModelName is used when an empty name is supplied to ModelNameToDir.
const DefaultModelName = "_latest"

// ModelNameToDir maps a model name to a sanitised, filesystem-safe relative
// directory path. Every code path that constructs a path under the models
// root MUST go through this function: it lowercases the name, replaces any
// character outside [a-z0-9-_.] (besides '/', kept as a subdirectory
// separator) with '_', rejects ".." traversal and NUL bytes, and maps an
// empty name to DefaultModelName. The mapping is reversible only up to
// idempotent normalisation — ModelNameToDir(ModelNameToDir(x)) == ModelNameToDir(x).
func ModelNameToDir(name string) (string, error) {
	if name == "" {
		return DefaultModelName, nil
	}
	if strings.ContainsRune(name, 0) {
		return "", ErrInvalidModelName("model name contains a NUL byte")
	}
	if strings.Contains(name, "..") {
		return "", ErrInvalidModelName("model name contains a path traversal segment")
	}

	lowered := strings.ToLower(name)
	segments := strings.Split(lowered, "/")
	for i, seg := range segments {
		segments[i] = invalidDirChar.ReplaceAllString(seg, "_")
	}
	dir := strings.Join(segments, "/")
	if dir == "" {
		return "", ErrInvalidModelName("model name normalises to the empty string")
	}
	return dir, nil
}

// ErrInvalidModelName is returned by ModelNameToDir for names that cannot
// be made into a safe path component.
type ErrInvalidModelName string

func (e ErrInvalidModelName) Error() string { return string(e) }
