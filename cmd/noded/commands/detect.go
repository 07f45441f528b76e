package commands

import (
	"os"

	"github.com/tonistiigi/go-archvariant"

	"github.com/dockerlabs/noded/pkg/config"
	"github.com/dockerlabs/noded/pkg/modelsync"
	"github.com/dockerlabs/noded/pkg/resource"
)

// hostBackend returns the gpu_targets tag the registry's capability filter
// matches plugins against. NODED_GPU_BACKEND overrides detection outright
// (e.g. "rocm", which ghw-based detection can't distinguish from "cuda");
// absent that, a detected GPU is assumed to be CUDA, the common case for
// this class of node. With no GPU present, CPU-only engine plugins are
// matched more precisely than a bare "cpu" tag: go-archvariant reports the
// host's x86-64 microarchitecture level (v1-v4), letting a plugin compiled
// against AVX2/AVX-512 kernels declare gpu_targets: ["cpu_v3"] and be
// skipped on hosts that can't run it, the same role go-archvariant plays
// in buildkit's platform matching.
func hostBackend() string {
	if v := os.Getenv("NODED_GPU_BACKEND"); v != "" {
		return v
	}
	if resource.DetectGPUInventory().Available {
		return "cuda"
	}
	if variant := archvariant.AMD64Variant(); variant != "" {
		return "cpu_" + variant
	}
	return "cpu"
}

// routerClient returns the modelsync.RouterClient a Node syncs its catalog
// against, or a nil interface for a standalone node with no router
// configured (returning a typed nil *HTTPRouterClient here would make
// node.New's "router != nil" check see a non-nil interface instead).
func routerClient(cfg config.Config) modelsync.RouterClient {
	if cfg.RouterURL == "" {
		return nil
	}
	return &modelsync.HTTPRouterClient{BaseURL: cfg.RouterURL}
}
