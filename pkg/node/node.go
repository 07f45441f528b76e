// Package node wires every other package into one running compute node
// (spec.md §2/§16): engine registry, plugin host, model storage/resolver,
// sync, download, one enginemanager.Manager per registered engine,
// resource monitor, prefix cache, replica manager, scheduler, dispatcher,
// heartbeat worker, readiness gate, and metrics, plus the inbound HTTP
// surface (OpenAI-style inference routes and node admin endpoints). This
// is the layer the teacher's cmd/dmrlet/commands/root.go plays for the
// containerd/runtime stack, generalised from "start one containerd
// runtime and one model store" to "assemble every C1-C15 component and
// start their background loops."
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dockerlabs/noded/pkg/api"
	"github.com/dockerlabs/noded/pkg/config"
	"github.com/dockerlabs/noded/pkg/dispatch"
	"github.com/dockerlabs/noded/pkg/download"
	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/engine/plugin"
	"github.com/dockerlabs/noded/pkg/engine/registry"
	"github.com/dockerlabs/noded/pkg/enginemanager"
	"github.com/dockerlabs/noded/pkg/heartbeat"
	"github.com/dockerlabs/noded/pkg/logging"
	"github.com/dockerlabs/noded/pkg/metrics"
	"github.com/dockerlabs/noded/pkg/middleware"
	"github.com/dockerlabs/noded/pkg/model"
	"github.com/dockerlabs/noded/pkg/model/resolver"
	"github.com/dockerlabs/noded/pkg/modelsync"
	"github.com/dockerlabs/noded/pkg/prefixcache"
	"github.com/dockerlabs/noded/pkg/readiness"
	"github.com/dockerlabs/noded/pkg/replica"
	"github.com/dockerlabs/noded/pkg/resource"
)

// Node owns every component's lifecycle for one compute-node process.
type Node struct {
	cfg config.Config
	log logging.Logger

	storage  *model.Storage
	resolve  dispatch.DescriptorResolver
	registry *registry.Registry
	host     *plugin.Host
	syncer   *modelsync.Syncer
	managers []*enginemanager.Manager
	monitor  *resource.Monitor
	prefix   *prefixcache.Cache
	replicas *replica.Manager
	gate     *readiness.Gate
	dispatch *dispatch.Dispatcher
	heart    *heartbeat.Worker
	metrics  *metrics.Metrics

	httpServer *http.Server
}

// New assembles a Node from cfg but starts nothing. hostBackend is the
// detected GPU backend tag (e.g. "cuda", "rocm", "cpu") used by the
// registry's gpu_targets filter. router may be nil for a node configured
// with no router_url (standalone-only).
func New(cfg config.Config, hostBackend string, router HTTPRouter, log logging.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("node: creating models dir: %w", err)
	}

	storage := model.NewStorage(cfg.ModelsDir)

	var routerClient resolver.RouterClient
	if cfg.RouterURL != "" {
		routerClient = &resolver.HTTPRouterClient{BaseURL: cfg.RouterURL}
	}
	resolve := dispatch.DescriptorResolver(resolver.New(cfg.ModelsDir, cfg.SharedModelsDir, routerClient))

	reg := registry.New(hostBackend)
	host := plugin.NewHost(reg, log, cfg.ModelsDir, hostBackend, nil)

	downloader := download.New(nil, download.Config{
		BaseConcurrency:   cfg.Download.MaxConcurrency,
		DefaultChunkBytes: cfg.Download.ChunkSize,
		DefaultMaxBPS:     cfg.Download.MaxBytesPerSec,
	}, nil, log, nil)

	var syncer *modelsync.Syncer
	if router != nil {
		etagCachePath := filepath.Join(cfg.ModelsDir, ".etag_cache.json")
		syncer = modelsync.New(storage, router, downloader, log, etagCachePath, cfg.DeleteStaleModels)
	}

	gate := readiness.New()
	mtr := metrics.New()

	n := &Node{
		cfg:      cfg,
		log:      log,
		storage:  storage,
		resolve:  resolve,
		registry: reg,
		host:     host,
		syncer:   syncer,
		prefix:   prefixcache.New(cfg.MaxMemoryBytes),
		replicas: replica.New(),
		gate:     gate,
		metrics:  mtr,
	}

	n.monitor = resource.New(resource.Config{}, nil, gate.ActiveRequests(), n.evictOnce, log)

	heartbeatCfg := heartbeat.Config{
		RouterBaseURL: cfg.RouterURL,
		APIKey:        cfg.RouterAPIKey,
		RuntimePort:   cfg.NodePort,
		Interval:      time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
	}
	if hostname, err := os.Hostname(); err == nil {
		heartbeatCfg.MachineName = hostname
	}
	n.heart = heartbeat.New(heartbeatCfg, log)

	return n, nil
}

// HTTPRouter is the router catalog client a Node syncs against, an alias of
// modelsync.RouterClient; cmd/noded wires it with a modelsync.HTTPRouterClient.
type HTTPRouter = modelsync.RouterClient

// LoadPlugins discovers every immediate subdirectory of cfg.EnginePluginsDir
// containing a manifest.json and applies them as one atomic batch (spec.md
// §4.3), then builds one enginemanager.Manager per distinct engine the
// batch (plus any previously applied batch) registered. Call once at
// startup before Start; calling it again after additional plugins were
// staged elsewhere is safe; it simply rebuilds the manager set from
// whatever the registry now holds.
func (n *Node) LoadPlugins() error {
	if n.cfg.EnginePluginsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(n.cfg.EnginePluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("node: reading engine plugins dir: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(n.cfg.EnginePluginsDir, e.Name()))
		}
	}
	if len(dirs) == 0 {
		return nil
	}
	if err := n.host.ApplyBatch(dirs); err != nil {
		return fmt.Errorf("node: applying plugin batch: %w", err)
	}

	n.rebuildManagers()
	return nil
}

// rebuildManagers constructs one enginemanager.Manager per distinct
// engine instance the registry currently holds. A manager is built once
// per engine_id, even though a plugin may have registered that engine
// under several runtimes (spec.md §4.8: "a node runs one Manager per
// runtime" describes the common single-runtime-per-engine case; keying by
// engine_id here is what makes multi-runtime and multi-engine-per-runtime
// registrations both work without double-constructing a manager for the
// same engine).
func (n *Node) rebuildManagers() {
	seen := make(map[string]bool)
	var managers []*enginemanager.Manager
	for _, reg := range n.registry.Registrations() {
		if seen[reg.EngineID] {
			continue
		}
		seen[reg.EngineID] = true
		mgr := enginemanager.New(reg.Engine, n.cfg.ModelsDir, enginemanager.Config{
			MaxLoadedModels:     n.cfg.MaxLoadedModels,
			MaxMemoryBytes:      n.cfg.MaxMemoryBytes,
			IdleTimeout:         n.cfg.IdleTimeout,
			RestartInterval:     time.Duration(n.cfg.PluginRestartIntervalSec) * time.Second,
			RestartRequestLimit: n.cfg.PluginRestartRequestLimit,
		}, n.log)
		managers = append(managers, mgr)
	}
	n.managers = managers
	n.dispatch = dispatch.New(n.gate, n.resolve, n.registry, n.dispatchManagers(), syncerCatalog(n.syncer))
	n.dispatch.SetWatchdog(n.cfg.WatchdogTimeout)
	n.dispatch.SetPrefixCache(n.prefix, n.metrics)
}

// Sync runs one catalog sync pass against the configured router, for a CLI
// "noded pull" command that wants an immediate refresh; otherwise a sync
// runs only once at Start and on POST /api/models/pull. It errors if no
// router is configured.
func (n *Node) Sync(ctx context.Context) (modelsync.Diff, error) {
	if n.syncer == nil {
		return modelsync.Diff{}, fmt.Errorf("node: no router configured, nothing to sync")
	}
	return n.syncer.Sync(ctx)
}

func (n *Node) dispatchManagers() dispatch.EngineManagers {
	out := make(dispatch.EngineManagers, len(n.managers))
	for _, mgr := range n.managers {
		out[mgr.Engine().Runtime()] = mgr
	}
	return out
}

// syncerCatalog adapts a possibly-nil *modelsync.Syncer to
// dispatch.CatalogLookup — a nil Syncer means no catalog to fall back to.
func syncerCatalog(s *modelsync.Syncer) dispatch.CatalogLookup {
	if s == nil {
		return nil
	}
	return s
}

// evictOnce is resource.Monitor's eviction callback (spec.md §4.9): evict
// the globally least-recently-used resident model across every manager,
// returning false once nothing is left to evict.
func (n *Node) evictOnce() bool {
	var target *enginemanager.Manager
	var targetPath string
	var oldest time.Time

	for _, mgr := range n.managers {
		path, ok := mgr.LeastRecentlyUsed()
		if !ok {
			continue
		}
		for _, lm := range mgr.Loaded() {
			if lm.Path != path {
				continue
			}
			if target == nil || lm.LastAccess.Before(oldest) {
				target, targetPath, oldest = mgr, path, lm.LastAccess
			}
		}
	}
	if target == nil {
		return false
	}
	return target.Unload(targetPath)
}

// supportedRuntimes lists the runtime tag of every registered engine, for
// the heartbeat registration/payload fields.
func (n *Node) supportedRuntimes() []string {
	out := make([]string, 0, len(n.managers))
	for _, mgr := range n.managers {
		out = append(out, mgr.Engine().Runtime())
	}
	return out
}

// Start registers the HTTP surface, performs router registration (or
// falls into standalone mode), flips the readiness gate once an initial
// sync pass completes, and launches every background loop. It returns
// once the HTTP listener is serving; the background loops and the server
// itself keep running until ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	if n.cfg.RequireGPU {
		gpu := resource.DetectGPUInventory()
		if !gpu.Available {
			return fmt.Errorf("node: require_gpu is set but no GPU was detected")
		}
	}

	mux := n.buildMux()
	n.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", n.cfg.NodePort),
		Handler: middleware.CorsMiddleware(n.cfg.OriginAllowlist, mux),
	}

	standalone := true
	if n.cfg.RouterURL != "" {
		gpu := resource.DetectGPUInventory()
		var err error
		standalone, err = n.heart.Register(ctx, gpu, n.supportedRuntimes())
		if err != nil {
			n.log.Warnf("node: registration error: %v", err)
		}
	}

	if n.syncer != nil {
		if _, err := n.syncer.Sync(ctx); err != nil {
			n.log.Warnf("node: initial sync failed: %v", err)
		}
	}
	n.gate.SetReady(true)

	go n.monitor.Run(ctx)
	go n.sampleSchedulerQueues(ctx)
	for _, mgr := range n.managers {
		go mgr.IdleSweep(ctx, n.cfg.IdleTimeout)
		go mgr.RestartSweep(ctx, time.Minute)
	}
	if !standalone && n.cfg.RouterURL != "" {
		go n.heart.Run(ctx, n.heartbeatManagers(), n.supportedRuntimes(), n.monitor.Snapshot, n.syncStatus)
	}

	ln, err := listen(n.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("node: listening on %s: %w", n.httpServer.Addr, err)
	}
	go func() {
		if err := n.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.log.Errorf("node: http server: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		n.gate.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.httpServer.Shutdown(shutdownCtx)
	}()

	return nil
}

// schedulerQueueSampleInterval is how often Start's background loop
// republishes each runtime's scheduler queue depth (spec.md §6 metrics).
const schedulerQueueSampleInterval = 5 * time.Second

// sampleSchedulerQueues republishes dispatch.Dispatcher.QueueDepths into
// the scheduler_queue_depth gauge until ctx is cancelled.
func (n *Node) sampleSchedulerQueues(ctx context.Context) {
	ticker := time.NewTicker(schedulerQueueSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for runtime, depth := range n.dispatch.QueueDepths() {
				n.metrics.SetSchedulerQueueDepth(runtime, depth)
			}
		}
	}
}

func (n *Node) heartbeatManagers() map[string]*enginemanager.Manager {
	return n.dispatchManagers()
}

func (n *Node) syncStatus() heartbeat.SyncStatus {
	if n.syncer == nil {
		return heartbeat.SyncStatus{State: string(modelsync.StateIdle)}
	}
	status := n.syncer.Status()
	return heartbeat.SyncStatus{State: string(status.State)}
}

func (n *Node) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	apiHandler := api.New(n.dispatch, n.storage, n.log)
	mux.Handle("/v1/", apiHandler)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /startup", func(w http.ResponseWriter, r *http.Request) {
		if !n.gate.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", n.metrics.Handler())
	mux.Handle("GET /metrics.json", n.metrics.JSONHandler())

	mux.HandleFunc("POST /api/models/pull", func(w http.ResponseWriter, r *http.Request) {
		if n.syncer == nil {
			http.Error(w, `{"status":"error","error":"no router configured"}`, http.StatusInternalServerError)
			return
		}
		if _, err := n.syncer.Sync(r.Context()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	return mux
}

// Status is a point-in-time admin snapshot, e.g. for a CLI "noded status"
// command (supplemented feature, not part of the HTTP surface).
type Status struct {
	Ready        bool
	InFlight     int32
	LoadedModels []enginemanager.LoadedModel
}

// Status returns a snapshot across every manager's loaded-model set.
func (n *Node) Status() Status {
	var loaded []enginemanager.LoadedModel
	for _, mgr := range n.managers {
		loaded = append(loaded, mgr.Loaded()...)
	}
	return Status{
		Ready:        n.gate.Ready(),
		InFlight:     atomic.LoadInt32(n.gate.ActiveRequests()),
		LoadedModels: loaded,
	}
}

// Unload resolves name to a descriptor and unloads it from whichever
// manager currently holds it resident, for the CLI "noded stop" command.
// It returns false if the model resolves but isn't currently loaded.
func (n *Node) Unload(ctx context.Context, name string) (bool, error) {
	descriptor, err := n.resolve.ResolveContext(ctx, name)
	if err != nil {
		return false, err
	}
	for _, mgr := range n.managers {
		if mgr.Unload(descriptor.PrimaryPath) {
			return true, nil
		}
	}
	return false, nil
}

func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
