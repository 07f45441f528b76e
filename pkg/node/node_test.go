package node

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerlabs/noded/pkg/config"
	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/engine/registry"
	"github.com/dockerlabs/noded/pkg/enginemanager"
	"github.com/dockerlabs/noded/pkg/logging"
	"github.com/dockerlabs/noded/pkg/metrics"
	"github.com/dockerlabs/noded/pkg/model"
	"github.com/dockerlabs/noded/pkg/readiness"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

// stubEngine is a minimal engine.Engine that always succeeds and never
// reports memory usage, enough to drive enginemanager.Manager.Acquire.
type stubEngine struct {
	runtime string
}

func (s *stubEngine) Runtime() string              { return s.runtime }
func (s *stubEngine) SupportsTextGeneration() bool  { return true }
func (s *stubEngine) SupportsEmbeddings() bool      { return false }
func (s *stubEngine) SupportsASR() bool             { return false }
func (s *stubEngine) SupportsTTS() bool              { return false }
func (s *stubEngine) SupportsImage() bool            { return false }
func (s *stubEngine) LoadModel(ctx context.Context, d model.Descriptor) (engine.LoadResult, error) {
	return engine.LoadResult{}, nil
}
func (s *stubEngine) UnloadModel(d model.Descriptor) error { return nil }
func (s *stubEngine) GenerateChat(ctx context.Context, msgs []engine.ChatMessage, d model.Descriptor, p engine.Params) (string, error) {
	return "", nil
}
func (s *stubEngine) GenerateCompletion(ctx context.Context, prompt string, d model.Descriptor, p engine.Params) (string, error) {
	return "", nil
}
func (s *stubEngine) GenerateChatStream(ctx context.Context, msgs []engine.ChatMessage, d model.Descriptor, p engine.Params, sink engine.TokenSink) (string, error) {
	return "", nil
}
func (s *stubEngine) GenerateEmbeddings(ctx context.Context, inputs []string, d model.Descriptor) ([][]float32, error) {
	return nil, nil
}
func (s *stubEngine) GetModelMaxContext(d model.Descriptor) (int, error) { return 4096, nil }

func writeModelFile(t *testing.T, root, rel string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	root := t.TempDir()
	return &Node{
		cfg:      config.Config{ModelsDir: root},
		log:      testLogger(),
		storage:  model.NewStorage(root),
		resolve:  model.NewStorage(root),
		registry: registry.New("cpu"),
		gate:     readiness.New(),
		metrics:  metrics.New(),
	}
}

func TestRebuildManagers_DedupsByEngineID(t *testing.T) {
	n := newTestNode(t)
	eng := &stubEngine{runtime: "llama_cpp"}

	require.NoError(t, n.registry.Register(registry.Registration{
		EngineID: "llama-plugin", Runtime: "llama_cpp", Engine: eng,
	}))
	require.NoError(t, n.registry.Register(registry.Registration{
		EngineID: "llama-plugin", Runtime: "llama_cpp_alt", Engine: eng,
	}))

	n.rebuildManagers()

	assert.Len(t, n.managers, 1, "one engine_id registered under two runtimes should build one manager")
	require.NotNil(t, n.dispatch)
}

func TestEvictOnce_SelectsGloballyLeastRecentlyUsed(t *testing.T) {
	n := newTestNode(t)
	root := n.cfg.ModelsDir

	oldPath := writeModelFile(t, root, "old/model.gguf")
	newPath := writeModelFile(t, root, "new/model.gguf")

	mgrOld := enginemanager.New(&stubEngine{runtime: "a"}, root, enginemanager.Config{}, n.log)
	mgrNew := enginemanager.New(&stubEngine{runtime: "b"}, root, enginemanager.Config{}, n.log)

	ctx := context.Background()
	hOld, err := mgrOld.Acquire(ctx, model.Descriptor{PrimaryPath: oldPath})
	require.NoError(t, err)
	hOld.Release()

	time.Sleep(5 * time.Millisecond)

	hNew, err := mgrNew.Acquire(ctx, model.Descriptor{PrimaryPath: newPath})
	require.NoError(t, err)
	hNew.Release()

	n.managers = []*enginemanager.Manager{mgrNew, mgrOld}

	require.True(t, n.evictOnce())
	assert.Empty(t, mgrOld.Loaded(), "the older model across both managers should be evicted first")
	assert.Len(t, mgrNew.Loaded(), 1, "the more recently used model should survive")
}

func TestEvictOnce_NothingLoaded(t *testing.T) {
	n := newTestNode(t)
	mgr := enginemanager.New(&stubEngine{runtime: "a"}, n.cfg.ModelsDir, enginemanager.Config{}, n.log)
	n.managers = []*enginemanager.Manager{mgr}

	assert.False(t, n.evictOnce())
}

func TestStatus_ReportsReadyAndLoadedModels(t *testing.T) {
	n := newTestNode(t)
	root := n.cfg.ModelsDir
	path := writeModelFile(t, root, "m/model.gguf")

	mgr := enginemanager.New(&stubEngine{runtime: "a"}, root, enginemanager.Config{}, n.log)
	handle, err := mgr.Acquire(context.Background(), model.Descriptor{PrimaryPath: path})
	require.NoError(t, err)
	defer handle.Release()
	n.managers = []*enginemanager.Manager{mgr}
	n.gate.SetReady(true)

	status := n.Status()
	assert.True(t, status.Ready)
	require.Len(t, status.LoadedModels, 1)
	assert.Equal(t, int32(1), status.LoadedModels[0].RefCount)
}

func TestUnload_ResolvesAndEvictsFromOwningManager(t *testing.T) {
	n := newTestNode(t)
	root := n.cfg.ModelsDir
	path := writeModelFile(t, root, "m/model.gguf")

	mgr := enginemanager.New(&stubEngine{runtime: "llama_cpp"}, root, enginemanager.Config{}, n.log)
	handle, err := mgr.Acquire(context.Background(), model.Descriptor{PrimaryPath: path})
	require.NoError(t, err)
	handle.Release()
	n.managers = []*enginemanager.Manager{mgr}

	unloaded, err := n.Unload(context.Background(), "m")
	require.NoError(t, err)
	assert.True(t, unloaded)
	assert.Empty(t, mgr.Loaded())
}

func TestUnload_UnknownModel(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Unload(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestBuildMux_HealthAndStartupRoutes(t *testing.T) {
	n := newTestNode(t)
	n.rebuildManagers()

	mux := n.buildMux()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/startup", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "gate isn't ready yet")

	n.gate.SetReady(true)
	req = httptest.NewRequest(http.MethodGet, "/startup", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
