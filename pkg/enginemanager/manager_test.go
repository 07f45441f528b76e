package enginemanager

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/logging"
	"github.com/dockerlabs/noded/pkg/model"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

// stubEngine counts loads/unloads per path and can be told to fail the
// next load with an arbitrary error, or to report OOM_VRAM once.
type stubEngine struct {
	mu          sync.Mutex
	loads       int32
	unloads     int32
	vramBytes   uint64
	failOOMOnce bool
	loadDelay   time.Duration
}

func (s *stubEngine) Runtime() string { return "stub" }

func (s *stubEngine) SupportsTextGeneration() bool { return true }
func (s *stubEngine) SupportsEmbeddings() bool     { return false }
func (s *stubEngine) SupportsASR() bool            { return false }
func (s *stubEngine) SupportsTTS() bool             { return false }
func (s *stubEngine) SupportsImage() bool           { return false }

func (s *stubEngine) LoadModel(ctx context.Context, d model.Descriptor) (engine.LoadResult, error) {
	if s.loadDelay > 0 {
		time.Sleep(s.loadDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOOMOnce {
		s.failOOMOnce = false
		return engine.LoadResult{}, engine.NewError(engine.KindOOMVRAM, nil)
	}
	atomic.AddInt32(&s.loads, 1)
	return engine.LoadResult{VRAMBytes: s.vramBytes}, nil
}

func (s *stubEngine) UnloadModel(d model.Descriptor) error {
	atomic.AddInt32(&s.unloads, 1)
	return nil
}

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

func makeModelFile(t *testing.T, root, name string) model.Descriptor {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return model.Descriptor{Name: name, PrimaryPath: path}
}

func TestManager_Acquire_CachesLoadedModel(t *testing.T) {
	root := t.TempDir()
	desc := makeModelFile(t, root, "a.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{}, testLogger())

	h1, err := mgr.Acquire(context.Background(), desc)
	require.NoError(t, err)
	h2, err := mgr.Acquire(context.Background(), desc)
	require.NoError(t, err)
	h1.Release()
	h2.Release()

	assert.EqualValues(t, 1, atomic.LoadInt32(&eng.loads))
}

func TestManager_Acquire_RejectsPathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	desc := makeModelFile(t, outside, "b.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{}, testLogger())

	_, err := mgr.Acquire(context.Background(), desc)
	require.Error(t, err)
}

func TestManager_Acquire_RejectsUnsupportedExtension(t *testing.T) {
	root := t.TempDir()
	desc := makeModelFile(t, root, "b.txt")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{}, testLogger())

	_, err := mgr.Acquire(context.Background(), desc)
	require.Error(t, err)
}

func TestManager_Acquire_EvictsLRUWhenCountExceeded(t *testing.T) {
	root := t.TempDir()
	descA := makeModelFile(t, root, "a.gguf")
	descB := makeModelFile(t, root, "b.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{MaxLoadedModels: 1}, testLogger())

	hA, err := mgr.Acquire(context.Background(), descA)
	require.NoError(t, err)
	hA.Release()

	_, err = mgr.Acquire(context.Background(), descB)
	require.NoError(t, err)

	assert.Len(t, mgr.Loaded(), 1)
	assert.EqualValues(t, 1, atomic.LoadInt32(&eng.unloads))
}

func TestManager_Acquire_RefusesEvictionWhileInUse(t *testing.T) {
	root := t.TempDir()
	descA := makeModelFile(t, root, "a.gguf")
	descB := makeModelFile(t, root, "b.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{MaxLoadedModels: 1}, testLogger())

	hA, err := mgr.Acquire(context.Background(), descA)
	require.NoError(t, err)
	defer hA.Release()

	_, err = mgr.Acquire(context.Background(), descB)
	require.Error(t, err)
	var oomErr *OOMError
	require.ErrorAs(t, err, &oomErr)
}

func TestManager_Acquire_RetriesOnceAfterOOMVRAM(t *testing.T) {
	root := t.TempDir()
	descA := makeModelFile(t, root, "a.gguf")
	descB := makeModelFile(t, root, "b.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{}, testLogger())

	hA, err := mgr.Acquire(context.Background(), descA)
	require.NoError(t, err)
	hA.Release()

	eng.failOOMOnce = true
	hB, err := mgr.Acquire(context.Background(), descB)
	require.NoError(t, err)
	hB.Release()

	assert.EqualValues(t, 1, atomic.LoadInt32(&eng.unloads))
}

func TestManager_Unload(t *testing.T) {
	root := t.TempDir()
	desc := makeModelFile(t, root, "a.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{}, testLogger())

	h, err := mgr.Acquire(context.Background(), desc)
	require.NoError(t, err)
	h.Release()

	assert.True(t, mgr.Unload(desc.PrimaryPath))
	assert.False(t, mgr.Unload(desc.PrimaryPath))
	assert.EqualValues(t, 1, atomic.LoadInt32(&eng.unloads))
}

func TestManager_IdleSweep_UnloadsOnlyIdleRefcountZero(t *testing.T) {
	root := t.TempDir()
	desc := makeModelFile(t, root, "a.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{IdleTimeout: time.Millisecond}, testLogger())

	h, err := mgr.Acquire(context.Background(), desc)
	require.NoError(t, err)
	h.Release()

	time.Sleep(5 * time.Millisecond)
	mgr.sweepIdle()

	assert.Len(t, mgr.Loaded(), 0)
}

func TestManager_RestartSweep_ForcesUnloadAfterRequestLimit(t *testing.T) {
	root := t.TempDir()
	desc := makeModelFile(t, root, "a.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{RestartRequestLimit: 2}, testLogger())

	for i := 0; i < 2; i++ {
		h, err := mgr.Acquire(context.Background(), desc)
		require.NoError(t, err)
		h.Release()
	}
	require.Len(t, mgr.Loaded(), 1)

	mgr.sweepRestart()

	assert.Len(t, mgr.Loaded(), 0)
}

func TestManager_RestartSweep_LeavesModelUnderRequestLimit(t *testing.T) {
	root := t.TempDir()
	desc := makeModelFile(t, root, "a.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{RestartRequestLimit: 5}, testLogger())

	h, err := mgr.Acquire(context.Background(), desc)
	require.NoError(t, err)
	h.Release()

	mgr.sweepRestart()

	assert.Len(t, mgr.Loaded(), 1)
}

func TestManager_RestartSweep_SkipsInUseModel(t *testing.T) {
	root := t.TempDir()
	desc := makeModelFile(t, root, "a.gguf")
	eng := &stubEngine{}
	mgr := New(eng, root, Config{RestartInterval: time.Millisecond}, testLogger())

	h, err := mgr.Acquire(context.Background(), desc)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	mgr.sweepRestart()
	assert.Len(t, mgr.Loaded(), 1, "in-use model must not be force-restarted")

	h.Release()
}
