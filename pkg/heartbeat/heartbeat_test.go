package heartbeat

import (
	"context"
	"encoding/json"
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

	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/enginemanager"
	"github.com/dockerlabs/noded/pkg/logging"
	"github.com/dockerlabs/noded/pkg/model"
	"github.com/dockerlabs/noded/pkg/resource"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

type stubEngine struct {
	runtime string
	text    bool
	embed   bool
}

func (s *stubEngine) Runtime() string                { return s.runtime }
func (s *stubEngine) SupportsTextGeneration() bool    { return s.text }
func (s *stubEngine) SupportsEmbeddings() bool        { return s.embed }
func (s *stubEngine) SupportsASR() bool               { return false }
func (s *stubEngine) SupportsTTS() bool               { return false }
func (s *stubEngine) SupportsImage() bool             { return false }
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

func writeModelDir(t *testing.T, root, name string) model.Descriptor {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(path, []byte("gguf"), 0o644))
	return model.Descriptor{Name: name, Runtime: "llama_cpp", Format: "gguf", PrimaryPath: path, ModelDir: dir}
}

func managerWithLoadedModel(t *testing.T, eng *stubEngine) *enginemanager.Manager {
	t.Helper()
	root := t.TempDir()
	desc := writeModelDir(t, root, "m")
	mgr := enginemanager.New(eng, root, enginemanager.Config{}, testLogger())
	_, err := mgr.Acquire(context.Background(), desc)
	require.NoError(t, err)
	return mgr
}

func TestLoadedModelsByModality_GroupsByEngineCapability(t *testing.T) {
	textEngine := &stubEngine{runtime: "llama_cpp", text: true}
	embedEngine := &stubEngine{runtime: "embed_engine", embed: true}

	managers := map[string]*enginemanager.Manager{
		"llama_cpp":    managerWithLoadedModel(t, textEngine),
		"embed_engine": managerWithLoadedModel(t, embedEngine),
	}

	grouped := LoadedModelsByModality(managers)
	assert.Len(t, grouped["text"], 1)
	assert.Len(t, grouped["embeddings"], 1)
	assert.Empty(t, grouped["asr"])
}

func TestWorker_Register_Success_RecordsNodeToken(t *testing.T) {
	var gotBody RegistrationPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "/v0/nodes", r.URL.Path)
		json.NewEncoder(w).Encode(registrationResponse{NodeID: "node-1", NodeToken: "tok-1"})
	}))
	defer srv.Close()

	w := New(Config{RouterBaseURL: srv.URL, MachineName: "box-1"}, testLogger())
	standalone, err := w.Register(context.Background(), resource.GPUInventory{Available: true, Count: 1}, []string{"llama_cpp"})
	require.NoError(t, err)
	assert.False(t, standalone)
	assert.Equal(t, "tok-1", w.NodeToken())
	assert.Equal(t, "box-1", gotBody.MachineName)
	assert.True(t, gotBody.GPUAvailable)
}

func TestWorker_Register_ExhaustsRetriesThenStandalone(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	worker := New(Config{RouterBaseURL: srv.URL}, testLogger())
	standalone, err := worker.Register(context.Background(), resource.GPUInventory{}, nil)
	require.NoError(t, err)
	assert.True(t, standalone)
	assert.Equal(t, "", worker.NodeToken())
	assert.EqualValues(t, registerAttempts, attempts)
}

func TestWorker_Register_StopsRetryingOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	worker := New(Config{RouterBaseURL: srv.URL}, testLogger())
	standalone, err := worker.Register(ctx, resource.GPUInventory{}, nil)
	require.NoError(t, err)
	assert.True(t, standalone)
}

func TestWorker_Tick_SendsNodeTokenHeaderAndPayload(t *testing.T) {
	var gotToken string
	var gotPayload HeartbeatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/health", r.URL.Path)
		gotToken = r.Header.Get("X-Node-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := New(Config{RouterBaseURL: srv.URL}, testLogger())
	worker.mu.Lock()
	worker.nodeToken = "tok-xyz"
	worker.mu.Unlock()

	textEngine := &stubEngine{runtime: "llama_cpp", text: true}
	managers := map[string]*enginemanager.Manager{"llama_cpp": managerWithLoadedModel(t, textEngine)}

	worker.tick(context.Background(), managers, []string{"llama_cpp"},
		func() resource.Snapshot { return resource.Snapshot{MemUsed: 10, MemTotal: 100} },
		func() SyncStatus { return SyncStatus{State: "up_to_date"} },
	)

	assert.Equal(t, "tok-xyz", gotToken)
	assert.Equal(t, "up_to_date", gotPayload.SyncState)
	assert.Len(t, gotPayload.LoadedModels["text"], 1)
	assert.EqualValues(t, 10, gotPayload.Resources.MemUsed)
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := New(Config{RouterBaseURL: srv.URL, Interval: 5 * time.Millisecond}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx, nil, nil,
			func() resource.Snapshot { return resource.Snapshot{} },
			func() SyncStatus { return SyncStatus{} },
		)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
