package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerlabs/noded/pkg/engine"
	"github.com/dockerlabs/noded/pkg/model"
)

// stubEngine is a minimal engine.Engine used only to distinguish
// registrations by identity in assertions.
type stubEngine struct {
	runtime string
}

func (s *stubEngine) Runtime() string                { return s.runtime }
func (s *stubEngine) SupportsTextGeneration() bool    { return true }
func (s *stubEngine) SupportsEmbeddings() bool        { return false }
func (s *stubEngine) SupportsASR() bool               { return false }
func (s *stubEngine) SupportsTTS() bool               { return false }
func (s *stubEngine) SupportsImage() bool             { return false }
func (s *stubEngine) LoadModel(context.Context, model.Descriptor) (engine.LoadResult, error) {
	return engine.LoadResult{}, nil
}
func (s *stubEngine) UnloadModel(model.Descriptor) error { return nil }
func (s *stubEngine) GenerateChat(context.Context, []engine.ChatMessage, model.Descriptor, engine.Params) (string, error) {
	return "", nil
}
func (s *stubEngine) GenerateCompletion(context.Context, string, model.Descriptor, engine.Params) (string, error) {
	return "", nil
}
func (s *stubEngine) GenerateChatStream(context.Context, []engine.ChatMessage, model.Descriptor, engine.Params, engine.TokenSink) (string, error) {
	return "", nil
}
func (s *stubEngine) GenerateEmbeddings(context.Context, []string, model.Descriptor) ([][]float32, error) {
	return nil, nil
}
func (s *stubEngine) GetModelMaxContext(model.Descriptor) (int, error) { return 0, nil }

func TestRegistry_Resolve_FiltersByFormat(t *testing.T) {
	reg := New("cuda")
	gguf := &stubEngine{runtime: "llama_cpp"}
	require.NoError(t, reg.Register(Registration{EngineID: "gguf-engine", Runtime: "llama_cpp", Formats: []string{"gguf"}, Engine: gguf}))

	_, err := reg.Resolve(model.Descriptor{Runtime: "llama_cpp", Format: "safetensors"}, "")
	require.Error(t, err)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "format", resErr.FailedStep)

	got, err := reg.Resolve(model.Descriptor{Runtime: "llama_cpp", Format: "gguf"}, "")
	require.NoError(t, err)
	assert.Same(t, gguf, got)
}

func TestRegistry_Resolve_UnknownRuntime(t *testing.T) {
	reg := New("cuda")
	_, err := reg.Resolve(model.Descriptor{Runtime: "nonexistent"}, "")
	require.Error(t, err)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "runtime", resErr.FailedStep)
}

func TestRegistry_Resolve_CapabilityFilter(t *testing.T) {
	reg := New("cuda")
	e := &stubEngine{runtime: "llama_cpp"}
	require.NoError(t, reg.Register(Registration{
		EngineID: "e1", Runtime: "llama_cpp",
		Capabilities: []engine.Capability{engine.CapabilityText},
		Engine:       e,
	}))

	_, err := reg.Resolve(model.Descriptor{Runtime: "llama_cpp"}, engine.CapabilityEmbeddings)
	require.Error(t, err)

	got, err := reg.Resolve(model.Descriptor{Runtime: "llama_cpp"}, engine.CapabilityText)
	require.NoError(t, err)
	assert.Same(t, e, got)
}

func TestRegistry_Resolve_GPUTargetFilter(t *testing.T) {
	reg := New("cpu")
	e := &stubEngine{runtime: "llama_cpp"}
	require.NoError(t, reg.Register(Registration{EngineID: "e1", Runtime: "llama_cpp", GPUTargets: []string{"cuda"}, Engine: e}))

	_, err := reg.Resolve(model.Descriptor{Runtime: "llama_cpp"}, "")
	require.Error(t, err)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "gpu_targets", resErr.FailedStep)
}

func TestRegistry_Resolve_TieBreak_BenchmarkScore(t *testing.T) {
	reg := New("cuda")
	fast := &stubEngine{runtime: "llama_cpp"}
	slow := &stubEngine{runtime: "llama_cpp"}
	require.NoError(t, reg.Register(Registration{EngineID: "fast", Runtime: "llama_cpp", Engine: fast}))
	require.NoError(t, reg.Register(Registration{EngineID: "slow", Runtime: "llama_cpp", Engine: slow}))

	desc := model.Descriptor{
		Runtime: "llama_cpp",
		Metadata: model.Metadata{
			Benchmarks: model.Benchmarks{EngineScores: map[string]float64{"fast": 0.95, "slow": 0.2}},
		},
	}
	got, err := reg.Resolve(desc, "")
	require.NoError(t, err)
	assert.Same(t, fast, got)
}

func TestRegistry_Resolve_TieBreak_PluginOverBuiltin(t *testing.T) {
	reg := New("cuda")
	builtin := &stubEngine{runtime: "llama_cpp"}
	plugin := &stubEngine{runtime: "llama_cpp"}
	require.NoError(t, reg.Register(Registration{EngineID: "builtin", Runtime: "llama_cpp", Engine: builtin, IsPlugin: false}))
	require.NoError(t, reg.Register(Registration{EngineID: "plugin", Runtime: "llama_cpp", Engine: plugin, IsPlugin: true}))

	got, err := reg.Resolve(model.Descriptor{Runtime: "llama_cpp"}, "")
	require.NoError(t, err)
	assert.Same(t, plugin, got)
}

func TestRegistry_Resolve_TieBreak_RegistrationOrder(t *testing.T) {
	reg := New("cuda")
	first := &stubEngine{runtime: "llama_cpp"}
	second := &stubEngine{runtime: "llama_cpp"}
	require.NoError(t, reg.Register(Registration{EngineID: "first", Runtime: "llama_cpp", Engine: first}))
	require.NoError(t, reg.Register(Registration{EngineID: "second", Runtime: "llama_cpp", Engine: second}))

	got, err := reg.Resolve(model.Descriptor{Runtime: "llama_cpp"}, "")
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestRegistry_Register_DuplicateEngineIDRejected(t *testing.T) {
	reg := New("cuda")
	e := &stubEngine{runtime: "llama_cpp"}
	require.NoError(t, reg.Register(Registration{EngineID: "dup", Runtime: "llama_cpp", Engine: e}))
	err := reg.Register(Registration{EngineID: "dup", Runtime: "llama_cpp", Engine: e})
	require.Error(t, err)
}

func TestRegistry_Unregister(t *testing.T) {
	reg := New("cuda")
	e := &stubEngine{runtime: "llama_cpp"}
	require.NoError(t, reg.Register(Registration{EngineID: "e1", Runtime: "llama_cpp", Engine: e}))
	reg.Unregister("e1")

	_, err := reg.Resolve(model.Descriptor{Runtime: "llama_cpp"}, "")
	require.Error(t, err)

	require.NoError(t, reg.Register(Registration{EngineID: "e1", Runtime: "llama_cpp", Engine: e}))
}
