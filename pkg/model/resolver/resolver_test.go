package resolver

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRouter struct {
	content string
	err     error
}

func (s *stubRouter) FetchBlob(_ context.Context, _ string, dst io.Writer) error {
	if s.err != nil {
		return s.err
	}
	_, err := io.Copy(dst, strings.NewReader(s.content))
	return err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestResolver_Resolve_LocalTier(t *testing.T) {
	local := t.TempDir()
	writeFile(t, filepath.Join(local, "m", "model.gguf"), "bytes")

	r := New(local, "", nil)
	desc, err := r.Resolve(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(local, "m", "model.gguf"), desc.PrimaryPath)
}

func TestResolver_Resolve_SharedTierFallback(t *testing.T) {
	local := t.TempDir()
	shared := t.TempDir()
	writeFile(t, filepath.Join(shared, "m", "model.gguf"), "bytes")

	r := New(local, shared, nil)
	desc, err := r.Resolve(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(shared, "m", "model.gguf"), desc.PrimaryPath)
}

func TestResolver_Resolve_RouterTierDownloads(t *testing.T) {
	local := t.TempDir()
	router := &stubRouter{content: "downloaded-bytes"}

	r := New(local, "", router)
	desc, err := r.Resolve(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(local, "m", "model.gguf"), desc.PrimaryPath)

	data, err := os.ReadFile(desc.PrimaryPath)
	require.NoError(t, err)
	assert.Equal(t, "downloaded-bytes", string(data))
}

func TestResolver_Resolve_AllTiersFail(t *testing.T) {
	local := t.TempDir()
	router := &stubRouter{err: errors.New("network down")}

	r := New(local, t.TempDir(), router)
	_, err := r.Resolve(context.Background(), "missing")
	require.Error(t, err)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, []Tier{TierLocal, TierShared, TierRouter}, notFound.TriedTiers)
}

func TestResolver_Resolve_NoRouterConfigured(t *testing.T) {
	local := t.TempDir()
	r := New(local, "", nil)
	_, err := r.Resolve(context.Background(), "missing")
	require.Error(t, err)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, []Tier{TierLocal}, notFound.TriedTiers)
}
