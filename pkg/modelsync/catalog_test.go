package modelsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerlabs/noded/pkg/model"
)

func TestParseCatalog_BareArray(t *testing.T) {
	entries, err := ParseCatalog([]byte(`[{"name":"llama3"},{"id":"m2"}]`))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "llama3", entries[0].Key())
	assert.Equal(t, "m2", entries[1].Key())
}

func TestParseCatalog_Envelope(t *testing.T) {
	entries, err := ParseCatalog([]byte(`{"data":[{"name":"llama3"}]}`))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "llama3", entries[0].Key())
}

func TestParseCatalog_Invalid(t *testing.T) {
	_, err := ParseCatalog([]byte(`not json`))
	require.Error(t, err)
}

func TestDiffCatalog(t *testing.T) {
	entries := []CatalogEntry{{Name: "new-model"}, {Name: "existing-model"}}
	local := []model.Descriptor{{Name: "existing-model"}, {Name: "stale-model"}}

	diff := diffCatalog(entries, local)
	names := make([]string, len(diff.ToDownload))
	for i, e := range diff.ToDownload {
		names[i] = e.Key()
	}
	assert.ElementsMatch(t, []string{"new-model"}, names)
	assert.ElementsMatch(t, []string{"stale-model"}, diff.ToDelete)
}
