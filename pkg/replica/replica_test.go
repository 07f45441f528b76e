package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager_AddReplica_Idempotent(t *testing.T) {
	m := New()
	m.AddReplica("llama3", "gpu0")
	m.AddReplica("llama3", "gpu0")
	assert.Equal(t, []string{"gpu0"}, m.GetAvailableGpus("llama3"))
}

func TestManager_RemoveReplica_Idempotent(t *testing.T) {
	m := New()
	m.AddReplica("llama3", "gpu0")
	m.RemoveReplica("llama3", "gpu0")
	m.RemoveReplica("llama3", "gpu0")
	assert.Empty(t, m.GetAvailableGpus("llama3"))
}

func TestManager_SelectNextReplica_RoundRobins(t *testing.T) {
	m := New()
	m.AddReplica("llama3", "gpu0")
	m.AddReplica("llama3", "gpu1")
	m.AddReplica("llama3", "gpu2")

	var picks []string
	for i := 0; i < 4; i++ {
		gpu, ok := m.SelectNextReplica("llama3")
		assert.True(t, ok)
		picks = append(picks, gpu)
	}
	assert.Equal(t, []string{"gpu0", "gpu1", "gpu2", "gpu0"}, picks)
}

func TestManager_SelectNextReplica_SkipsUnavailable(t *testing.T) {
	m := New()
	m.AddReplica("llama3", "gpu0")
	m.AddReplica("llama3", "gpu1")
	m.SetStatus("llama3", "gpu0", StatusUnavailable)

	gpu, ok := m.SelectNextReplica("llama3")
	assert.True(t, ok)
	assert.Equal(t, "gpu1", gpu)
}

func TestManager_SelectNextReplica_NoneAvailable(t *testing.T) {
	m := New()
	m.AddReplica("llama3", "gpu0")
	m.SetStatus("llama3", "gpu0", StatusUnavailable)

	_, ok := m.SelectNextReplica("llama3")
	assert.False(t, ok)
}

func TestManager_SelectNextReplica_UnknownModel(t *testing.T) {
	m := New()
	_, ok := m.SelectNextReplica("nope")
	assert.False(t, ok)
}

func TestManager_GetAvailableGpus_FiltersUnavailable(t *testing.T) {
	m := New()
	m.AddReplica("llama3", "gpu0")
	m.AddReplica("llama3", "gpu1")
	m.SetStatus("llama3", "gpu1", StatusUnavailable)

	assert.Equal(t, []string{"gpu0"}, m.GetAvailableGpus("llama3"))
}
