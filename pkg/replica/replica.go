// Package replica tracks, per model, which GPU-backed replicas exist and
// round-robins inference requests across the ones currently available
// (spec.md §4.11).
package replica

import "sync"

// Status is a replica's current availability.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

// Replica is one GPU-backed serving slot for a model.
type Replica struct {
	GPUID  string
	Status Status
}

type modelReplicas struct {
	list      []Replica
	nextIndex int
}

// Manager maintains, per model name, an ordered replica list and a
// round-robin cursor.
type Manager struct {
	mu     sync.Mutex
	models map[string]*modelReplicas
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{models: make(map[string]*modelReplicas)}
}

// AddReplica appends gpuID to model's replica list as Available. Idempotent:
// re-adding an already-present gpuID is a no-op.
func (m *Manager) AddReplica(model, gpuID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr := m.modelLocked(model)
	for _, r := range mr.list {
		if r.GPUID == gpuID {
			return
		}
	}
	mr.list = append(mr.list, Replica{GPUID: gpuID, Status: StatusAvailable})
}

// RemoveReplica removes gpuID from model's replica list. Idempotent:
// removing an absent gpuID is a no-op. Removing an entry before
// next_index shifts the cursor back so round-robin doesn't skip a
// replica.
func (m *Manager) RemoveReplica(model, gpuID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.models[model]
	if !ok {
		return
	}
	for i, r := range mr.list {
		if r.GPUID != gpuID {
			continue
		}
		mr.list = append(mr.list[:i], mr.list[i+1:]...)
		if mr.nextIndex > i {
			mr.nextIndex--
		}
		return
	}
}

// SetStatus updates gpuID's status for model. A no-op if the replica
// isn't registered.
func (m *Manager) SetStatus(model, gpuID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.models[model]
	if !ok {
		return
	}
	for i := range mr.list {
		if mr.list[i].GPUID == gpuID {
			mr.list[i].Status = status
			return
		}
	}
}

// SelectNextReplica scans model's replica list starting at the
// round-robin cursor for up to len(list) positions, skipping
// non-Available entries. On finding one, it advances the cursor past the
// chosen entry and returns its GPU id; otherwise it returns ("", false).
func (m *Manager) SelectNextReplica(model string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.models[model]
	if !ok || len(mr.list) == 0 {
		return "", false
	}

	n := len(mr.list)
	for i := 0; i < n; i++ {
		idx := (mr.nextIndex + i) % n
		if mr.list[idx].Status == StatusAvailable {
			mr.nextIndex = (idx + 1) % n
			return mr.list[idx].GPUID, true
		}
	}
	return "", false
}

// GetAvailableGpus returns the set of GPU ids whose replicas are
// Available for model.
func (m *Manager) GetAvailableGpus(model string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	mr, ok := m.models[model]
	if !ok {
		return nil
	}
	var out []string
	for _, r := range mr.list {
		if r.Status == StatusAvailable {
			out = append(out, r.GPUID)
		}
	}
	return out
}

// modelLocked returns model's replica state, creating it if absent.
// Caller must hold m.mu.
func (m *Manager) modelLocked(model string) *modelReplicas {
	mr, ok := m.models[model]
	if !ok {
		mr = &modelReplicas{}
		m.models[model] = mr
	}
	return mr
}
