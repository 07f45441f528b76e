package resource

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerlabs/noded/pkg/logging"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

func TestMonitor_Tick_EvictsUntilWatermarkRelieved(t *testing.T) {
	used := uint64(95)
	vram := &atomicVRAM{used: used, total: 100}

	var active int32
	evictions := 0
	evict := func() bool {
		evictions++
		atomic.AddUint64(&vram.used, ^uint64(9)) // used -= 10
		return evictions < 5
	}

	m := New(Config{Watermark: 0.90}, vram, &active, evict, testLogger())
	m.tick()

	assert.GreaterOrEqual(t, evictions, 1)
}

func TestMonitor_Tick_SkipsEvictionWhileRequestsInFlight(t *testing.T) {
	vram := &atomicVRAM{used: 99, total: 100}
	var active int32 = 1
	called := false
	evict := func() bool { called = true; return true }

	m := New(Config{Watermark: 0.90}, vram, &active, evict, testLogger())
	m.tick()

	assert.False(t, called)
}

func TestMonitor_Tick_NoEvictionBelowWatermark(t *testing.T) {
	vram := &atomicVRAM{used: 10, total: 100}
	var active int32
	called := false
	evict := func() bool { called = true; return true }

	m := New(Config{Watermark: 0.90}, vram, &active, evict, testLogger())
	m.tick()

	assert.False(t, called)
}

func TestMonitor_Run_StopsOnContextCancel(t *testing.T) {
	vram := &atomicVRAM{used: 1, total: 100}
	m := New(Config{Interval: time.Millisecond, Watermark: 0.90}, vram, nil, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.VRAMTotal, uint64(0))
}

// atomicVRAM lets tests mutate usage between eviction calls.
type atomicVRAM struct {
	used, total uint64
}

func (v *atomicVRAM) Sample() (uint64, uint64, error) {
	return atomic.LoadUint64(&v.used), atomic.LoadUint64(&v.total), nil
}
