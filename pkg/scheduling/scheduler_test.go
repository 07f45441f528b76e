package scheduling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Step_PrefillsThenDecodesOnce(t *testing.T) {
	s := New()
	var order []string

	s.Enqueue(Request{
		Prefill:    func() error { order = append(order, "prefill-a"); return nil },
		DecodeStep: func() bool { order = append(order, "decode-a"); return false },
	})
	s.Enqueue(Request{
		Prefill:    func() error { order = append(order, "prefill-b"); return nil },
		DecodeStep: func() bool { order = append(order, "decode-b"); return false },
	})

	require.NoError(t, s.Step())
	assert.Equal(t, []string{"prefill-a", "prefill-b", "decode-a", "decode-b"}, order)
	assert.True(t, s.Empty())
}

func TestScheduler_Step_KeepsSurvivingRequestsAcrossSteps(t *testing.T) {
	s := New()
	ticks := 0
	s.Enqueue(Request{
		Prefill: func() error { return nil },
		DecodeStep: func() bool {
			ticks++
			return ticks < 3
		},
	})

	require.NoError(t, s.Step()) // prefill + decode tick 1
	assert.False(t, s.Empty())
	require.NoError(t, s.Step()) // decode tick 2
	assert.False(t, s.Empty())
	require.NoError(t, s.Step()) // decode tick 3, removed
	assert.True(t, s.Empty())
	assert.Equal(t, 3, ticks)
}

func TestScheduler_Step_PreservesEnqueueOrderAmongSurvivors(t *testing.T) {
	s := New()
	var decodeOrder []string
	mk := func(name string, survive int) Request {
		calls := 0
		return Request{
			Prefill: func() error { return nil },
			DecodeStep: func() bool {
				calls++
				decodeOrder = append(decodeOrder, name)
				return calls < survive
			},
		}
	}
	s.Enqueue(mk("a", 1))
	s.Enqueue(mk("b", 2))
	s.Enqueue(mk("c", 1))

	require.NoError(t, s.Step())
	decodeOrder = nil
	require.NoError(t, s.Step())
	assert.Equal(t, []string{"b"}, decodeOrder)
}

func TestScheduler_Step_NoPrefillOrDecode_IsNoop(t *testing.T) {
	s := New()
	require.NoError(t, s.Step())
	assert.True(t, s.Empty())
}

func TestScheduler_Step_PrefillErrorStopsBeforeDecode(t *testing.T) {
	s := New()
	decodeCalled := false
	s.Enqueue(Request{
		Prefill:    func() error { return assert.AnError },
		DecodeStep: func() bool { decodeCalled = true; return false },
	})

	err := s.Step()
	require.Error(t, err)
	assert.False(t, decodeCalled)
}

func TestScheduler_Drain_LoopsUntilEmpty(t *testing.T) {
	s := New()
	ticks := 0
	s.Enqueue(Request{
		Prefill: func() error { return nil },
		DecodeStep: func() bool {
			ticks++
			return ticks < 5
		},
	})

	require.NoError(t, s.Drain())
	assert.True(t, s.Empty())
	assert.Equal(t, 5, ticks)
}

func TestScheduler_Depth_CountsQueuedAndBatchedRequests(t *testing.T) {
	s := New()
	assert.Equal(t, 0, s.Depth())

	s.Enqueue(Request{
		Prefill:    func() error { return nil },
		DecodeStep: func() bool { return true },
	})
	s.Enqueue(Request{
		Prefill:    func() error { return nil },
		DecodeStep: func() bool { return true },
	})
	assert.Equal(t, 2, s.Depth())

	require.NoError(t, s.Step())
	assert.Equal(t, 2, s.Depth(), "both requests survive into the decode batch")
}
