package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressIsLossy(t *testing.T) {
	s := NewStream(2)
	for i := 0; i < 5; i++ {
		s.EmitProgress(FrameProgress{Index: i})
	}

	// Two fit the buffer, three were dropped; emission never blocked.
	assert.Equal(t, int64(3), s.DroppedProgress())
	first := <-s.Progress()
	second := <-s.Progress()
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, 1, second.Index)
}

func TestLifecycleIsLossless(t *testing.T) {
	s := NewStream(1)
	for i := 0; i < 300; i++ {
		s.EmitLifecycle(Lifecycle{Kind: KindWarning, State: StateRunning})
	}

	// The channel buffer may overflow, the log never does.
	assert.Len(t, s.LifecycleLog(), 300)
}

func TestLifecycleDelivery(t *testing.T) {
	s := NewStream(1)
	s.EmitLifecycle(Lifecycle{Kind: KindTransition, State: StateReady})

	ev := <-s.Lifecycle()
	assert.Equal(t, KindTransition, ev.Kind)
	assert.Equal(t, StateReady, ev.State)
}
