package sizer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecommendStartsConservative(t *testing.T) {
	t.Parallel()
	s := New()
	got := s.Recommend("alice", 16)
	assert.Equal(t, initialChunk, got)
}

func TestRecommendNeverExceedsAllocation(t *testing.T) {
	t.Parallel()
	s := New()
	for i := 0; i < 20; i++ {
		s.RecordObservation("alice", 100*time.Millisecond)
		got := s.Recommend("alice", 3)
		assert.LessOrEqual(t, got, 3)
		assert.GreaterOrEqual(t, got, 1)
	}
}

func TestRecommendAdditiveIncreaseWhenHealthy(t *testing.T) {
	t.Parallel()
	s := New()
	prev := s.Recommend("alice", 32)
	for i := 0; i < 5; i++ {
		s.RecordObservation("alice", 200*time.Millisecond)
		got := s.Recommend("alice", 32)
		assert.Equal(t, prev+1, got, "stable latency should grow the chunk by one")
		prev = got
	}
}

func TestRecommendHalvesOnThrottle(t *testing.T) {
	t.Parallel()
	s := New()
	for i := 0; i < 6; i++ {
		s.RecordObservation("alice", 100*time.Millisecond)
		s.Recommend("alice", 32)
	}
	before := s.Recommend("alice", 32)

	s.RecordThrottle("alice")
	after := s.Recommend("alice", 32)
	assert.LessOrEqual(t, after, before/2+1)
	assert.Less(t, after, before)
}

func TestRecommendShrinksOnLatencyDegradation(t *testing.T) {
	t.Parallel()
	s := New()
	for i := 0; i < 8; i++ {
		s.RecordObservation("alice", 100*time.Millisecond)
		s.Recommend("alice", 32)
	}
	before := s.Recommend("alice", 32)

	// latency jumps well past the degradation factor
	for i := 0; i < 8; i++ {
		s.RecordObservation("alice", 5*time.Second)
	}
	after := s.Recommend("alice", 32)
	assert.Less(t, after, before, "rising latency must never grow the chunk")
}

func TestRecommendMonotoneBackoffUnderSustainedDegradation(t *testing.T) {
	t.Parallel()
	s := New()
	for i := 0; i < 10; i++ {
		s.RecordObservation("alice", 100*time.Millisecond)
		s.Recommend("alice", 64)
	}

	prev := s.Recommend("alice", 64)
	latency := time.Second
	for i := 0; i < 5; i++ {
		latency *= 3
		for j := 0; j < 4; j++ {
			s.RecordObservation("alice", latency)
		}
		s.RecordThrottle("alice")
		got := s.Recommend("alice", 64)
		assert.LessOrEqual(t, got, prev, "degrading window %d must not grow", i)
		prev = got
	}
	assert.GreaterOrEqual(t, prev, 1)
}

func TestPerUserIsolation(t *testing.T) {
	t.Parallel()
	s := New()

	// bob's remote calls melt down while alice stays healthy
	var bob int
	for i := 0; i < 5; i++ {
		s.RecordObservation("bob", 30*time.Second)
		s.RecordThrottle("bob")
		bob = s.Recommend("bob", 32)
	}

	var alice int
	for i := 0; i < 5; i++ {
		s.RecordObservation("alice", 100*time.Millisecond)
		alice = s.Recommend("alice", 32)
	}

	assert.Equal(t, 1, bob)
	assert.Greater(t, alice, bob, "bob's meltdown must not throttle alice")
}

func TestResetDropsHistory(t *testing.T) {
	t.Parallel()
	s := New()
	for i := 0; i < 10; i++ {
		s.RecordObservation("alice", 100*time.Millisecond)
		s.Recommend("alice", 32)
	}
	s.Reset("alice")
	assert.Equal(t, initialChunk, s.Recommend("alice", 32))
}

func TestConcurrentFirstObservationsShareOneState(t *testing.T) {
	t.Parallel()
	s := New()

	// A fresh user's first chunk reports all land at once; none of the
	// observations may be lost to a replaced state.
	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordObservation("alice", 100*time.Millisecond)
		}()
	}
	wg.Wait()

	st := s.state("alice")
	st.mu.Lock()
	observed := st.observed
	st.mu.Unlock()
	assert.Equal(t, n, observed)
}
