package sizer

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"call-audit-go/internal/logger"
)

const (
	// initialChunk is the conservative starting width for a user with no
	// latency history.
	initialChunk = 2

	// ewmaAlpha weights the most recent observation in the rolling latency
	// estimate.
	ewmaAlpha = 0.3

	// degradeFactor marks the estimate as degraded when it rises this much
	// above the previous window.
	degradeFactor = 1.5
)

// userState is the per-user latency history. Never shared across users: one
// user's slow files must not throttle anyone else's chunk size.
type userState struct {
	mu        sync.Mutex
	ewmaSec   float64
	windowSec float64 // EWMA at the end of the previous recommendation window
	chunk     int
	throttled bool
	observed  int
}

// Sizer recommends per-user concurrent dispatch widths using an
// additive-increase/multiplicative-decrease policy driven by observed
// per-file latency and remote throttling. Idle users are evicted after a
// period of inactivity.
type Sizer struct {
	users *cache.Cache
	log   *logger.Logger
}

func New() *Sizer {
	return &Sizer{
		users: cache.New(30*time.Minute, 10*time.Minute),
		log:   logger.New().WithComponent("sizer"),
	}
}

func (s *Sizer) state(userID string) *userState {
	for {
		if v, ok := s.users.Get(userID); ok {
			s.users.SetDefault(userID, v) // refresh inactivity window
			return v.(*userState)
		}
		// Add is first-writer-wins, so two goroutines racing on a fresh
		// user converge on one state instead of clobbering each other.
		st := &userState{chunk: initialChunk}
		if err := s.users.Add(userID, st, cache.DefaultExpiration); err == nil {
			s.log.WithField("user", userID).Debug("created sizer state")
			return st
		}
	}
}

// RecordObservation folds one completed file's elapsed time into the user's
// rolling latency estimate.
func (s *Sizer) RecordObservation(userID string, elapsed time.Duration) {
	st := s.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	sec := elapsed.Seconds()
	if st.observed == 0 {
		st.ewmaSec = sec
		st.windowSec = sec
	} else {
		st.ewmaSec = ewmaAlpha*sec + (1-ewmaAlpha)*st.ewmaSec
	}
	st.observed++
}

// RecordThrottle notes that the remote provider rejected a call for this
// user; the next recommendation shrinks multiplicatively.
func (s *Sizer) RecordThrottle(userID string) {
	st := s.state(userID)
	st.mu.Lock()
	st.throttled = true
	st.mu.Unlock()
}

// Recommend returns the next chunk width in [1, allocatedSlots]. It grows by
// one when recent latency is stable and no throttling was seen, and halves
// when latency degraded or the provider pushed back.
func (s *Sizer) Recommend(userID string, allocatedSlots int) int {
	if allocatedSlots < 1 {
		allocatedSlots = 1
	}
	st := s.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	degraded := st.throttled ||
		(st.windowSec > 0 && st.ewmaSec > st.windowSec*degradeFactor)

	if degraded {
		st.chunk = max(1, st.chunk/2)
	} else if st.observed > 0 {
		st.chunk++
	}
	st.throttled = false
	st.windowSec = st.ewmaSec

	if st.chunk > allocatedSlots {
		st.chunk = allocatedSlots
	}
	if st.chunk < 1 {
		st.chunk = 1
	}
	return st.chunk
}

// Reset drops a user's history, e.g. when a fresh batch begins.
func (s *Sizer) Reset(userID string) {
	s.users.Delete(userID)
}
