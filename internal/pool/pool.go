package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"call-audit-go/internal/logger"
)

// ErrResourceExhausted is returned when no slots become available within the
// bounded acquire wait. Callers retry at the job level; the pool never blocks
// a caller indefinitely.
var ErrResourceExhausted = errors.New("worker pool exhausted")

type Config struct {
	// TotalWorkers is the global compute worker capacity shared by all users.
	TotalWorkers int

	// APIConcurrency is the transcription provider's concurrency ceiling,
	// tracked independently of compute workers.
	APIConcurrency int

	// AcquireTimeout bounds how long Acquire waits for slots to free up.
	AcquireTimeout time.Duration
}

// ConfigFromEnv mirrors the provider account sizing: free accounts get a
// small remote ceiling, paid accounts a larger one, with explicit env
// overrides for both pools.
func ConfigFromEnv() Config {
	cfg := Config{
		TotalWorkers:   runtime.NumCPU(),
		APIConcurrency: 5,
		AcquireTimeout: 30 * time.Second,
	}
	if os.Getenv("TRANSCRIBE_ACCOUNT_TYPE") == "paid" {
		cfg.APIConcurrency = 20
	}
	if v, err := strconv.Atoi(os.Getenv("MAX_WORKERS")); err == nil && v > 0 {
		cfg.TotalWorkers = v
	}
	if v, err := strconv.Atoi(os.Getenv("REMOTE_API_CONCURRENCY")); err == nil && v > 0 {
		cfg.APIConcurrency = v
	}
	if v, err := strconv.Atoi(os.Getenv("POOL_ACQUIRE_TIMEOUT_SEC")); err == nil && v > 0 {
		cfg.AcquireTimeout = time.Duration(v) * time.Second
	}
	return cfg
}

// Manager arbitrates two scarce resources across concurrent users: local
// compute workers and remote transcription concurrency slots. All mutation
// goes through Acquire/Release under a single mutex.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu          sync.Mutex
	usedWorkers int
	usedAPI     int
	active      map[string]int // user -> live allocations
	notify      chan struct{}  // closed and replaced on every release
}

func New(cfg Config) *Manager {
	if cfg.TotalWorkers < 1 {
		cfg.TotalWorkers = 1
	}
	if cfg.APIConcurrency < 1 {
		cfg.APIConcurrency = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		log:    logger.New().WithComponent("pool"),
		active: make(map[string]int),
		notify: make(chan struct{}),
	}
	m.log.WithFields(logrus.Fields{
		"total_workers":   cfg.TotalWorkers,
		"api_concurrency": cfg.APIConcurrency,
	}).Info("worker pool initialized")
	return m
}

// Allocation is a lease on worker slots plus a sub-lease of remote API slots.
// Release is idempotent and safe on partially consumed allocations.
type Allocation struct {
	UserID  string
	Workers int

	apiSlots int
	apiSem   chan struct{}
	mgr      *Manager
	released atomic.Bool
}

// APISlots reports how many concurrent remote calls this lease permits.
func (a *Allocation) APISlots() int { return a.apiSlots }

// AcquireAPISlot blocks until one of the allocation's remote slots is free
// or the context is done. Every remote-detector call holds one slot.
func (a *Allocation) AcquireAPISlot(ctx context.Context) error {
	select {
	case a.apiSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Allocation) ReleaseAPISlot() {
	select {
	case <-a.apiSem:
	default:
	}
}

// Release returns all slots to the shared pool. Calling it more than once is
// a no-op.
func (a *Allocation) Release() {
	if a == nil || !a.released.CompareAndSwap(false, true) {
		return
	}
	a.mgr.release(a)
}

// Acquire grants the user at most floor(capacity / activeUsers) worker slots
// (minimum 1, never more than requested) together with a fair share of the
// remote API ceiling. The fair share is recomputed against the current active
// user set on every call; outstanding leases are never revoked. If nothing is
// available it waits up to AcquireTimeout and then fails with
// ErrResourceExhausted.
func (m *Manager) Acquire(ctx context.Context, userID string, requested int) (*Allocation, error) {
	if requested < 1 {
		requested = 1
	}
	deadline := time.Now().Add(m.cfg.AcquireTimeout)

	for {
		m.mu.Lock()
		users := len(m.active)
		if _, ok := m.active[userID]; !ok {
			users++
		}
		fairWorkers := max(1, m.cfg.TotalWorkers/max(users, 1))
		fairAPI := max(1, m.cfg.APIConcurrency/max(users, 1))

		grantWorkers := min(requested, fairWorkers, m.cfg.TotalWorkers-m.usedWorkers)
		grantAPI := min(fairAPI, m.cfg.APIConcurrency-m.usedAPI)

		if grantWorkers >= 1 && grantAPI >= 1 {
			m.usedWorkers += grantWorkers
			m.usedAPI += grantAPI
			m.active[userID]++
			m.mu.Unlock()

			m.log.WithFields(logrus.Fields{
				"user":      userID,
				"workers":   grantWorkers,
				"api_slots": grantAPI,
				"users":     users,
			}).Info("allocation granted")

			return &Allocation{
				UserID:   userID,
				Workers:  grantWorkers,
				apiSlots: grantAPI,
				apiSem:   make(chan struct{}, grantAPI),
				mgr:      m,
			}, nil
		}

		notify := m.notify
		m.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fmt.Errorf("acquire for user %s: %w", userID, ErrResourceExhausted)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("acquire for user %s: %w", userID, ErrResourceExhausted)
		case <-notify:
			timer.Stop()
			// slots were released, re-evaluate fair share
		}
	}
}

func (m *Manager) release(a *Allocation) {
	m.mu.Lock()
	m.usedWorkers -= a.Workers
	m.usedAPI -= a.apiSlots
	if n := m.active[a.UserID] - 1; n > 0 {
		m.active[a.UserID] = n
	} else {
		delete(m.active, a.UserID)
	}
	close(m.notify)
	m.notify = make(chan struct{})
	used, usedAPI := m.usedWorkers, m.usedAPI
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"user":         a.UserID,
		"workers":      a.Workers,
		"api_slots":    a.apiSlots,
		"used_workers": used,
		"used_api":     usedAPI,
	}).Info("allocation released")
}

// Stats is a point-in-time snapshot for the HTTP surface.
type Stats struct {
	TotalWorkers      int            `json:"total_workers"`
	UsedWorkers       int            `json:"used_workers"`
	APIConcurrency    int            `json:"api_concurrency"`
	UsedAPISlots      int            `json:"used_api_slots"`
	ActiveUsers       int            `json:"active_users"`
	AllocationsByUser map[string]int `json:"allocations_by_user"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser := make(map[string]int, len(m.active))
	for u, n := range m.active {
		byUser[u] = n
	}
	return Stats{
		TotalWorkers:      m.cfg.TotalWorkers,
		UsedWorkers:       m.usedWorkers,
		APIConcurrency:    m.cfg.APIConcurrency,
		UsedAPISlots:      m.usedAPI,
		ActiveUsers:       len(m.active),
		AllocationsByUser: byUser,
	}
}
