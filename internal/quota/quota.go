package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-audit-go/internal/logger"
)

// ErrQuotaExceeded means the user's daily allowance is consumed. It is a
// file-level failure, never retried, and always surfaced to the user.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// Store is the persistence contract for per-user/per-day usage counters.
// IncrementDailyUsage must be atomic: concurrent files from the same user
// must never race past the ceiling.
type Store interface {
	GetDailyUsage(ctx context.Context, userID, date string) (int, error)
	IncrementDailyUsage(ctx context.Context, userID, date string, delta int) (int, error)
	GetUserDailyLimit(ctx context.Context, userID string) (int, error)
}

// DateKey formats a day the way the store keys it.
func DateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Enforcer treats the persisted counter as a hard ceiling. Consume reserves
// one unit with check-and-increment semantics: with remaining quota k, at
// most k reservations succeed regardless of concurrency.
type Enforcer struct {
	store Store
	now   func() time.Time
	log   *logger.Logger
}

func NewEnforcer(store Store) *Enforcer {
	return &Enforcer{
		store: store,
		now:   time.Now,
		log:   logger.New().WithComponent("quota"),
	}
}

// Consume reserves one remote call for the user today. On success the unit
// stays consumed even if the remote call later fails; the provider bills per
// submitted transcription, not per successful one.
func (e *Enforcer) Consume(ctx context.Context, userID string) error {
	limit, err := e.store.GetUserDailyLimit(ctx, userID)
	if err != nil {
		return fmt.Errorf("get daily limit: %w", err)
	}
	date := DateKey(e.now())
	total, err := e.store.IncrementDailyUsage(ctx, userID, date, 1)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if total > limit {
		// roll the reservation back so the counter reflects real usage
		if _, rbErr := e.store.IncrementDailyUsage(ctx, userID, date, -1); rbErr != nil {
			e.log.WithField("user", userID).WithError(rbErr).Error("quota rollback failed")
		}
		return fmt.Errorf("user %s used %d of %d: %w", userID, total-1, limit, ErrQuotaExceeded)
	}
	return nil
}

// Remaining reports how many remote calls the user has left today.
func (e *Enforcer) Remaining(ctx context.Context, userID string) (int, error) {
	limit, err := e.store.GetUserDailyLimit(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get daily limit: %w", err)
	}
	used, err := e.store.GetDailyUsage(ctx, userID, DateKey(e.now()))
	if err != nil {
		return 0, fmt.Errorf("get daily usage: %w", err)
	}
	if used > limit {
		return 0, nil
	}
	return limit - used, nil
}
