package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"insight-orchestrator/internal/models"
)

// Store is the persistence surface the manager drives. *store.Store
// implements it; tests substitute fakes.
type Store interface {
	ReserveFunds(ctx context.Context, userID string, amount decimal.Decimal, expiresAt time.Time) (models.Reservation, error)
	ChargeReservation(ctx context.Context, reservationID, reference string) (bool, error)
	ReleaseReservation(ctx context.Context, reservationID, reference, reason string) (bool, error)
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal, reason string) (models.LedgerEntry, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
}

// Options bound the row-lock retry loop.
type Options struct {
	LockAttempts    int
	LockBackoffBase time.Duration
	LockBackoffMax  time.Duration
	ReservationHold time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockAttempts == 0 {
		o.LockAttempts = 5
	}
	if o.LockBackoffBase == 0 {
		o.LockBackoffBase = 50 * time.Millisecond
	}
	if o.LockBackoffMax == 0 {
		o.LockBackoffMax = time.Second
	}
	if o.ReservationHold == 0 {
		o.ReservationHold = 24 * time.Hour
	}
	return o
}

// Manager owns balance holds and their settlement. All mutations funnel
// through the per-user row lock; contention is retried with exponential
// backoff and jitter up to a fixed attempt cap.
type Manager struct {
	store      Store
	opts       Options
	contention func(error) bool
	log        *zap.Logger
}

// NewManager builds a manager. contention classifies store errors as row
// lock contention (store.IsLockContention for the pgx implementation).
func NewManager(st Store, opts Options, contention func(error) bool, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if contention == nil {
		contention = func(error) bool { return false }
	}
	return &Manager{store: st, opts: opts.withDefaults(), contention: contention, log: log}
}

// withLockRetry runs fn, retrying on lock contention only. Everything else,
// ErrInsufficientFunds included, surfaces immediately.
func (m *Manager) withLockRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.opts.LockAttempts; attempt++ {
		err = fn()
		if err == nil || !m.contention(err) {
			return err
		}
		wait := backoffWithJitter(m.opts.LockBackoffBase, m.opts.LockBackoffMax, attempt)
		m.log.Debug("balance row contended, backing off",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s after %d lock attempts: %w", op, m.opts.LockAttempts, models.ErrLockTimeout)
}

// Reserve holds amount against the user's balance for the configured hold
// window. Fails with ErrInsufficientFunds before any job side effects when
// the balance cannot cover the amount.
func (m *Manager) Reserve(ctx context.Context, userID string, amount decimal.Decimal) (models.Reservation, error) {
	if amount.IsNegative() {
		return models.Reservation{}, errors.New("reserve amount must not be negative")
	}
	var res models.Reservation
	err := m.withLockRetry(ctx, "reserve", func() error {
		var err error
		res, err = m.store.ReserveFunds(ctx, userID, amount, time.Now().UTC().Add(m.opts.ReservationHold))
		return err
	})
	return res, err
}

// Charge settles a reservation as spent. Idempotent: a reservation that is
// already charged or released is a no-op and reports settled=false.
func (m *Manager) Charge(ctx context.Context, reservationID, reference string) (bool, error) {
	var settled bool
	err := m.withLockRetry(ctx, "charge", func() error {
		var err error
		settled, err = m.store.ChargeReservation(ctx, reservationID, reference)
		return err
	})
	return settled, err
}

// Release returns the held amount to the available balance, recording the
// reason on the audit entry. Idempotent like Charge.
func (m *Manager) Release(ctx context.Context, reservationID, reference, reason string) (bool, error) {
	var settled bool
	err := m.withLockRetry(ctx, "release", func() error {
		var err error
		settled, err = m.store.ReleaseReservation(ctx, reservationID, reference, reason)
		return err
	})
	return settled, err
}

// TopUp credits a user's available balance.
func (m *Manager) TopUp(ctx context.Context, userID string, amount decimal.Decimal, reason string) (models.LedgerEntry, error) {
	if !amount.IsPositive() {
		return models.LedgerEntry{}, errors.New("top-up amount must be positive")
	}
	var entry models.LedgerEntry
	err := m.withLockRetry(ctx, "topup", func() error {
		var err error
		entry, err = m.store.CreditBalance(ctx, userID, amount, reason)
		return err
	})
	return entry, err
}

// Reservation fetches current reservation state.
func (m *Manager) Reservation(ctx context.Context, id string) (models.Reservation, error) {
	return m.store.GetReservation(ctx, id)
}

// backoffWithJitter grows the wait exponentially per attempt, capped, then
// randomizes within [wait/2, wait) so contending callers fan apart.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
