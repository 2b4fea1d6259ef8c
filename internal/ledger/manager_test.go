package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"insight-orchestrator/internal/models"
)

var errContended = errors.New("row locked")

// lockyStore fails the first `contend` calls of each mutation with a
// contention error and succeeds afterwards.
type lockyStore struct {
	contend  int
	calls    int
	balance  decimal.Decimal
	reserved map[string]*models.Reservation
}

func newLockyStore(contend int, balance int64) *lockyStore {
	return &lockyStore{
		contend:  contend,
		balance:  decimal.NewFromInt(balance),
		reserved: make(map[string]*models.Reservation),
	}
}

func (s *lockyStore) gate() error {
	s.calls++
	if s.calls <= s.contend {
		return errContended
	}
	return nil
}

func (s *lockyStore) ReserveFunds(_ context.Context, userID string, amount decimal.Decimal, expiresAt time.Time) (models.Reservation, error) {
	if err := s.gate(); err != nil {
		return models.Reservation{}, err
	}
	if s.balance.LessThan(amount) {
		return models.Reservation{}, models.ErrInsufficientFunds
	}
	s.balance = s.balance.Sub(amount)
	res := models.Reservation{ID: "res-1", UserID: userID, Amount: amount, Status: models.ReservationActive, ExpiresAt: expiresAt}
	s.reserved[res.ID] = &res
	return res, nil
}

func (s *lockyStore) ChargeReservation(_ context.Context, id, _ string) (bool, error) {
	if err := s.gate(); err != nil {
		return false, err
	}
	res, ok := s.reserved[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if res.Status != models.ReservationActive {
		return false, nil
	}
	res.Status = models.ReservationCharged
	return true, nil
}

func (s *lockyStore) ReleaseReservation(_ context.Context, id, _, _ string) (bool, error) {
	if err := s.gate(); err != nil {
		return false, err
	}
	res, ok := s.reserved[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if res.Status != models.ReservationActive {
		return false, nil
	}
	res.Status = models.ReservationReleased
	s.balance = s.balance.Add(res.Amount)
	return true, nil
}

func (s *lockyStore) GetReservation(_ context.Context, id string) (models.Reservation, error) {
	res, ok := s.reserved[id]
	if !ok {
		return models.Reservation{}, models.ErrNotFound
	}
	return *res, nil
}

func (s *lockyStore) CreditBalance(_ context.Context, userID string, amount decimal.Decimal, _ string) (models.LedgerEntry, error) {
	if err := s.gate(); err != nil {
		return models.LedgerEntry{}, err
	}
	s.balance = s.balance.Add(amount)
	return models.LedgerEntry{UserID: userID, Delta: amount, BalanceAfter: s.balance}, nil
}

func (s *lockyStore) ExpiredReservations(_ context.Context, now time.Time, _ int) ([]models.Reservation, error) {
	var out []models.Reservation
	for _, res := range s.reserved {
		if res.Status == models.ReservationActive && res.ExpiresAt.Before(now) {
			out = append(out, *res)
		}
	}
	return out, nil
}

func testOptions() Options {
	return Options{LockAttempts: 3, LockBackoffBase: time.Millisecond, LockBackoffMax: 4 * time.Millisecond}
}

func isContended(err error) bool { return errors.Is(err, errContended) }

func TestReserveRetriesThroughContention(t *testing.T) {
	st := newLockyStore(2, 100)
	m := NewManager(st, testOptions(), isContended, nil)

	res, err := m.Reserve(context.Background(), "user-1", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Status != models.ReservationActive {
		t.Fatalf("reservation status = %q, want active", res.Status)
	}
	if st.calls != 3 {
		t.Fatalf("store calls = %d, want 3 (two contended, one success)", st.calls)
	}
	if !st.balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("balance = %s, want 90", st.balance)
	}
}

func TestReserveGivesUpAfterAttemptCap(t *testing.T) {
	st := newLockyStore(10, 100)
	m := NewManager(st, testOptions(), isContended, nil)

	_, err := m.Reserve(context.Background(), "user-1", decimal.NewFromInt(10))
	if !errors.Is(err, models.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if st.calls != 3 {
		t.Fatalf("store calls = %d, want exactly the attempt cap", st.calls)
	}
}

func TestInsufficientFundsIsNotRetried(t *testing.T) {
	st := newLockyStore(0, 5)
	m := NewManager(st, testOptions(), isContended, nil)

	_, err := m.Reserve(context.Background(), "user-1", decimal.NewFromInt(10))
	if !errors.Is(err, models.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if st.calls != 1 {
		t.Fatalf("store calls = %d, want 1 (no retry on a non-contention error)", st.calls)
	}
}

func TestChargeIsIdempotent(t *testing.T) {
	st := newLockyStore(0, 100)
	m := NewManager(st, testOptions(), isContended, nil)

	res, err := m.Reserve(context.Background(), "user-1", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	settled, err := m.Charge(context.Background(), res.ID, "job-1")
	if err != nil || !settled {
		t.Fatalf("first Charge = (%v, %v), want (true, nil)", settled, err)
	}
	settled, err = m.Charge(context.Background(), res.ID, "job-1")
	if err != nil || settled {
		t.Fatalf("second Charge = (%v, %v), want (false, nil)", settled, err)
	}
	// Release after charge is likewise a no-op; the money stays spent.
	settled, err = m.Release(context.Background(), res.ID, "job-1", "late")
	if err != nil || settled {
		t.Fatalf("Release after charge = (%v, %v), want (false, nil)", settled, err)
	}
	if !st.balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("balance = %s, want 90", st.balance)
	}
}

func TestTopUpRejectsNonPositiveAmounts(t *testing.T) {
	st := newLockyStore(0, 0)
	m := NewManager(st, testOptions(), isContended, nil)

	if _, err := m.TopUp(context.Background(), "user-1", decimal.Zero, "promo"); err == nil {
		t.Fatal("TopUp(0) succeeded, want error")
	}
	entry, err := m.TopUp(context.Background(), "user-1", decimal.NewFromInt(25), "promo")
	if err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	if !entry.BalanceAfter.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("balance after = %s, want 25", entry.BalanceAfter)
	}
}

func TestBackoffWithJitterStaysInBounds(t *testing.T) {
	base, max := 50*time.Millisecond, time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			wait := backoffWithJitter(base, max, attempt)
			if wait < base/2 {
				t.Fatalf("attempt %d: wait %v below base/2", attempt, wait)
			}
			if wait >= max {
				t.Fatalf("attempt %d: wait %v reached cap %v", attempt, wait, max)
			}
		}
	}
}
