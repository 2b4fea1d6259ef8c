package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"insight-orchestrator/internal/models"
)

const reservationColumns = `id, user_id, amount, status, expires_at, created_at, settled_at`

func scanReservation(row pgx.Row) (models.Reservation, error) {
	var r models.Reservation
	var settledAt pgtype.Timestamptz
	err := row.Scan(&r.ID, &r.UserID, &r.Amount, &r.Status, &r.ExpiresAt, &r.CreatedAt, &settledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Reservation{}, models.ErrNotFound
	}
	if err != nil {
		return models.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	if settledAt.Valid {
		t := settledAt.Time
		r.SettledAt = &t
	}
	return r, nil
}

// lockBalance takes the per-user row lock without waiting. Contention comes
// back as lock_not_available, which the ledger manager retries with backoff.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (decimal.Decimal, error) {
	var available decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT available FROM user_balances WHERE user_id = $1 FOR UPDATE NOWAIT
	`, userID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, models.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return available, nil
}

func appendLedgerEntry(ctx context.Context, tx pgx.Tx, entry models.LedgerEntry) (models.LedgerEntry, error) {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, delta, balance_after, reference, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.UserID, entry.Delta, entry.BalanceAfter, entry.Reference, entry.Reason, entry.CreatedAt)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

// ReserveFunds moves amount from the available balance into a new active
// reservation, atomically under the user's row lock. Lock contention is
// returned raw for the caller's retry loop; an uncoverable amount is
// ErrInsufficientFunds and must not be retried.
func (s *Store) ReserveFunds(ctx context.Context, userID string, amount decimal.Decimal, expiresAt time.Time) (models.Reservation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	available, err := lockBalance(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Reservation{}, models.ErrInsufficientFunds
		}
		return models.Reservation{}, err
	}
	if available.LessThan(amount) {
		return models.Reservation{}, models.ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		UPDATE user_balances SET available = available - $2, updated_at = NOW() WHERE user_id = $1
	`, userID, amount); err != nil {
		return models.Reservation{}, fmt.Errorf("hold balance: %w", err)
	}

	now := time.Now().UTC()
	res := models.Reservation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Status:    models.ReservationActive,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations (id, user_id, amount, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, res.ID, res.UserID, res.Amount, res.Status, res.ExpiresAt, res.CreatedAt); err != nil {
		return models.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Reservation{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// ChargeReservation settles an active reservation as charged and writes the
// permanent audit entry. The balance was already decremented at reserve
// time, so the entry's delta records the spend without touching available.
// Returns false without error when the reservation is already settled.
func (s *Store) ChargeReservation(ctx context.Context, reservationID, reference string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := scanReservation(tx.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE
	`, reservationID))
	if err != nil {
		return false, err
	}
	if res.Status != models.ReservationActive {
		return false, nil
	}

	available, err := lockBalance(ctx, tx, res.UserID)
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2, settled_at = NOW() WHERE id = $1
	`, reservationID, models.ReservationCharged); err != nil {
		return false, fmt.Errorf("charge reservation: %w", err)
	}
	if _, err := appendLedgerEntry(ctx, tx, models.LedgerEntry{
		UserID:       res.UserID,
		Delta:        res.Amount.Neg(),
		BalanceAfter: available,
		Reference:    reference,
		Reason:       "charge",
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ReleaseReservation re-credits the held amount back to the available
// balance. Returns false without error when already settled.
func (s *Store) ReleaseReservation(ctx context.Context, reservationID, reference, reason string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := scanReservation(tx.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE
	`, reservationID))
	if err != nil {
		return false, err
	}
	if res.Status != models.ReservationActive {
		return false, nil
	}

	available, err := lockBalance(ctx, tx, res.UserID)
	if err != nil {
		return false, err
	}
	newBalance := available.Add(res.Amount)

	if _, err := tx.Exec(ctx, `
		UPDATE user_balances SET available = $2, updated_at = NOW() WHERE user_id = $1
	`, res.UserID, newBalance); err != nil {
		return false, fmt.Errorf("release balance: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2, settled_at = NOW() WHERE id = $1
	`, reservationID, models.ReservationReleased); err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}
	if _, err := appendLedgerEntry(ctx, tx, models.LedgerEntry{
		UserID:       res.UserID,
		Delta:        res.Amount,
		BalanceAfter: newBalance,
		Reference:    reference,
		Reason:       reason,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetReservation fetches a reservation by id.
func (s *Store) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	return scanReservation(s.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1
	`, id))
}

// ExpiredReservations lists active reservations past their hold deadline.
func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`, models.ReservationActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreditBalance tops up a user's available balance, creating the balance row
// on first credit, and writes the audit entry.
func (s *Store) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal, reason string) (models.LedgerEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance decimal.Decimal
	if err := tx.QueryRow(ctx, `
		INSERT INTO user_balances (user_id, available, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET available = user_balances.available + EXCLUDED.available, updated_at = NOW()
		RETURNING available
	`, userID, amount).Scan(&newBalance); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("credit balance: %w", err)
	}

	entry, err := appendLedgerEntry(ctx, tx, models.LedgerEntry{
		UserID:       userID,
		Delta:        amount,
		BalanceAfter: newBalance,
		Reference:    "topup",
		Reason:       reason,
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

// Balance returns the available balance for a user.
func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var available decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT available FROM user_balances WHERE user_id = $1
	`, userID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, models.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query balance: %w", err)
	}
	return available, nil
}
