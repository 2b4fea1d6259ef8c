package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Job lifecycle states persisted in Postgres.
const (
	JobQueued         = "queued"
	JobRunning        = "running"
	JobCompleted      = "completed"
	JobFailed         = "failed"
	JobPartialFailure = "partial_failure"
)

// Insight item states.
const (
	ItemPending    = "pending"
	ItemGenerating = "generating"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
)

// Reservation settlement states.
const (
	ReservationActive   = "active"
	ReservationCharged  = "charged"
	ReservationReleased = "released"
)

// Job is one unlock request for a conversation+category. It fans out into
// TotalItems insight items and holds exactly one reservation against the
// user's balance.
type Job struct {
	ID                string          `json:"id"`
	ConversationID    string          `json:"conversation_id"`
	CategoryID        string          `json:"category_id"`
	UserID            string          `json:"user_id"`
	Status            string          `json:"status"`
	TotalItems        int             `json:"total_items"`
	CompletedItems    int             `json:"completed_items"`
	FailedItems       int             `json:"failed_items"`
	FinalizeAttempted bool            `json:"-"`
	ReservationID     string          `json:"reservation_id"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the job reached a financially settled state.
// partial_failure is semi-terminal: the reservation is still active and the
// job can move again via item retry or the expiry sweep.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// InsightItem is one unit of generation work belonging to a job. Items are
// unique per (conversation, item type), which is what makes duplicate
// creation and duplicate dispatch under at-least-once delivery safe.
type InsightItem struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	ConversationID string     `json:"conversation_id"`
	ItemTypeID     string     `json:"item_type_id"`
	Status         string     `json:"status"`
	Content        *string    `json:"content,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Reservation is a hold against a user balance pending settlement. The
// amount is fixed at creation; exactly one of charge or release ever
// happens.
type Reservation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
}

// LedgerEntry is a permanent, append-only record of a balance change.
// BalanceAfter carries the per-user running balance so the ledger is
// auditable without replay.
type LedgerEntry struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Delta        decimal.Decimal `json:"delta"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reference    string          `json:"reference"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ItemRequest names one insight to generate and what it costs.
type ItemRequest struct {
	ItemTypeID string          `json:"item_type_id"`
	Cost       decimal.Decimal `json:"cost"`
}

// JobStatusView is the polling surface returned to clients. Counters are
// monotonically non-decreasing within a settlement pass, but retrying a
// failed item decrements FailedItems by one until the item resettles.
type JobStatusView struct {
	JobID          string     `json:"job_id"`
	Status         string     `json:"status"`
	TotalItems     int        `json:"total_items"`
	CompletedItems int        `json:"completed_items"`
	FailedItems    int        `json:"failed_items"`
	ETA            *time.Time `json:"eta,omitempty"`
}
