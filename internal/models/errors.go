package models

import "errors"

// Sentinel errors for the orchestration and ledger surfaces. Callers match
// with errors.Is; wrapped variants carry call-site context.
var (
	// ErrInsufficientFunds is returned by reserve when the available
	// balance cannot cover the job cost. Never retried.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateJob signals an active job already exists for the
	// (conversation, category) pair. The existing handle is returned
	// alongside, so this is informational rather than fatal.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrLockTimeout is surfaced after bounded retries on balance row
	// lock contention.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrRetrievalUnavailable marks a transient failure of the semantic
	// retrieval backend. Workers fall back to a direct recompute attempt.
	ErrRetrievalUnavailable = errors.New("retrieval backend unavailable")

	// ErrGenerationTimeout marks a generation call that exceeded its hard
	// deadline. Retried up to the item attempt cap.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrGenerationQuota marks a quota rejection from the generation
	// service. Retried up to the item attempt cap.
	ErrGenerationQuota = errors.New("generation quota exceeded")

	// ErrReservationSettled rejects operations against a reservation that
	// was already charged or released.
	ErrReservationSettled = errors.New("reservation already settled")

	// ErrNotFound is the generic missing-row error from the store.
	ErrNotFound = errors.New("not found")
)

// Transient reports whether an item-level error is worth another attempt.
func Transient(err error) bool {
	return errors.Is(err, ErrRetrievalUnavailable) ||
		errors.Is(err, ErrGenerationTimeout) ||
		errors.Is(err, ErrGenerationQuota)
}
