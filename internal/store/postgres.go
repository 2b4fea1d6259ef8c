package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"insight-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// IsLockContention reports whether err is Postgres lock_not_available,
// raised by FOR UPDATE NOWAIT when another tx holds the row.
func IsLockContention(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const jobColumns = `id, conversation_id, category_id, user_id, status, total_items,
	completed_items, failed_items, finalize_attempted, reservation_id, total_cost,
	created_at, completed_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var completedAt pgtype.Timestamptz
	err := row.Scan(&job.ID, &job.ConversationID, &job.CategoryID, &job.UserID,
		&job.Status, &job.TotalItems, &job.CompletedItems, &job.FailedItems,
		&job.FinalizeAttempted, &job.ReservationID, &job.TotalCost,
		&job.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// ActiveJob returns the non-terminal job for a conversation+category, if any.
func (s *Store) ActiveJob(ctx context.Context, conversationID, categoryID string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE conversation_id = $1 AND category_id = $2
		  AND status NOT IN ($3, $4)
	`, conversationID, categoryID, models.JobCompleted, models.JobFailed))
	if errors.Is(err, models.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// CreateJobWithItems inserts the job row plus one item per requested type in
// a single transaction. Item inserts tolerate the (conversation, item_type)
// unique-constraint race with ON CONFLICT DO NOTHING; the job's total is the
// count of items actually owned by this job. The boolean reports whether an
// existing active job was returned instead (the partial unique index on
// active jobs raced with another writer).
func (s *Store) CreateJobWithItems(ctx context.Context, job models.Job, itemTypes []string) (models.Job, []models.InsightItem, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	job.CreatedAt = now
	job.Status = models.JobQueued

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, conversation_id, category_id, user_id, status, total_items,
			completed_items, failed_items, finalize_attempted, reservation_id, total_cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, FALSE, $7, $8, $9)
	`, job.ID, job.ConversationID, job.CategoryID, job.UserID, job.Status,
		len(itemTypes), job.ReservationID, job.TotalCost, now)
	if err != nil {
		if isUniqueViolation(err) {
			// Another writer won the active-job race; hand back its job.
			_ = tx.Rollback(ctx)
			existing, found, err := s.ActiveJob(ctx, job.ConversationID, job.CategoryID)
			if err != nil {
				return models.Job{}, nil, false, err
			}
			if !found {
				return models.Job{}, nil, false, errors.New("active job conflict but no existing job found")
			}
			return existing, nil, true, nil
		}
		return models.Job{}, nil, false, fmt.Errorf("insert job: %w", err)
	}

	items := make([]models.InsightItem, 0, len(itemTypes))
	for _, typeID := range itemTypes {
		var id string
		err := tx.QueryRow(ctx, `
			INSERT INTO insight_items (id, job_id, conversation_id, item_type_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (conversation_id, item_type_id) DO NOTHING
			RETURNING id
		`, uuid.New().String(), job.ID, job.ConversationID, typeID, models.ItemPending, now).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue // already generated by an earlier job for this conversation
		}
		if err != nil {
			return models.Job{}, nil, false, fmt.Errorf("insert item %s: %w", typeID, err)
		}
		items = append(items, models.InsightItem{
			ID:             id,
			JobID:          job.ID,
			ConversationID: job.ConversationID,
			ItemTypeID:     typeID,
			Status:         models.ItemPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if len(items) != len(itemTypes) {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET total_items = $2 WHERE id = $1`, job.ID, len(items)); err != nil {
			return models.Job{}, nil, false, fmt.Errorf("adjust job total: %w", err)
		}
	}
	job.TotalItems = len(items)

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, nil, false, fmt.Errorf("commit: %w", err)
	}
	return job, items, false, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// MarkJobRunning moves a queued job to running once dispatch succeeded.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2 WHERE id = $1 AND status = $3
	`, id, models.JobRunning, models.JobQueued)
	return err
}

const itemColumns = `id, job_id, conversation_id, item_type_id, status, content,
	last_error, attempt_count, created_at, updated_at`

func scanItem(row pgx.Row) (models.InsightItem, error) {
	var it models.InsightItem
	var content, lastErr pgtype.Text
	err := row.Scan(&it.ID, &it.JobID, &it.ConversationID, &it.ItemTypeID, &it.Status,
		&content, &lastErr, &it.AttemptCount, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InsightItem{}, models.ErrNotFound
	}
	if err != nil {
		return models.InsightItem{}, fmt.Errorf("scan item: %w", err)
	}
	it.Content = textPtr(content)
	it.LastError = textPtr(lastErr)
	return it, nil
}

// GetItem fetches an insight item by id.
func (s *Store) GetItem(ctx context.Context, id string) (models.InsightItem, error) {
	return scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM insight_items WHERE id = $1`, id))
}

// ListItems returns all items belonging to a job.
func (s *Store) ListItems(ctx context.Context, jobID string) ([]models.InsightItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM insight_items WHERE job_id = $1 ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var items []models.InsightItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ClaimItem moves a pending item to generating and charges one attempt.
// ok=false means the item is not claimable (already terminal, or mid-flight
// elsewhere), which is how duplicate queue delivery collapses to a no-op.
func (s *Store) ClaimItem(ctx context.Context, id string) (models.InsightItem, bool, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `
		UPDATE insight_items
		SET status = $2, attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+itemColumns+`
	`, id, models.ItemGenerating, models.ItemPending))
	if errors.Is(err, models.ErrNotFound) {
		return models.InsightItem{}, false, nil
	}
	if err != nil {
		return models.InsightItem{}, false, fmt.Errorf("claim item: %w", err)
	}
	return item, true, nil
}

// CompleteItem persists content plus generation metrics and moves
// generating -> completed. The rows-affected guard makes the terminal
// transition, and therefore the settlement signal derived from it, fire at
// most once per attempt.
func (s *Store) CompleteItem(ctx context.Context, id, content string, metricsJSON []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE insight_items
		SET status = $2, content = $3, metrics = $4, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.ItemCompleted, content, metricsJSON, models.ItemGenerating)
	if err != nil {
		return false, fmt.Errorf("complete item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailItem records the terminal error and moves generating -> failed.
func (s *Store) FailItem(ctx context.Context, id, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE insight_items
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.ItemFailed, lastError, models.ItemGenerating)
	if err != nil {
		return false, fmt.Errorf("fail item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueItem puts a generating item back to pending for another attempt,
// keeping the attempt count and recording the transient error.
func (s *Store) RequeueItem(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE insight_items
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.ItemPending, lastError, models.ItemGenerating)
	return err
}

// ReleaseClaim returns a stalled generating item to pending after its queue
// lease expired, so the redelivered dispatch can claim it again.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE insight_items
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.ItemPending, models.ItemGenerating)
	return err
}

// RecordSettlement bumps the job's completed or failed counter for one item
// settlement and returns the fresh job row. The item's counted flag makes
// the bump idempotent: duplicate signals for the same terminal transition
// read the job without touching the counters, so a worker can re-signal
// after a crash between item transition and counter bump.
func (s *Store) RecordSettlement(ctx context.Context, jobID, itemID string, failed bool) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE insight_items SET counted = TRUE
		WHERE id = $1 AND counted = FALSE AND status IN ($2, $3)
	`, itemID, models.ItemCompleted, models.ItemFailed)
	if err != nil {
		return models.Job{}, fmt.Errorf("mark item counted: %w", err)
	}

	var job models.Job
	if tag.RowsAffected() == 1 {
		column := "completed_items"
		if failed {
			column = "failed_items"
		}
		job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE jobs SET `+column+` = `+column+` + 1
			WHERE id = $1
			RETURNING `+jobColumns+`
		`, jobID))
	} else {
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	}
	if err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// TryBeginFinalize performs the compare-and-swap that makes finalization
// exactly-once: only the signal that flips finalize_attempted while the
// counters cover every item wins. Losers get ok=false.
func (s *Store) TryBeginFinalize(ctx context.Context, jobID string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET finalize_attempted = TRUE
		WHERE id = $1
		  AND finalize_attempted = FALSE
		  AND completed_items + failed_items = total_items
		  AND status IN ($2, $3)
		RETURNING `+jobColumns+`
	`, jobID, models.JobRunning, models.JobPartialFailure))
	if errors.Is(err, models.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ResetFinalize re-opens the barrier after a settlement attempt that won the
// CAS but failed before recording an outcome, so a later duplicate signal
// can re-drive settlement instead of waiting for the expiry sweep. Jobs with
// a recorded outcome keep their flag.
func (s *Store) ResetFinalize(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET finalize_attempted = FALSE
		WHERE id = $1 AND status IN ($2, $3)
	`, jobID, models.JobRunning, models.JobPartialFailure)
	return err
}

// SetJobOutcome records the finalizer's decision. Terminal states also get
// a completion timestamp; partial_failure stays open for retry.
func (s *Store) SetJobOutcome(ctx context.Context, jobID, status string) error {
	if status == models.JobCompleted || status == models.JobFailed {
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, completed_at = NOW() WHERE id = $1
		`, jobID, status)
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, jobID, status)
	return err
}

// ReopenForRetry re-arms the barrier for a single failed item of a
// partial_failure job: the item returns to pending with a fresh attempt
// budget, the failed counter gives its settlement back, and the finalize
// flag resets so the barrier can fire again once the item resettles.
func (s *Store) ReopenForRetry(ctx context.Context, itemID string) (models.InsightItem, models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.InsightItem{}, models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	item, err := scanItem(tx.QueryRow(ctx, `
		UPDATE insight_items
		SET status = $2, attempt_count = 0, counted = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+itemColumns+`
	`, itemID, models.ItemPending, models.ItemFailed))
	if errors.Is(err, models.ErrNotFound) {
		return models.InsightItem{}, models.Job{}, fmt.Errorf("item not retryable: %w", models.ErrNotFound)
	}
	if err != nil {
		return models.InsightItem{}, models.Job{}, err
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET failed_items = failed_items - 1, finalize_attempted = FALSE, status = $2
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns+`
	`, item.JobID, models.JobRunning, models.JobPartialFailure))
	if errors.Is(err, models.ErrNotFound) {
		return models.InsightItem{}, models.Job{}, fmt.Errorf("job not in partial_failure: %w", models.ErrNotFound)
	}
	if err != nil {
		return models.InsightItem{}, models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.InsightItem{}, models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return item, job, nil
}

// JobByReservation resolves the job holding a reservation, for the sweeper.
func (s *Store) JobByReservation(ctx context.Context, reservationID string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE reservation_id = $1
	`, reservationID))
	if errors.Is(err, models.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ForceFailJob is the sweeper's compensating transition for jobs whose
// reservation expired while still unsettled.
func (s *Store) ForceFailJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ($3, $4, $5)
	`, jobID, models.JobFailed, models.JobQueued, models.JobRunning, models.JobPartialFailure)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
