package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"insight-orchestrator/internal/models"
	"insight-orchestrator/internal/queue"
)

// memStore is an in-memory Store used by the scenario tests. It mirrors the
// Postgres implementation's guards: counted flags, the finalize CAS, and
// status-conditional transitions.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	items   map[string]*models.InsightItem
	counted map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[string]*models.Job),
		items:   make(map[string]*models.InsightItem),
		counted: make(map[string]bool),
	}
}

func (m *memStore) ActiveJob(_ context.Context, conversationID, categoryID string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ConversationID == conversationID && j.CategoryID == categoryID && !j.Terminal() {
			return *j, true, nil
		}
	}
	return models.Job{}, false, nil
}

func (m *memStore) CreateJobWithItems(_ context.Context, job models.Job, itemTypes []string) (models.Job, []models.InsightItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ConversationID == job.ConversationID && j.CategoryID == job.CategoryID && !j.Terminal() {
			return *j, nil, true, nil
		}
	}
	job.Status = models.JobQueued
	job.CreatedAt = time.Now()
	var created []models.InsightItem
	for _, typeID := range itemTypes {
		exists := false
		for _, it := range m.items {
			if it.ConversationID == job.ConversationID && it.ItemTypeID == typeID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		item := models.InsightItem{
			ID:             uuid.New().String(),
			JobID:          job.ID,
			ConversationID: job.ConversationID,
			ItemTypeID:     typeID,
			Status:         models.ItemPending,
		}
		m.items[item.ID] = &item
		created = append(created, item)
	}
	job.TotalItems = len(created)
	m.jobs[job.ID] = &job
	return job, created, false, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return *j, nil
}

func (m *memStore) MarkJobRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == models.JobQueued {
		j.Status = models.JobRunning
	}
	return nil
}

func (m *memStore) GetItem(_ context.Context, id string) (models.InsightItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return models.InsightItem{}, models.ErrNotFound
	}
	return *it, nil
}

// settleItem is a test helper standing in for the worker's terminal
// transition.
func (m *memStore) settleItem(id string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if failed {
		it.Status = models.ItemFailed
	} else {
		it.Status = models.ItemCompleted
	}
}

func (m *memStore) RecordSettlement(_ context.Context, jobID, itemID string, failed bool) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	it, ok := m.items[itemID]
	if ok && !m.counted[itemID] && (it.Status == models.ItemCompleted || it.Status == models.ItemFailed) {
		m.counted[itemID] = true
		if failed {
			j.FailedItems++
		} else {
			j.CompletedItems++
		}
	}
	return *j, nil
}

func (m *memStore) TryBeginFinalize(_ context.Context, jobID string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, false, nil
	}
	if j.FinalizeAttempted ||
		j.CompletedItems+j.FailedItems != j.TotalItems ||
		(j.Status != models.JobRunning && j.Status != models.JobPartialFailure) {
		return models.Job{}, false, nil
	}
	j.FinalizeAttempted = true
	return *j, true, nil
}

func (m *memStore) ResetFinalize(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok && (j.Status == models.JobRunning || j.Status == models.JobPartialFailure) {
		j.FinalizeAttempted = false
	}
	return nil
}

func (m *memStore) SetJobOutcome(_ context.Context, jobID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return models.ErrNotFound
	}
	j.Status = status
	if status == models.JobCompleted || status == models.JobFailed {
		now := time.Now()
		j.CompletedAt = &now
	}
	return nil
}

func (m *memStore) ReopenForRetry(_ context.Context, itemID string) (models.InsightItem, models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok || it.Status != models.ItemFailed {
		return models.InsightItem{}, models.Job{}, models.ErrNotFound
	}
	j, ok := m.jobs[it.JobID]
	if !ok || j.Status != models.JobPartialFailure {
		return models.InsightItem{}, models.Job{}, models.ErrNotFound
	}
	it.Status = models.ItemPending
	it.AttemptCount = 0
	m.counted[itemID] = false
	j.FailedItems--
	j.FinalizeAttempted = false
	j.Status = models.JobRunning
	return *it, *j, nil
}

// memLedger is an in-memory Ledger with the same idempotent settlement
// semantics as the real manager. chargeFailures injects that many transient
// charge errors before letting a charge through.
type memLedger struct {
	mu             sync.Mutex
	balance        decimal.Decimal
	reservations   map[string]*models.Reservation
	charges        int
	releases       int
	chargeFailures int
}

func newMemLedger(balance decimal.Decimal) *memLedger {
	return &memLedger{
		balance:      balance,
		reservations: make(map[string]*models.Reservation),
	}
}

func (m *memLedger) Reserve(_ context.Context, userID string, amount decimal.Decimal) (models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balance.LessThan(amount) {
		return models.Reservation{}, models.ErrInsufficientFunds
	}
	m.balance = m.balance.Sub(amount)
	res := models.Reservation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Status:    models.ReservationActive,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	m.reservations[res.ID] = &res
	return res, nil
}

func (m *memLedger) Charge(_ context.Context, reservationID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chargeFailures > 0 {
		m.chargeFailures--
		return false, errors.New("ledger unavailable")
	}
	res, ok := m.reservations[reservationID]
	if !ok {
		return false, models.ErrNotFound
	}
	if res.Status != models.ReservationActive {
		return false, nil
	}
	res.Status = models.ReservationCharged
	m.charges++
	return true, nil
}

func (m *memLedger) Release(_ context.Context, reservationID, _, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[reservationID]
	if !ok {
		return false, models.ErrNotFound
	}
	if res.Status != models.ReservationActive {
		return false, nil
	}
	res.Status = models.ReservationReleased
	m.balance = m.balance.Add(res.Amount)
	m.releases++
	return true, nil
}

func (m *memLedger) Reservation(_ context.Context, id string) (models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[id]
	if !ok {
		return models.Reservation{}, models.ErrNotFound
	}
	return *res, nil
}

// memDispatcher records dispatches instead of delivering them.
type memDispatcher struct {
	mu         sync.Mutex
	dispatches []queue.Dispatch
}

func (m *memDispatcher) Enqueue(_ context.Context, d queue.Dispatch, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, d)
	return nil
}

func (m *memDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatches)
}
