package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"insight-orchestrator/internal/config"
	"insight-orchestrator/internal/models"
	"insight-orchestrator/internal/ratelimit"
	"insight-orchestrator/internal/telemetry"
)

// Orchestrator is the job surface exposed over HTTP. *orchestrator.Coordinator
// implements it.
type Orchestrator interface {
	StartJob(ctx context.Context, conversationID, categoryID, userID string, items []models.ItemRequest) (models.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (models.JobStatusView, error)
	RetryItem(ctx context.Context, itemID string) (models.InsightItem, error)
}

// Accounts is the balance surface. *ledger.Manager implements it.
type Accounts interface {
	TopUp(ctx context.Context, userID string, amount decimal.Decimal, reason string) (models.LedgerEntry, error)
}

// ItemStore lists items for operators. *store.Store implements it.
type ItemStore interface {
	ListItems(ctx context.Context, jobID string) ([]models.InsightItem, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// DLQ peeks the dead-letter queue. *queue.RedisQueue implements it.
type DLQ interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg      config.Config
	jobs     Orchestrator
	accounts Accounts
	items    ItemStore
	dlq      DLQ
	limiter  *ratelimit.Limiter
	log      *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, jobs Orchestrator, accounts Accounts, items ItemStore, dlq DLQ, limiter *ratelimit.Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		accounts: accounts,
		items:    items,
		dlq:      dlq,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleStartJob)
	r.Get("/jobs/{id}", s.handleJobStatus)
	r.Get("/jobs/{id}/items", s.handleListItems)
	r.Post("/items/{id}/retry", s.handleRetryItem)
	r.Post("/balances/{userID}/credit", s.handleTopUp)
	r.Get("/balances/{userID}", s.handleBalance)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type startJobRequest struct {
	ConversationID string               `json:"conversation_id"`
	CategoryID     string               `json:"category_id"`
	UserID         string               `json:"user_id"`
	Items          []models.ItemRequest `json:"items"`
}

type startJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" || req.CategoryID == "" || req.UserID == "" {
		http.Error(w, "conversation_id, category_id and user_id are required", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUser(r.Context(), req.UserID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.jobs.StartJob(r.Context(), req.ConversationID, req.CategoryID, req.UserID, req.Items)
	switch {
	case errors.Is(err, models.ErrDuplicateJob):
		// Not an error for the client: hand back the active job's handle.
		writeJSON(w, http.StatusConflict, startJobResponse{JobID: job.ID, Status: job.Status, Duplicate: true})
		return
	case errors.Is(err, models.ErrInsufficientFunds):
		http.Error(w, "insufficient funds", http.StatusPaymentRequired)
		return
	case err != nil:
		s.log.Error("start job failed", zap.Error(err))
		http.Error(w, "start job failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, startJobResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("job status failed", zap.Error(err))
		http.Error(w, "job status failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.items.ListItems(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("list items failed", zap.Error(err))
		http.Error(w, "list items failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.jobs.RetryItem(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "item not retryable", http.StatusNotFound)
		return
	case errors.Is(err, models.ErrReservationSettled):
		http.Error(w, "job already settled", http.StatusConflict)
		return
	case err != nil:
		s.log.Error("retry item failed", zap.Error(err))
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

type topUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual_topup"
	}
	entry, err := s.accounts.TopUp(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reason)
	if err != nil {
		s.log.Error("top-up failed", zap.Error(err))
		http.Error(w, "top-up failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := s.items.Balance(r.Context(), userID)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "no balance for user", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("balance query failed", zap.Error(err))
		http.Error(w, "balance query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "available": balance.String()})
}

// handleDLQ returns the DLQ contents (item IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
