// Package clients holds the HTTP implementations of the external
// collaborator interfaces: the semantic-search retrieval backend and the
// generative-content service. Both are opaque to the orchestration core.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"insight-orchestrator/internal/contextcache"
	"insight-orchestrator/internal/models"
	"insight-orchestrator/internal/worker"
)

// RetrievalClient calls the semantic-search backend.
type RetrievalClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRetrievalClient builds a retrieval client with a bounded call timeout.
func NewRetrievalClient(baseURL string, timeout time.Duration) *RetrievalClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RetrievalClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type retrieveRequest struct {
	ConversationID string   `json:"conversation_id"`
	Hints          []string `json:"hints,omitempty"`
}

type retrieveResponse struct {
	Fragments []contextcache.Fragment `json:"fragments"`
}

// Retrieve fetches ordered context fragments. Transport and 5xx failures
// surface as models.ErrRetrievalUnavailable so workers can fall back.
func (c *RetrievalClient) Retrieve(ctx context.Context, conversationID string, hints []string) ([]contextcache.Fragment, error) {
	body, err := json.Marshal(retrieveRequest{ConversationID: conversationID, Hints: hints})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieve request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRetrievalUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", models.ErrRetrievalUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieve: unexpected status %d", resp.StatusCode)
	}
	var out retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode retrieve response: %w", err)
	}
	return out.Fragments, nil
}

// GenerationClient calls the generative-content service.
type GenerationClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGenerationClient builds a generation client. The per-call deadline
// comes from the caller's context; the transport itself is not capped so
// the soft/hard timeout policy stays with the worker.
func NewGenerationClient(baseURL string) *GenerationClient {
	return &GenerationClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

type generateRequest struct {
	ItemTypeID     string                  `json:"item_type_id"`
	ConversationID string                  `json:"conversation_id"`
	Fragments      []contextcache.Fragment `json:"fragments"`
}

type generateResponse struct {
	Content string         `json:"content"`
	Metrics worker.Metrics `json:"metrics"`
}

// Generate invokes the opaque work function. Quota rejections (429) map to
// models.ErrGenerationQuota; deadline hits map to models.ErrGenerationTimeout.
func (c *GenerationClient) Generate(ctx context.Context, item models.InsightItem, fragments []contextcache.Fragment) (worker.Result, error) {
	body, err := json.Marshal(generateRequest{
		ItemTypeID:     item.ItemTypeID,
		ConversationID: item.ConversationID,
		Fragments:      fragments,
	})
	if err != nil {
		return worker.Result{}, fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return worker.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return worker.Result{}, models.ErrGenerationTimeout
		}
		return worker.Result{}, fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return worker.Result{}, models.ErrGenerationQuota
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return worker.Result{}, fmt.Errorf("generate: status %d: %s", resp.StatusCode, snippet)
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return worker.Result{}, fmt.Errorf("decode generate response: %w", err)
	}
	return worker.Result{Content: out.Content, Metrics: out.Metrics}, nil
}
