package worker

import (
	"context"
	"time"

	"insight-orchestrator/internal/contextcache"
	"insight-orchestrator/internal/models"
)

// Metrics are the per-call generation measurements persisted with the item.
type Metrics struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Latency          time.Duration `json:"latency_ns"`
	Model            string        `json:"model,omitempty"`
}

// Result carries the opaque generated payload plus its metrics.
type Result struct {
	Content string
	Metrics Metrics
}

// Generator is the opaque work function implemented by the external
// generative-content service. Timeouts and quota rejections should be
// reported as (or wrapped around) models.ErrGenerationTimeout and
// models.ErrGenerationQuota so the retry policy can classify them.
type Generator interface {
	Generate(ctx context.Context, item models.InsightItem, fragments []contextcache.Fragment) (Result, error)
}
