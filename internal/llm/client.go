package llm

import (
	"context"
	"time"
)

// Client defines the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config configures the oracle and embedding clients.
type Config struct {
	Provider       string
	APIKey         string
	Model          string
	EmbeddingModel string
	BaseURL        string
	MaxRetries     int
	RetryDelay     time.Duration
	RateLimit      int
	Temperature    float64
	MaxTokens      int
}
