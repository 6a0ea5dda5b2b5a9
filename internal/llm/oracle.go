package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sortia/spendclass/internal/common"
	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/service"
)

// Oracle implements service.Oracle on top of a completion client. It owns
// rate limiting and retries; errors it returns are terminal for the rows
// in the request.
type Oracle struct {
	client    Client
	limiter   *rateLimiter
	retryOpts service.RetryOptions
}

// NewOracle creates an oracle for the configured provider.
func NewOracle(cfg Config) (*Oracle, error) {
	var client Client
	var err error

	switch strings.ToLower(cfg.Provider) {
	case "openai":
		client, err = newOpenAIClient(cfg)
	case "anthropic":
		client, err = newAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = time.Second
	}

	return &Oracle{
		client:  client,
		limiter: newRateLimiter(cfg.RateLimit),
		retryOpts: service.RetryOptions{
			MaxAttempts:  maxRetries,
			InitialDelay: retryDelay,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}, nil
}

// Classify assigns taxonomy paths to every row of the request.
func (o *Oracle) Classify(ctx context.Context, req service.ClassifyRequest) ([]model.ClassificationResult, error) {
	if len(req.Transactions) == 0 {
		return nil, nil
	}

	prompt := buildClassifyPrompt(req)

	var results []model.ClassificationResult
	err := common.WithRetry(ctx, func() error {
		if err := o.limiter.wait(ctx); err != nil {
			return err
		}

		content, err := o.client.Complete(ctx, prompt)
		if err != nil {
			return err
		}

		parsed, err := parseClassifications(content, len(req.Transactions))
		if err != nil {
			// Malformed output is worth one more attempt.
			return &common.RetryableError{Err: err, Retryable: true}
		}
		results = parsed
		return nil
	}, o.retryOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrClassificationFailed, err)
	}

	slog.Debug("Oracle classified invoice",
		"supplier", req.Supplier,
		"rows", len(req.Transactions))
	return results, nil
}

// Close releases the rate limiter.
func (o *Oracle) Close() {
	o.limiter.Close()
}
