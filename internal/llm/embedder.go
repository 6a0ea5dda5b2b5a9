package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sortia/spendclass/internal/common"
	"github.com/sortia/spendclass/internal/service"
)

// embeddingBatchSize bounds how many inputs go into one API call.
const embeddingBatchSize = 256

// openAIEmbedder implements service.Embedder using the OpenAI
// embeddings endpoint.
type openAIEmbedder struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
	retryOpts  service.RetryOptions
}

// NewEmbedder creates an embedding client, or nil when no API key is
// configured. A nil embedder means keyword-only retrieval.
func NewEmbedder(cfg Config) (service.Embedder, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}

	model := cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	return &openAIEmbedder{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		retryOpts: service.RetryOptions{
			MaxAttempts:  maxRetries,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Embed returns one vector per input text, in input order.
func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embeddingBatchSize {
		end := start + embeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

func (e *openAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := common.WithRetry(ctx, func() error {
		batch, err := e.requestEmbeddings(ctx, texts)
		if err != nil {
			return err
		}
		vectors = batch
		return nil
	}, e.retryOpts)
	return vectors, err
}

func (e *openAIEmbedder) requestEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	requestBody := map[string]any{
		"model": e.model,
		"input": texts,
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", strings.NewReader(string(jsonBody)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &common.RetryableError{Err: fmt.Errorf("request failed: %w", err), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &common.RetryableError{Err: common.ErrRateLimit, Retryable: true}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &common.RetryableError{
			Err:       fmt.Errorf("embeddings API error (status %d): %s", resp.StatusCode, string(body)),
			Retryable: true,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings API error (status %d): %s", resp.StatusCode, string(body))
	}

	var response struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(response.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embeddings API returned out-of-range index %d", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
