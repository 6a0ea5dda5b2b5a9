package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sortia/spendclass/internal/common"
	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/service"
)

// fakeClient returns canned completions.
type fakeClient struct {
	responses []string
	errs      []error
	calls     atomic.Int32
}

func (f *fakeClient) Complete(_ context.Context, _ string) (string, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	if n < len(f.responses) {
		return f.responses[n], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func testOracle(client Client) *Oracle {
	return &Oracle{
		client:  client,
		limiter: newRateLimiter(6000),
		retryOpts: service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

func classifyRequest(n int) service.ClassifyRequest {
	txns := make([]model.Transaction, n)
	for i := range txns {
		txns[i] = model.Transaction{"line_description": "laptop computers"}
	}
	return service.ClassifyRequest{
		Transactions: txns,
		Supplier:     "Dell",
		Candidates:   map[string][]string{"it": {"it|hardware|laptops"}},
	}
}

func TestOracleClassify(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"classifications": [{"row": 1, "path": "it|hardware|laptops", "reasoning": "product"}]}`,
	}}
	oracle := testOracle(client)
	defer oracle.Close()

	results, err := oracle.Classify(context.Background(), classifyRequest(1))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "it|hardware|laptops", results[0].Path())
	assert.Equal(t, "product", results[0].Reasoning)
}

func TestOracleClassifyEmptyRequest(t *testing.T) {
	oracle := testOracle(&fakeClient{responses: []string{"unused"}})
	defer oracle.Close()

	results, err := oracle.Classify(context.Background(), classifyRequest(0))
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestOracleRetriesMalformedOutput(t *testing.T) {
	client := &fakeClient{responses: []string{
		"sorry, here is prose instead of JSON",
		`{"classifications": [{"row": 1, "path": "it|hardware", "reasoning": ""}]}`,
	}}
	oracle := testOracle(client)
	defer oracle.Close()

	results, err := oracle.Classify(context.Background(), classifyRequest(1))
	require.NoError(t, err)
	assert.Equal(t, int32(2), client.calls.Load())
	assert.Equal(t, "it|hardware", results[0].Path())
}

func TestOracleExhaustedRetries(t *testing.T) {
	transient := &common.RetryableError{Err: errors.New("upstream 500"), Retryable: true}
	client := &fakeClient{errs: []error{transient, transient, transient}, responses: []string{""}}
	oracle := testOracle(client)
	defer oracle.Close()

	_, err := oracle.Classify(context.Background(), classifyRequest(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrClassificationFailed))
	assert.Equal(t, int32(3), client.calls.Load())
}

func TestNewOracleProviders(t *testing.T) {
	_, err := NewOracle(Config{Provider: "openai", APIKey: "k"})
	assert.NoError(t, err)

	_, err = NewOracle(Config{Provider: "anthropic", APIKey: "k"})
	assert.NoError(t, err)

	_, err = NewOracle(Config{Provider: "carrier-pigeon", APIKey: "k"})
	assert.Error(t, err)

	_, err = NewOracle(Config{Provider: "openai"})
	assert.Error(t, err, "API key is required")
}

func TestOpenAIClientComplete(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"classifications": []}`}},
			},
		})
	}))
	defer server.Close()

	client, err := newOpenAIClient(Config{APIKey: "test-key", Model: "test-model", BaseURL: server.URL})
	require.NoError(t, err)

	content, err := client.Complete(context.Background(), "classify this")
	require.NoError(t, err)
	assert.Equal(t, `{"classifications": []}`, content)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestOpenAIClientRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := newOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrRateLimit))

	var retryable *common.RetryableError
	require.True(t, errors.As(err, &retryable))
	assert.True(t, retryable.Retryable)
}

func TestOpenAIClientServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := newOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "x")
	require.Error(t, err)

	var retryable *common.RetryableError
	assert.True(t, errors.As(err, &retryable), "5xx responses are retryable")
}

func TestOpenAIClientBadRequestNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := newOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "x")
	require.Error(t, err)

	var retryable *common.RetryableError
	assert.False(t, errors.As(err, &retryable))
}

func TestEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		data := make([]map[string]any, len(body.Input))
		// Answer out of order to prove index-based reassembly.
		for i := range body.Input {
			j := len(body.Input) - 1 - i
			data[i] = map[string]any{"index": j, "embedding": []float32{float32(j), 1}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer server.Close()

	embedder, err := NewEmbedder(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	vectors, err := embedder.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.Equal(t, float32(i), v[0], "vector %d out of order", i)
	}
}

func TestEmbedderNilWithoutKey(t *testing.T) {
	embedder, err := NewEmbedder(Config{})
	require.NoError(t, err)
	assert.Nil(t, embedder)
}

func TestBuildClassifyPrompt(t *testing.T) {
	req := classifyRequest(2)
	req.Profile = &model.SupplierProfile{Industry: "computer hardware"}

	prompt := buildClassifyPrompt(req)

	assert.Contains(t, prompt, `"Dell"`)
	assert.Contains(t, prompt, "computer hardware")
	assert.Contains(t, prompt, "it|hardware|laptops")
	assert.Contains(t, prompt, "1.")
	assert.Contains(t, prompt, "2.")
	assert.NotContains(t, prompt, "MUST choose", "no constraint section without constraint paths")
}

func TestBuildClassifyPromptConstraint(t *testing.T) {
	req := classifyRequest(1)
	req.ConstraintPaths = []string{"it|software|licenses"}

	prompt := buildClassifyPrompt(req)

	assert.Contains(t, prompt, "allowed paths only")
	assert.Contains(t, prompt, "it|software|licenses")
	assert.NotContains(t, prompt, "grouped by top-level category")
}
