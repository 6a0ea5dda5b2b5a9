package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/service"
)

// MockOracle is a test implementation of the Oracle interface. It returns
// deterministic paths based on supplier and description patterns and
// records every call for assertions.
type MockOracle struct {
	mu    sync.Mutex
	calls []MockOracleCall

	// Err, when set, is returned from every Classify call.
	Err error
	// FailFor maps lowercase supplier names to errors returned for just
	// that supplier's requests.
	FailFor map[string]error
	// Fixed, when set, maps a lowercase supplier name to the path every
	// row of that supplier receives.
	Fixed map[string]string
	// ShortBy, when positive, drops that many results from the tail of
	// each response to simulate a truncated oracle reply.
	ShortBy int
}

// MockOracleCall records one classification request.
type MockOracleCall struct {
	Supplier        string
	Rows            int
	CandidateGroups int
	Constrained     bool
}

// NewMockOracle creates a mock oracle with no canned failures.
func NewMockOracle() *MockOracle {
	return &MockOracle{Fixed: make(map[string]string)}
}

// Classify assigns deterministic taxonomy paths from description keywords.
func (m *MockOracle) Classify(_ context.Context, req service.ClassifyRequest) ([]model.ClassificationResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockOracleCall{
		Supplier:        req.Supplier,
		Rows:            len(req.Transactions),
		CandidateGroups: len(req.Candidates),
		Constrained:     len(req.ConstraintPaths) > 0,
	})
	err := m.Err
	if err == nil {
		err = m.FailFor[strings.ToLower(req.Supplier)]
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	results := make([]model.ClassificationResult, 0, len(req.Transactions))
	for _, txn := range req.Transactions {
		results = append(results, m.classifyOne(req.Supplier, txn))
	}
	if m.ShortBy > 0 && m.ShortBy < len(results) {
		results = results[:len(results)-m.ShortBy]
	}
	return results, nil
}

func (m *MockOracle) classifyOne(supplier string, txn model.Transaction) model.ClassificationResult {
	if path, ok := m.Fixed[strings.ToLower(supplier)]; ok {
		result := model.ResultFromPath(path)
		result.Reasoning = "fixed mapping for " + supplier
		return result
	}

	desc := strings.ToLower(txn.Field(model.FieldLineDescription) + " " + txn.Field(model.FieldGLDescription))

	var path string
	switch {
	case strings.Contains(desc, "laptop") || strings.Contains(desc, "computer"):
		path = "it|hardware|laptops"
	case strings.Contains(desc, "software") || strings.Contains(desc, "license"):
		path = "it|software|licenses"
	case strings.Contains(desc, "electricity") || strings.Contains(desc, "utility"):
		path = "facilities|utilities|electricity"
	case strings.Contains(desc, "consulting") || strings.Contains(desc, "advisory"):
		path = "professional services|consulting"
	case strings.Contains(desc, "travel") || strings.Contains(desc, "flight"):
		path = "travel|airfare"
	default:
		path = "general|other"
	}

	result := model.ResultFromPath(path)
	result.Reasoning = "keyword match on line description"
	return result
}

// Calls returns a copy of the recorded calls.
func (m *MockOracle) Calls() []MockOracleCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockOracleCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Classify invocations.
func (m *MockOracle) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
