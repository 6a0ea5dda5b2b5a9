// Package service defines the interfaces for all external collaborators
// consumed by the classification engine.
package service

import (
	"context"
	"time"

	"github.com/sortia/spendclass/internal/model"
)

// ClassifyRequest carries everything the oracle needs to assign taxonomy
// paths to the rows of one invoice.
type ClassifyRequest struct {
	Transactions []model.Transaction
	Supplier     string
	Profile      *model.SupplierProfile
	// Candidates is the retriever's L1-grouped view of the taxonomy,
	// narrowing what the oracle has to consider.
	Candidates map[string][]string
	// ConstraintPaths, when non-empty, is a hard allow-list from an
	// active supplier rule.
	ConstraintPaths []string
}

// Oracle performs the actual category assignment. Implementations own
// their retries and timeouts; an error returned here is terminal for the
// rows in the request.
type Oracle interface {
	Classify(ctx context.Context, req ClassifyRequest) ([]model.ClassificationResult, error)
}

// Embedder turns text into vectors for semantic retrieval. A nil Embedder
// (or one that errors) degrades retrieval to keyword-only scoring.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// StoredClassification is a classification at rest, with its usage
// bookkeeping.
type StoredClassification struct {
	Result   model.ClassificationResult
	UseCount int
}

// ClassificationStore is the minimal persistent contract for the
// classification cache. Implementations must be safe under concurrent
// callers; last-writer-wins on key collisions is acceptable.
type ClassificationStore interface {
	// GetClassification resolves one exact key. A hit increments the
	// entry's usage count.
	GetClassification(ctx context.Context, runScope, supplier, fingerprint string) (*StoredClassification, error)
	// BatchGetClassifications resolves many exact keys for one supplier,
	// returning a map keyed by fingerprint. Hits increment usage counts.
	BatchGetClassifications(ctx context.Context, runScope, supplier string, fingerprints []string) (map[string]StoredClassification, error)
	// GetBySupplierL1 resolves the partial supplier+L1 key.
	GetBySupplierL1(ctx context.Context, runScope, supplier, l1 string) (*StoredClassification, error)
	// UpsertClassification stores a result under the exact key (when
	// fingerprint is non-empty) and the supplier+L1 key.
	UpsertClassification(ctx context.Context, runScope, supplier, fingerprint string, result model.ClassificationResult) error
	// GetSupplierProfile returns the most recent profile snapshot stored
	// for the supplier, or nil.
	GetSupplierProfile(ctx context.Context, supplier string) (*model.SupplierProfile, error)
	// SaveSupplierProfile stores a profile snapshot for later runs.
	SaveSupplierProfile(ctx context.Context, supplier string, profile *model.SupplierProfile) error
}

// RuleStore is the read-only source of supplier override rules.
type RuleStore interface {
	// GetDirectMapping returns the active direct-mapping rule for a
	// supplier and dataset, or nil when none applies.
	GetDirectMapping(ctx context.Context, supplier, dataset string) (*model.DirectMapping, error)
	// GetTaxonomyConstraint returns the active allow-list rule for a
	// supplier and dataset, or nil when none applies.
	GetTaxonomyConstraint(ctx context.Context, supplier, dataset string) (*model.TaxonomyConstraint, error)
	// IncrementDirectMappingUseCount records an application of the rule.
	IncrementDirectMappingUseCount(ctx context.Context, id int64) error
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
