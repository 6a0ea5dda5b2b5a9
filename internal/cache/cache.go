package cache

import (
	"context"
	"fmt"

	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/service"
)

// ClassificationCache fronts the persistent store with the engine's cache
// semantics: exact (supplier + fingerprint) lookups first, supplier + L1
// partial lookups second, and dual-granularity writes. All methods are
// safe under concurrent callers; the store owns write serialization.
type ClassificationCache struct {
	store    service.ClassificationStore
	runScope string
}

// New creates a cache scoped to one processing run.
func New(store service.ClassificationStore, runScope string) *ClassificationCache {
	return &ClassificationCache{store: store, runScope: runScope}
}

// RunScope returns the identifier separating this run's entries.
func (c *ClassificationCache) RunScope() string {
	return c.runScope
}

// Lookup resolves a single transaction against the exact key. A hit
// increments the stored usage count; classification fields are never
// mutated by reads.
func (c *ClassificationCache) Lookup(ctx context.Context, supplier string, txn model.Transaction) (*model.ClassificationResult, error) {
	stored, err := c.store.GetClassification(ctx, c.runScope, NormalizeSupplier(supplier), Fingerprint(txn))
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if stored == nil {
		return nil, nil
	}
	result := stored.Result
	return &result, nil
}

// BatchLookup resolves many fingerprints for one supplier in a single
// store round trip, returning hits keyed by fingerprint.
func (c *ClassificationCache) BatchLookup(ctx context.Context, supplier string, fingerprints []string) (map[string]model.ClassificationResult, error) {
	if len(fingerprints) == 0 {
		return map[string]model.ClassificationResult{}, nil
	}
	stored, err := c.store.BatchGetClassifications(ctx, c.runScope, NormalizeSupplier(supplier), fingerprints)
	if err != nil {
		return nil, fmt.Errorf("cache batch lookup: %w", err)
	}
	out := make(map[string]model.ClassificationResult, len(stored))
	for fp, s := range stored {
		out[fp] = s.Result
	}
	return out, nil
}

// LookupByL1 resolves the cheaper supplier + top-level-category key, used
// when only a preliminary category is known.
func (c *ClassificationCache) LookupByL1(ctx context.Context, supplier, l1 string) (*model.ClassificationResult, error) {
	stored, err := c.store.GetBySupplierL1(ctx, c.runScope, NormalizeSupplier(supplier), l1)
	if err != nil {
		return nil, fmt.Errorf("cache l1 lookup: %w", err)
	}
	if stored == nil {
		return nil, nil
	}
	result := stored.Result
	return &result, nil
}

// Store persists one classification under both granularities: the exact
// entry and the supplier+L1 entry. Existing entries are updated in place.
func (c *ClassificationCache) Store(ctx context.Context, supplier string, txn model.Transaction, result model.ClassificationResult) error {
	if err := c.store.UpsertClassification(ctx, c.runScope, NormalizeSupplier(supplier), Fingerprint(txn), result); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// BatchStore persists many classifications for one supplier.
func (c *ClassificationCache) BatchStore(ctx context.Context, supplier string, items []BatchItem) error {
	normalized := NormalizeSupplier(supplier)
	for _, item := range items {
		if err := c.store.UpsertClassification(ctx, c.runScope, normalized, item.Fingerprint, item.Result); err != nil {
			return fmt.Errorf("cache batch store: %w", err)
		}
	}
	return nil
}

// BatchItem pairs a fingerprint with its classification for batch writes.
type BatchItem struct {
	Fingerprint string
	Result      model.ClassificationResult
}

// SupplierProfile reads the most recent profile snapshot for a supplier
// from the store, or nil when none exists.
func (c *ClassificationCache) SupplierProfile(ctx context.Context, supplier string) (*model.SupplierProfile, error) {
	return c.store.GetSupplierProfile(ctx, NormalizeSupplier(supplier))
}

// SaveSupplierProfile stores a profile snapshot for reuse in later runs.
func (c *ClassificationCache) SaveSupplierProfile(ctx context.Context, supplier string, profile *model.SupplierProfile) error {
	return c.store.SaveSupplierProfile(ctx, NormalizeSupplier(supplier), profile)
}
