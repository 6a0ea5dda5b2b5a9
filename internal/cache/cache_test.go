package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/service"
)

// fakeStore is an in-memory ClassificationStore for cache tests.
type fakeStore struct {
	mu       sync.Mutex
	exact    map[string]*service.StoredClassification
	byL1     map[string]*service.StoredClassification
	profiles map[string]*model.SupplierProfile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		exact:    make(map[string]*service.StoredClassification),
		byL1:     make(map[string]*service.StoredClassification),
		profiles: make(map[string]*model.SupplierProfile),
	}
}

func exactKey(runScope, supplier, fingerprint string) string {
	return runScope + "/" + supplier + "/" + fingerprint
}

func (f *fakeStore) GetClassification(_ context.Context, runScope, supplier, fingerprint string) (*service.StoredClassification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.exact[exactKey(runScope, supplier, fingerprint)]
	if !ok {
		return nil, nil
	}
	stored.UseCount++
	copied := *stored
	return &copied, nil
}

func (f *fakeStore) BatchGetClassifications(_ context.Context, runScope, supplier string, fingerprints []string) (map[string]service.StoredClassification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]service.StoredClassification)
	for _, fp := range fingerprints {
		if stored, ok := f.exact[exactKey(runScope, supplier, fp)]; ok {
			stored.UseCount++
			out[fp] = *stored
		}
	}
	return out, nil
}

func (f *fakeStore) GetBySupplierL1(_ context.Context, runScope, supplier, l1 string) (*service.StoredClassification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.byL1[exactKey(runScope, supplier, l1)]
	if !ok {
		return nil, nil
	}
	copied := *stored
	return &copied, nil
}

func (f *fakeStore) UpsertClassification(_ context.Context, runScope, supplier, fingerprint string, result model.ClassificationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fingerprint != "" {
		f.exact[exactKey(runScope, supplier, fingerprint)] = &service.StoredClassification{Result: result}
	}
	if result.Valid() {
		f.byL1[exactKey(runScope, supplier, result.L1)] = &service.StoredClassification{Result: result}
	}
	return nil
}

func (f *fakeStore) GetSupplierProfile(_ context.Context, supplier string) (*model.SupplierProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[supplier], nil
}

func (f *fakeStore) SaveSupplierProfile(_ context.Context, supplier string, profile *model.SupplierProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[supplier] = profile
	return nil
}

func testTxn() model.Transaction {
	return model.Transaction{
		"gl_description":   "IT Equipment",
		"line_description": "Latitude laptops",
		"department":       "Engineering",
	}
}

func TestCacheStoreAndLookup(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeStore(), "run-1")

	txn := testTxn()
	result := model.ResultFromPath("it|hardware|laptops")

	miss, err := c.Lookup(ctx, "Dell Inc", txn)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, c.Store(ctx, "Dell Inc", txn, result))

	hit, err := c.Lookup(ctx, "Dell Inc", txn)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "it", hit.L1)
	assert.Equal(t, "laptops", hit.L3)
}

func TestCacheSupplierNormalization(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeStore(), "run-1")
	txn := testTxn()

	require.NoError(t, c.Store(ctx, "  DELL INC ", txn, model.ResultFromPath("it|hardware")))

	hit, err := c.Lookup(ctx, "dell inc", txn)
	require.NoError(t, err)
	assert.NotNil(t, hit)
}

func TestCacheRunScopeIsolation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	txn := testTxn()

	first := New(store, "run-1")
	require.NoError(t, first.Store(ctx, "Dell", txn, model.ResultFromPath("it|hardware")))

	second := New(store, "run-2")
	hit, err := second.Lookup(ctx, "Dell", txn)
	require.NoError(t, err)
	assert.Nil(t, hit, "entries from another run scope are invisible")
}

func TestCacheBatchLookup(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeStore(), "run-1")

	txns := []model.Transaction{
		{"gl_description": "a", "line_description": "one", "department": "d"},
		{"gl_description": "b", "line_description": "two", "department": "d"},
		{"gl_description": "c", "line_description": "three", "department": "d"},
	}

	require.NoError(t, c.Store(ctx, "Dell", txns[0], model.ResultFromPath("it|hardware")))
	require.NoError(t, c.Store(ctx, "Dell", txns[2], model.ResultFromPath("it|software")))

	fingerprints := []string{Fingerprint(txns[0]), Fingerprint(txns[1]), Fingerprint(txns[2])}
	hits, err := c.BatchLookup(ctx, "Dell", fingerprints)
	require.NoError(t, err)

	assert.Len(t, hits, 2)
	assert.Contains(t, hits, fingerprints[0])
	assert.NotContains(t, hits, fingerprints[1])
	assert.Contains(t, hits, fingerprints[2])
}

func TestCacheBatchLookupEmpty(t *testing.T) {
	c := New(newFakeStore(), "run-1")
	hits, err := c.BatchLookup(context.Background(), "Dell", nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCacheDualGranularity(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeStore(), "run-1")
	txn := testTxn()

	result := model.ResultFromPath("it|hardware|laptops")
	require.NoError(t, c.Store(ctx, "Dell", txn, result))

	// The same write also lands under the supplier+L1 key.
	hit, err := c.LookupByL1(ctx, "Dell", "it")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "it|hardware|laptops", hit.Path())
}

func TestCacheBatchStore(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeStore(), "run-1")

	items := []BatchItem{
		{Fingerprint: "fp-1", Result: model.ResultFromPath("it|hardware")},
		{Fingerprint: "fp-2", Result: model.ResultFromPath("travel|airfare")},
	}
	require.NoError(t, c.BatchStore(ctx, "Dell", items))

	hits, err := c.BatchLookup(ctx, "Dell", []string{"fp-1", "fp-2"})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	assert.Equal(t, "travel", hits["fp-2"].L1)
}

func TestCacheSupplierProfiles(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeStore(), "run-1")

	missing, err := c.SupplierProfile(ctx, "Dell")
	require.NoError(t, err)
	assert.Nil(t, missing)

	profile := &model.SupplierProfile{SupplierName: "Dell", Industry: "computer hardware"}
	require.NoError(t, c.SaveSupplierProfile(ctx, "Dell", profile))

	got, err := c.SupplierProfile(ctx, "DELL")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "computer hardware", got.Industry)
}
