package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sortia/spendclass/internal/cache"
	"github.com/sortia/spendclass/internal/common"
	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/retrieval"
	"github.com/sortia/spendclass/internal/storage"
)

var testTaxonomy = Taxonomy{
	Paths: []string{
		"it|hardware|laptops",
		"it|software|licenses",
		"facilities|utilities|electricity",
		"professional services|consulting",
		"travel|airfare",
		"non-clinical|general|other",
		"general|other",
	},
}

type testEnv struct {
	store  *storage.SQLiteStore
	cache  *cache.ClassificationCache
	oracle *MockOracle
	engine *Engine
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	classCache := cache.New(store, "test-run")
	oracle := NewMockOracle()
	retriever := retrieval.New(nil, retrieval.DefaultConfig())

	return &testEnv{
		store:  store,
		cache:  classCache,
		oracle: oracle,
		engine: New(classCache, retriever, oracle, store, cfg),
	}
}

func testDataset(rows []model.Transaction) *model.Dataset {
	return &model.Dataset{
		Name:    "test-dataset",
		Columns: []string{"invoice_date", "company", "supplier_name", "creation_date", "line_description", "gl_description"},
		Rows:    rows,
	}
}

func invoiceRows(supplier, date, desc string, n int) []model.Transaction {
	rows := make([]model.Transaction, n)
	for i := range rows {
		rows[i] = model.Transaction{
			"invoice_date":     date,
			"company":          "TestCo",
			"supplier_name":    supplier,
			"creation_date":    date,
			"line_description": desc,
		}
	}
	return rows
}

func TestClassifyDataset(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	rows := append(invoiceRows("Dell", "2024-01-01", "laptop computers", 2),
		invoiceRows("PowerCo", "2024-01-02", "monthly electricity charges", 1)...)

	run, err := env.engine.ClassifyDataset(context.Background(), testDataset(rows), testTaxonomy)
	require.NoError(t, err)

	require.Len(t, run.Results, 3)
	assert.Empty(t, run.Errors)
	assert.Equal(t, 2, run.Invoices)

	// Position alignment: row 0 and 1 are the laptop invoice, row 2 power.
	require.NotNil(t, run.Results[0])
	assert.Equal(t, "it|hardware|laptops", run.Results[0].Path())
	assert.Equal(t, "it|hardware|laptops", run.Results[1].Path())
	assert.Equal(t, "facilities|utilities|electricity", run.Results[2].Path())

	// One oracle call per invoice, not per row.
	assert.Equal(t, 2, env.oracle.CallCount())
}

func TestClassifyDatasetEmptyTaxonomy(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	_, err := env.engine.ClassifyDataset(context.Background(),
		testDataset(invoiceRows("Dell", "2024-01-01", "laptops", 1)), Taxonomy{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNoTaxonomy))
	assert.True(t, common.IsConfigError(err))
}

func TestClassifyDatasetMissingGroupingColumn(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	ds := &model.Dataset{
		Name:    "bad",
		Columns: []string{"supplier_name", "line_description"},
		Rows:    []model.Transaction{{"supplier_name": "Dell"}},
	}

	_, err := env.engine.ClassifyDataset(context.Background(), ds, testTaxonomy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrMissingGroupingColumn))
}

func TestClassifyDatasetEmpty(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	run, err := env.engine.ClassifyDataset(context.Background(), testDataset(nil), testTaxonomy)
	require.NoError(t, err)
	assert.Empty(t, run.Results)
	assert.Empty(t, run.Errors)
	assert.Zero(t, env.oracle.CallCount())
}

func TestClassifyDatasetWorkerDeterminism(t *testing.T) {
	var rows []model.Transaction
	for i := 0; i < 20; i++ {
		supplier := fmt.Sprintf("Supplier %d", i%7)
		rows = append(rows, invoiceRows(supplier, fmt.Sprintf("2024-01-%02d", i%5+1), "software license renewal", 1)...)
	}
	ds := testDataset(rows)

	sequentialCfg := DefaultConfig()
	sequentialCfg.Workers = 1
	sequential := newTestEnv(t, sequentialCfg)

	parallelCfg := DefaultConfig()
	parallelCfg.Workers = 8
	parallel := newTestEnv(t, parallelCfg)

	seqRun, err := sequential.engine.ClassifyDataset(context.Background(), ds, testTaxonomy)
	require.NoError(t, err)
	parRun, err := parallel.engine.ClassifyDataset(context.Background(), ds, testTaxonomy)
	require.NoError(t, err)

	require.Len(t, parRun.Results, len(seqRun.Results))
	for i := range seqRun.Results {
		require.NotNil(t, seqRun.Results[i])
		require.NotNil(t, parRun.Results[i])
		assert.Equal(t, seqRun.Results[i].Path(), parRun.Results[i].Path(), "row %d", i)
	}
	assert.Equal(t, seqRun.Errors, parRun.Errors)
}

func TestDirectMappingShortCircuit(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	require.NoError(t, env.store.SaveDirectMapping(context.Background(), &model.DirectMapping{
		Supplier: "Acme Corp",
		Path:     "non-clinical|general|other",
		Active:   true,
	}))

	rows := invoiceRows("Acme Corp", "2024-01-01", "miscellaneous services", 3)
	run, err := env.engine.ClassifyDataset(context.Background(), testDataset(rows), testTaxonomy)
	require.NoError(t, err)

	assert.Zero(t, env.oracle.CallCount(), "rule must bypass the oracle")
	assert.Empty(t, run.Errors)
	for _, result := range run.Results {
		require.NotNil(t, result)
		assert.Equal(t, "non-clinical|general|other", result.Path())
		assert.Contains(t, result.OverrideRuleApplied, "direct_mapping_")
	}

	// The rule application is counted.
	mapping, err := env.store.GetDirectMapping(context.Background(), "Acme Corp", "test-dataset")
	require.NoError(t, err)
	assert.Equal(t, 1, mapping.UseCount)
}

func TestMissingSupplierRows(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	rows := []model.Transaction{
		{"invoice_date": "2024-01-01", "company": "TestCo", "supplier_name": "", "creation_date": "2024-01-01", "line_description": "mystery"},
		{"invoice_date": "2024-01-01", "company": "TestCo", "supplier_name": "", "creation_date": "2024-01-01", "line_description": "mystery"},
	}

	run, err := env.engine.ClassifyDataset(context.Background(), testDataset(rows), testTaxonomy)
	require.NoError(t, err)

	assert.Zero(t, env.oracle.CallCount())
	require.Len(t, run.Errors, 2)
	for i, rowErr := range run.Errors {
		assert.Equal(t, model.RowErrorMissingSupplier, rowErr.Kind)
		assert.Equal(t, i, rowErr.Position)
		assert.Nil(t, run.Results[rowErr.Position])
	}
}

func TestOracleFailureIsolation(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.oracle.FailFor = map[string]error{
		"badco": errors.New("provider timeout"),
	}

	rows := append(invoiceRows("Dell", "2024-01-01", "laptop computers", 1),
		invoiceRows("BadCo", "2024-01-02", "unknowable services", 2)...)

	run, err := env.engine.ClassifyDataset(context.Background(), testDataset(rows), testTaxonomy)
	require.NoError(t, err)

	// Dell's invoice is unaffected by BadCo's failure.
	require.NotNil(t, run.Results[0])
	assert.Equal(t, "it|hardware|laptops", run.Results[0].Path())

	require.Len(t, run.Errors, 2)
	for _, rowErr := range run.Errors {
		assert.Equal(t, model.RowErrorOracleFailed, rowErr.Kind)
		assert.Equal(t, "BadCo", rowErr.SupplierName)
		assert.Nil(t, run.Results[rowErr.Position])
	}
}

func TestOracleShortResponse(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.oracle.ShortBy = 1

	rows := invoiceRows("Dell", "2024-01-01", "laptop computers", 3)
	run, err := env.engine.ClassifyDataset(context.Background(), testDataset(rows), testTaxonomy)
	require.NoError(t, err)

	require.Len(t, run.Errors, 1)
	assert.Equal(t, model.RowErrorMissingResult, run.Errors[0].Kind)
	assert.Equal(t, 2, run.Errors[0].Position, "the dropped tail row is flagged")
	assert.NotNil(t, run.Results[0])
	assert.NotNil(t, run.Results[1])
	assert.Nil(t, run.Results[2])
}

func TestInvalidOracleResult(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.oracle.Fixed["dell"] = ""

	rows := invoiceRows("Dell", "2024-01-01", "laptop computers", 1)
	run, err := env.engine.ClassifyDataset(context.Background(), testDataset(rows), testTaxonomy)
	require.NoError(t, err)

	require.Len(t, run.Errors, 1)
	assert.Equal(t, model.RowErrorInvalidResult, run.Errors[0].Kind)
	assert.Nil(t, run.Results[0])
}

func TestSecondRunServedFromCache(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ds := testDataset(invoiceRows("Dell", "2024-01-01", "laptop computers", 2))

	first, err := env.engine.ClassifyDataset(context.Background(), ds, testTaxonomy)
	require.NoError(t, err)
	callsAfterFirst := env.oracle.CallCount()
	require.Equal(t, 1, callsAfterFirst)

	second, err := env.engine.ClassifyDataset(context.Background(), ds, testTaxonomy)
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, env.oracle.CallCount(), "second pass is fully cached")
	for i := range first.Results {
		assert.Equal(t, first.Results[i].Path(), second.Results[i].Path())
	}
}

func TestConstraintReachesOracle(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	require.NoError(t, env.store.SaveTaxonomyConstraint(context.Background(), &model.TaxonomyConstraint{
		Supplier:     "Dell",
		AllowedPaths: []string{"it|hardware|laptops", "it|software|licenses"},
		Active:       true,
	}))

	rows := invoiceRows("Dell", "2024-01-01", "laptop computers", 1)
	_, err := env.engine.ClassifyDataset(context.Background(), testDataset(rows), testTaxonomy)
	require.NoError(t, err)

	calls := env.oracle.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Constrained)
}

func TestSingleL1ConstraintServedFromPartialEntry(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	require.NoError(t, env.store.SaveTaxonomyConstraint(context.Background(), &model.TaxonomyConstraint{
		Supplier:     "Dell",
		AllowedPaths: []string{"it|hardware|laptops", "it|software|licenses"},
		Active:       true,
	}))

	// The first invoice reaches the oracle and persists both the exact
	// and the supplier+L1 entries.
	first := testDataset(invoiceRows("Dell", "2024-01-01", "laptop computers", 1))
	run, err := env.engine.ClassifyDataset(context.Background(), first, testTaxonomy)
	require.NoError(t, err)
	require.Equal(t, 1, env.oracle.CallCount())
	require.Equal(t, "it|hardware|laptops", run.Results[0].Path())

	// A later invoice with new descriptions misses the exact key but the
	// constraint pins one top-level category, so the supplier+L1 entry
	// serves it without another oracle call.
	second := testDataset(invoiceRows("Dell", "2024-02-01", "docking stations and cables", 2))
	run, err = env.engine.ClassifyDataset(context.Background(), second, testTaxonomy)
	require.NoError(t, err)

	assert.Equal(t, 1, env.oracle.CallCount(), "partial entry must bypass the oracle")
	assert.Empty(t, run.Errors)
	for _, result := range run.Results {
		require.NotNil(t, result)
		assert.Equal(t, "it", model.PathL1(result.Path()))
	}
}

func TestMultiL1ConstraintStillReachesOracle(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	require.NoError(t, env.store.SaveTaxonomyConstraint(context.Background(), &model.TaxonomyConstraint{
		Supplier:     "Dell",
		AllowedPaths: []string{"it|hardware|laptops", "travel|airfare"},
		Active:       true,
	}))

	first := testDataset(invoiceRows("Dell", "2024-01-01", "laptop computers", 1))
	_, err := env.engine.ClassifyDataset(context.Background(), first, testTaxonomy)
	require.NoError(t, err)

	// The constraint spans two top-level categories, so a new fingerprint
	// cannot be served from a supplier+L1 entry.
	second := testDataset(invoiceRows("Dell", "2024-02-01", "laptop chargers", 1))
	_, err = env.engine.ClassifyDataset(context.Background(), second, testTaxonomy)
	require.NoError(t, err)

	assert.Equal(t, 2, env.oracle.CallCount())
}

func TestSupplierProfileFlowsToOracle(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	require.NoError(t, env.store.SaveSupplierProfile(context.Background(), "dell", &model.SupplierProfile{
		SupplierName: "dell",
		Industry:     "computer hardware",
	}))

	rows := invoiceRows("Dell", "2024-01-01", "laptop computers", 1)
	run, err := env.engine.ClassifyDataset(context.Background(), testDataset(rows), testTaxonomy)
	require.NoError(t, err)
	assert.Empty(t, run.Errors)
	assert.Equal(t, 1, env.oracle.CallCount())
}

func TestProgressCallback(t *testing.T) {
	cfg := DefaultConfig()
	var done, total int
	cfg.Progress = func(d, tot int) { done, total = d, tot }
	env := newTestEnv(t, cfg)

	rows := append(invoiceRows("Dell", "2024-01-01", "laptops", 1),
		invoiceRows("HP", "2024-01-02", "laptops", 1)...)

	_, err := env.engine.ClassifyDataset(context.Background(), testDataset(rows), testTaxonomy)
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	assert.Equal(t, 2, total)
}

// countingEmbedder returns a constant vector for every text and counts
// calls, making retrieval work observable.
type countingEmbedder struct{ calls atomic.Int32 }

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestConfidenceComputedOnlyAtDebugLevel(t *testing.T) {
	runAt := func(level slog.Level) int32 {
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level})))
		defer slog.SetDefault(prev)

		store, err := storage.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		require.NoError(t, store.Migrate(context.Background()))

		embedder := &countingEmbedder{}
		retriever := retrieval.New(embedder, retrieval.DefaultConfig())
		eng := New(cache.New(store, "test-run"), retriever, NewMockOracle(), store, DefaultConfig())

		ds := testDataset(invoiceRows("Dell", "2024-01-01", "laptop computers", 1))
		_, err = eng.ClassifyDataset(context.Background(), ds, testTaxonomy)
		require.NoError(t, err)
		return embedder.calls.Load()
	}

	quiet := runAt(slog.LevelInfo)
	verbose := runAt(slog.LevelDebug)

	// Confidence scoring is a second retrieval pass; it only runs when
	// debug logging is enabled.
	assert.Greater(t, verbose, quiet)
}
