// Package engine orchestrates per-invoice classification across a bounded
// worker pool, combining rule overrides, the classification cache, the
// taxonomy retriever, and the external oracle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sortia/spendclass/internal/cache"
	"github.com/sortia/spendclass/internal/common"
	"github.com/sortia/spendclass/internal/grouping"
	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/retrieval"
	"github.com/sortia/spendclass/internal/service"
)

// Taxonomy is the closed per-dataset list of category paths, with
// optional per-path descriptions.
type Taxonomy struct {
	Paths        []string
	Descriptions map[string]string
}

// Config holds engine configuration.
type Config struct {
	Workers        int
	GroupingFields []string
	// ProfileCacheSize bounds the in-process supplier profile LRU.
	ProfileCacheSize int
	// RuleCacheSize bounds the in-process rule lookup LRU.
	RuleCacheSize int
	// Progress, when set, is invoked after each invoice completes.
	Progress func(done, total int)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		GroupingFields:   model.DefaultGroupingFields,
		ProfileCacheSize: 1000,
		RuleCacheSize:    500,
	}
}

// RunResult is the position-stable outcome of one classification run.
// Results[i] corresponds to input row i; nil means the row failed and has
// a matching entry in Errors.
type RunResult struct {
	Results  []*model.ClassificationResult
	Errors   []model.RowError
	Invoices int
}

// Engine is the concurrent dispatcher.
type Engine struct {
	cache     *cache.ClassificationCache
	retriever *retrieval.Retriever
	oracle    service.Oracle
	rules     service.RuleStore
	cfg       Config

	profiles  *cache.LRU[*model.SupplierProfile]
	ruleCache *cache.LRU[ruleLookup]
}

// ruleLookup caches a rule store answer, including the negative one, so
// repeat suppliers don't hit the store again.
type ruleLookup struct {
	mapping    *model.DirectMapping
	constraint *model.TaxonomyConstraint
}

// New creates an engine. The rule store may be nil when no override rules
// exist for the deployment.
func New(c *cache.ClassificationCache, r *retrieval.Retriever, oracle service.Oracle, rules service.RuleStore, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if len(cfg.GroupingFields) == 0 {
		cfg.GroupingFields = model.DefaultGroupingFields
	}
	if cfg.ProfileCacheSize <= 0 {
		cfg.ProfileCacheSize = 1000
	}
	if cfg.RuleCacheSize <= 0 {
		cfg.RuleCacheSize = 500
	}
	return &Engine{
		cache:     c,
		retriever: r,
		oracle:    oracle,
		rules:     rules,
		cfg:       cfg,
		profiles:  cache.NewLRU[*model.SupplierProfile](cfg.ProfileCacheSize),
		ruleCache: cache.NewLRU[ruleLookup](cfg.RuleCacheSize),
	}
}

// ClassifyDataset classifies every row of the dataset against the
// taxonomy. Fatal configuration problems are returned before any
// dispatch; row-level failures land in RunResult.Errors.
func (e *Engine) ClassifyDataset(ctx context.Context, ds *model.Dataset, taxonomy Taxonomy) (*RunResult, error) {
	if len(taxonomy.Paths) == 0 {
		return nil, common.NewConfigError(common.ErrNoTaxonomy, "taxonomy path list is empty")
	}
	if len(ds.Rows) == 0 {
		return &RunResult{Results: []*model.ClassificationResult{}}, nil
	}

	groups, err := grouping.GroupByInvoice(ds, e.cfg.GroupingFields)
	if err != nil {
		return nil, err
	}

	invoices := groups.Invoices()
	run := &RunResult{
		Results:  make([]*model.ClassificationResult, len(ds.Rows)),
		Invoices: len(invoices),
	}

	slog.Info("Dispatching invoices",
		"invoices", len(invoices),
		"rows", len(ds.Rows),
		"workers", e.cfg.Workers)

	// Errors are collected per invoice and flattened in invoice order so
	// the output is identical regardless of worker count.
	invoiceErrors := make([][]model.RowError, len(invoices))

	var done int
	var progressMu sync.Mutex
	report := func() {
		if e.cfg.Progress == nil {
			return
		}
		progressMu.Lock()
		done++
		e.cfg.Progress(done, len(invoices))
		progressMu.Unlock()
	}

	if e.cfg.Workers <= 1 || len(invoices) == 1 {
		for i, inv := range invoices {
			invoiceErrors[i] = e.dispatchInvoice(ctx, inv, ds.Name, taxonomy, run.Results)
			report()
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Workers)
		for i, inv := range invoices {
			i, inv := i, inv
			g.Go(func() error {
				invoiceErrors[i] = e.dispatchInvoice(gctx, inv, ds.Name, taxonomy, run.Results)
				report()
				return nil
			})
		}
		// Workers never return errors; failures are row-scoped.
		_ = g.Wait()
	}

	for _, errs := range invoiceErrors {
		run.Errors = append(run.Errors, errs...)
	}

	slog.Info("Classification run complete",
		"rows", len(ds.Rows),
		"invoices", len(invoices),
		"row_errors", len(run.Errors))

	return run, nil
}

// dispatchInvoice classifies one invoice, converting any panic into
// row-level errors so one bad invoice can't take down its siblings.
func (e *Engine) dispatchInvoice(ctx context.Context, inv *grouping.Invoice, dataset string, taxonomy Taxonomy, results []*model.ClassificationResult) (errs []model.RowError) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Invoice processing panicked", "invoice", inv.Key, "panic", r)
			errs = rowErrorsFor(inv.Rows, "", model.RowErrorInvoiceFailed,
				fmt.Sprintf("invoice processing failed: %v", r))
		}
	}()
	return e.classifyInvoice(ctx, inv, dataset, taxonomy, results)
}

func (e *Engine) classifyInvoice(ctx context.Context, inv *grouping.Invoice, dataset string, taxonomy Taxonomy, results []*model.ClassificationResult) []model.RowError {
	// Representative supplier: first non-empty across the rows.
	var supplier string
	for _, row := range inv.Rows {
		if s := row.Transaction.Supplier(); s != "" {
			supplier = s
			break
		}
	}
	if supplier == "" {
		return rowErrorsFor(inv.Rows, "", model.RowErrorMissingSupplier,
			"missing supplier_name in all invoice rows")
	}

	rules := e.lookupRules(ctx, supplier, dataset)

	// A direct-mapping rule short-circuits the oracle entirely.
	if rules.mapping != nil {
		return e.applyDirectMapping(ctx, inv, supplier, rules.mapping, results)
	}

	// Batch cache lookup; only misses go to the oracle.
	fingerprints := make([]string, len(inv.Rows))
	for i, row := range inv.Rows {
		fingerprints[i] = cache.Fingerprint(row.Transaction)
	}

	hits, err := e.cache.BatchLookup(ctx, supplier, fingerprints)
	if err != nil {
		// Degraded mode: the cache short-circuit is skipped, not fatal.
		slog.Warn("Cache lookup failed, classifying without short-circuit",
			"supplier", supplier, "error", err)
		hits = map[string]model.ClassificationResult{}
	}

	var uncached []grouping.Row
	var uncachedFingerprints []string
	for i, row := range inv.Rows {
		if hit, ok := hits[fingerprints[i]]; ok {
			result := hit
			results[row.Position] = &result
			continue
		}
		uncached = append(uncached, row)
		uncachedFingerprints = append(uncachedFingerprints, fingerprints[i])
	}

	if len(uncached) == 0 {
		slog.Debug("Invoice fully served from cache", "supplier", supplier, "rows", len(inv.Rows))
		return nil
	}

	// When a constraint pins the supplier to a single top-level category,
	// the cheaper supplier+L1 entry can serve rows whose exact
	// fingerprints missed.
	if l1 := constraintL1(rules.constraint); l1 != "" {
		partial, lookupErr := e.cache.LookupByL1(ctx, supplier, l1)
		if lookupErr != nil {
			slog.Warn("Supplier+L1 lookup failed", "supplier", supplier, "error", lookupErr)
		} else if partial != nil {
			var toStore []cache.BatchItem
			for i, row := range uncached {
				result := *partial
				results[row.Position] = &result
				toStore = append(toStore, cache.BatchItem{
					Fingerprint: uncachedFingerprints[i],
					Result:      *partial,
				})
			}
			if storeErr := e.cache.BatchStore(ctx, supplier, toStore); storeErr != nil {
				slog.Warn("Failed to persist classifications to cache",
					"supplier", supplier, "error", storeErr)
			}
			slog.Debug("Invoice served from supplier+L1 entry",
				"supplier", supplier, "l1", l1, "rows", len(uncached))
			return nil
		}
	}

	profile := e.supplierProfile(ctx, supplier)

	// Narrow the taxonomy for the oracle using the first uncached row as
	// the retrieval representative.
	req := retrieval.Request{
		Transaction:  uncached[0].Transaction,
		Profile:      profile,
		Taxonomy:     taxonomy.Paths,
		Descriptions: taxonomy.Descriptions,
	}
	candidates := e.retriever.GroupedByL1(ctx, req)

	// Confidence runs a second retrieval, so only pay for it when debug
	// logging is on.
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug("Invoice retrieval",
			"supplier", supplier,
			"candidate_groups", len(candidates),
			"confidence", e.retriever.Confidence(ctx, req))
	}

	txns := make([]model.Transaction, len(uncached))
	for i, row := range uncached {
		txns[i] = row.Transaction
	}

	oracleReq := service.ClassifyRequest{
		Transactions: txns,
		Supplier:     supplier,
		Profile:      profile,
		Candidates:   candidates,
	}
	if rules.constraint != nil {
		oracleReq.ConstraintPaths = rules.constraint.AllowedPaths
	}

	oracleResults, err := e.oracle.Classify(ctx, oracleReq)
	if err != nil {
		return rowErrorsFor(uncached, supplier, model.RowErrorOracleFailed,
			fmt.Sprintf("invoice classification failed: %v", err))
	}

	var errs []model.RowError
	if len(oracleResults) != len(uncached) {
		slog.Error("Oracle returned wrong result count",
			"supplier", supplier,
			"want", len(uncached),
			"got", len(oracleResults))
	}

	var toStore []cache.BatchItem
	for i, row := range uncached {
		if i >= len(oracleResults) {
			errs = append(errs, model.RowError{
				Position:     row.Position,
				SupplierName: supplier,
				Kind:         model.RowErrorMissingResult,
				Message:      fmt.Sprintf("oracle returned %d results for %d rows", len(oracleResults), len(uncached)),
			})
			continue
		}

		result := oracleResults[i]
		if !result.Valid() {
			errs = append(errs, model.RowError{
				Position:     row.Position,
				SupplierName: supplier,
				Kind:         model.RowErrorInvalidResult,
				Message:      "classification result has no top-level category",
			})
			continue
		}

		results[row.Position] = &result
		toStore = append(toStore, cache.BatchItem{
			Fingerprint: uncachedFingerprints[i],
			Result:      result,
		})
	}

	if len(toStore) > 0 {
		if err := e.cache.BatchStore(ctx, supplier, toStore); err != nil {
			slog.Warn("Failed to persist classifications to cache",
				"supplier", supplier, "error", err)
		}
	}

	return errs
}

// applyDirectMapping assigns the rule's path to every row and persists
// the result, skipping the oracle.
func (e *Engine) applyDirectMapping(ctx context.Context, inv *grouping.Invoice, supplier string, mapping *model.DirectMapping, results []*model.ClassificationResult) []model.RowError {
	base := model.ResultFromPath(mapping.Path)
	base.OverrideRuleApplied = fmt.Sprintf("direct_mapping_%d", mapping.ID)
	base.Reasoning = fmt.Sprintf("[Direct Mapping Rule] Supplier %q mapped to %s", supplier, mapping.Path)

	var toStore []cache.BatchItem
	for _, row := range inv.Rows {
		result := base
		results[row.Position] = &result
		toStore = append(toStore, cache.BatchItem{
			Fingerprint: cache.Fingerprint(row.Transaction),
			Result:      base,
		})
	}

	if err := e.cache.BatchStore(ctx, supplier, toStore); err != nil {
		slog.Warn("Failed to persist rule classifications to cache",
			"supplier", supplier, "error", err)
	}
	if e.rules != nil {
		if err := e.rules.IncrementDirectMappingUseCount(ctx, mapping.ID); err != nil {
			slog.Warn("Failed to bump rule use count", "rule_id", mapping.ID, "error", err)
		}
	}

	slog.Info("Applied direct mapping rule",
		"supplier", supplier,
		"path", mapping.Path,
		"rows", len(inv.Rows))
	return nil
}

// constraintL1 returns the one top-level category a constraint allows, or
// "" when the constraint is absent or spans several.
func constraintL1(c *model.TaxonomyConstraint) string {
	if c == nil || len(c.AllowedPaths) == 0 {
		return ""
	}
	l1 := model.PathL1(c.AllowedPaths[0])
	for _, p := range c.AllowedPaths[1:] {
		if model.PathL1(p) != l1 {
			return ""
		}
	}
	return l1
}

// lookupRules fetches supplier rules through the in-process cache. Misses
// are cached too so repeat suppliers cost one store round trip.
func (e *Engine) lookupRules(ctx context.Context, supplier, dataset string) ruleLookup {
	if e.rules == nil {
		return ruleLookup{}
	}

	key := cache.NormalizeSupplier(supplier) + "\x00" + dataset
	if cached, ok := e.ruleCache.Get(key); ok {
		return cached
	}

	var lookup ruleLookup
	mapping, err := e.rules.GetDirectMapping(ctx, supplier, dataset)
	if err != nil {
		slog.Warn("Direct mapping lookup failed", "supplier", supplier, "error", err)
	} else {
		lookup.mapping = mapping
	}
	constraint, err := e.rules.GetTaxonomyConstraint(ctx, supplier, dataset)
	if err != nil {
		slog.Warn("Taxonomy constraint lookup failed", "supplier", supplier, "error", err)
	} else {
		lookup.constraint = constraint
	}

	e.ruleCache.Set(key, lookup)
	return lookup
}

// supplierProfile reads a profile through the LRU with a store
// fall-through. Absence is normal; the oracle works without one.
func (e *Engine) supplierProfile(ctx context.Context, supplier string) *model.SupplierProfile {
	key := cache.NormalizeSupplier(supplier)
	if p, ok := e.profiles.Get(key); ok {
		return p
	}

	p, err := e.cache.SupplierProfile(ctx, supplier)
	if err != nil {
		slog.Debug("Supplier profile lookup failed", "supplier", supplier, "error", err)
		return nil
	}
	if p != nil {
		e.profiles.Set(key, p)
	}
	return p
}

func rowErrorsFor(rows []grouping.Row, supplier string, kind model.RowErrorKind, msg string) []model.RowError {
	errs := make([]model.RowError, len(rows))
	for i, row := range rows {
		errs[i] = model.RowError{
			Position:     row.Position,
			SupplierName: supplier,
			Kind:         kind,
			Message:      msg,
		}
	}
	return errs
}
