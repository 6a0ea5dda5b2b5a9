// Package retrieval implements hybrid keyword + semantic search over
// taxonomy paths, narrowing the candidate set the oracle has to consider.
package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/service"
)

// Config holds the scoring knobs. The boost constants are heuristic and
// deliberately configurable; the defaults match long-observed behavior.
type Config struct {
	TopK          int
	KeywordWeight float64
	SemanticWeight float64
	MinScore      float64

	// SemanticFloor is the minimum cosine similarity kept per variation.
	SemanticFloor float64
	// MaxVariations bounds how many query variations are searched.
	MaxVariations int
	// SemanticSearchDepth is how many paths each variation's semantic
	// search considers. It is independent of TopK so that raising TopK
	// only ever widens the result set; zero means the whole taxonomy.
	SemanticSearchDepth int

	SemanticBoostStep float64
	SemanticBoostCap  float64
	KeywordBoostStep  float64
	KeywordBoostCap   float64
	DepthBonusStep    float64
	DepthBonusCap     float64

	ConfidenceTopN int

	MaxL1Groups     int
	MaxPathsPerL1   int
	MaxTotalPaths   int
	L1SizeBonusStep float64
	L1SizeBonusMax  int
}

// DefaultConfig returns the default retrieval configuration.
func DefaultConfig() Config {
	return Config{
		TopK:                20,
		KeywordWeight:       0.4,
		SemanticWeight:      0.6,
		MinScore:            0.05,
		SemanticFloor:       0.1,
		MaxVariations:       5,
		SemanticSearchDepth: 50,
		SemanticBoostStep:   0.1,
		SemanticBoostCap:    0.2,
		KeywordBoostStep:    0.1,
		KeywordBoostCap:     0.15,
		DepthBonusStep:      0.05,
		DepthBonusCap:       0.2,
		ConfidenceTopN:      3,
		MaxL1Groups:         6,
		MaxPathsPerL1:       10,
		MaxTotalPaths:       60,
		L1SizeBonusStep:     0.05,
		L1SizeBonusMax:      5,
	}
}

// Result is one ranked candidate path.
type Result struct {
	Path          string
	CombinedScore float64
	KeywordScore  float64
	SemanticScore float64
	Depth         int
}

// Request carries the search inputs for one transaction.
type Request struct {
	Transaction  model.Transaction
	Profile      *model.SupplierProfile
	Taxonomy     []string
	Descriptions map[string]string
}

// Retriever ranks taxonomy paths for transactions. Safe for concurrent
// use; the vector index is built once per distinct taxonomy set.
type Retriever struct {
	cfg      Config
	embedder service.Embedder
	indexes  *indexCache
}

// New creates a retriever. A nil embedder degrades every query to pure
// keyword ranking.
func New(embedder service.Embedder, cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg = DefaultConfig()
	}
	return &Retriever{
		cfg:      cfg,
		embedder: embedder,
		indexes:  newIndexCache(),
	}
}

// Retrieve returns ranked candidate paths with the configured top-k and
// minimum score.
func (r *Retriever) Retrieve(ctx context.Context, req Request) []Result {
	return r.retrieve(ctx, req, r.cfg.TopK, r.cfg.MinScore)
}

// candidate accumulates scores for one path during a query; order is its
// first-encounter rank, used to break score ties deterministically.
type candidate struct {
	keyword  float64
	semantic float64
	combined float64
	order    int
}

func (r *Retriever) retrieve(ctx context.Context, req Request, topK int, minScore float64) []Result {
	if len(req.Taxonomy) == 0 {
		return nil
	}

	kwWeight, semWeight := r.cfg.KeywordWeight, r.cfg.SemanticWeight
	if total := kwWeight + semWeight; total > 0 {
		kwWeight /= total
		semWeight /= total
	}

	variations := queryVariations(req.Transaction, req.Profile)
	if len(variations) == 0 {
		return nil
	}
	if len(variations) > r.cfg.MaxVariations {
		variations = variations[:r.cfg.MaxVariations]
	}

	// The semantic pool depth must not track topK: the candidate set has
	// to be the same for every topK so that a larger topK only extends
	// the returned prefix.
	searchDepth := r.cfg.SemanticSearchDepth
	if searchDepth <= 0 || searchDepth > len(req.Taxonomy) {
		searchDepth = len(req.Taxonomy)
	}

	semantic := r.semanticScores(ctx, req, variations, searchDepth)
	keyword := r.keywordScores(req.Taxonomy, variations)

	candidates := make(map[string]*candidate)
	order := 0

	for _, sp := range semantic {
		c := &candidate{
			keyword:  keyword[sp.path],
			semantic: sp.score,
			order:    order,
		}
		c.combined = kwWeight*c.keyword + semWeight*c.semantic
		candidates[sp.path] = c
		order++
	}

	// High keyword matches survive even without a semantic hit.
	for _, path := range req.Taxonomy {
		kw := keyword[path]
		if kw <= 0.3 {
			continue
		}
		if _, ok := candidates[path]; ok {
			continue
		}
		candidates[path] = &candidate{
			keyword:  kw,
			combined: kwWeight * kw,
			order:    order,
		}
		order++
	}

	results := make([]Result, 0, len(candidates))
	for path, c := range candidates {
		if c.combined < minScore {
			continue
		}
		results = append(results, Result{
			Path:          path,
			CombinedScore: clamp01(c.combined),
			KeywordScore:  c.keyword,
			SemanticScore: c.semantic,
			Depth:         model.PathDepth(path),
		})
	}

	orderOf := func(res Result) int { return candidates[res.Path].order }
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		return orderOf(results[i]) < orderOf(results[j])
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// aggregatedSemantic is a path's best semantic score across variations in
// first-encounter order.
type aggregatedSemantic struct {
	path  string
	score float64
}

// semanticScores searches the index once per query variation and
// aggregates per-path maxima, boosting paths matched by several
// variations. depth bounds both the per-variation search and the
// aggregate. Any embedder failure degrades silently to keyword-only.
func (r *Retriever) semanticScores(ctx context.Context, req Request, variations []string, depth int) []aggregatedSemantic {
	if r.embedder == nil {
		return nil
	}

	index, err := r.indexes.getOrBuild(ctx, r.embedder, req.Taxonomy, req.Descriptions)
	if err != nil {
		slog.Debug("Vector index unavailable, keyword-only ranking", "error", err)
		return nil
	}

	type agg struct {
		best    float64
		matches int
		order   int
	}
	byPath := make(map[string]*agg)
	var encounter []string

	for _, query := range variations {
		matches, searchErr := index.search(ctx, r.embedder, query, depth, r.cfg.SemanticFloor)
		if searchErr != nil {
			slog.Debug("Semantic search failed for variation, skipping", "error", searchErr)
			continue
		}
		for _, m := range matches {
			path := index.paths[m.idx]
			a, ok := byPath[path]
			if !ok {
				a = &agg{order: len(encounter)}
				byPath[path] = a
				encounter = append(encounter, path)
			}
			a.matches++
			if m.score > a.best {
				a.best = m.score
			}
		}
	}

	out := make([]aggregatedSemantic, 0, len(encounter))
	for _, path := range encounter {
		a := byPath[path]
		score := a.best
		if a.matches > 1 {
			boost := r.cfg.SemanticBoostStep * float64(a.matches-1)
			if boost > r.cfg.SemanticBoostCap {
				boost = r.cfg.SemanticBoostCap
			}
			score = clamp01(score + boost)
		}
		out = append(out, aggregatedSemantic{path: path, score: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return byPath[out[i].path].order < byPath[out[j].path].order
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// keywordScores computes each path's best keyword score across the query
// variations, with a capped boost for multi-variation matches. Paths that
// never match are absent from the map.
func (r *Retriever) keywordScores(taxonomy []string, variations []string) map[string]float64 {
	queryTokens := make([]map[string]struct{}, len(variations))
	for i, q := range variations {
		queryTokens[i] = tokenize(q)
	}

	scores := make(map[string]float64, len(taxonomy))
	for _, path := range taxonomy {
		pathTokens := tokenize(path)
		depth := model.PathDepth(path)

		best := 0.0
		matches := 0
		for _, qt := range queryTokens {
			s := r.keywordSimilarity(qt, path, pathTokens, depth)
			if s > 0 {
				matches++
			}
			if s > best {
				best = s
			}
		}

		if matches > 1 {
			boost := r.cfg.KeywordBoostStep * float64(matches-1)
			if boost > r.cfg.KeywordBoostCap {
				boost = r.cfg.KeywordBoostCap
			}
			best = clamp01(best + boost)
		}

		if best > 0 {
			scores[path] = best
		}
	}
	return scores
}

// Confidence scores how well the transaction matches the taxonomy overall,
// bounded to [0,1]. Weighted toward the best candidate: 0.7·best plus
// 0.3·average of the top N.
func (r *Retriever) Confidence(ctx context.Context, req Request) float64 {
	topN := r.cfg.ConfidenceTopN
	if topN <= 0 {
		topN = 3
	}

	results := r.retrieve(ctx, req, topN, 0.0)
	if len(results) == 0 {
		return 0.0
	}
	if len(results) == 1 {
		return clamp01(results[0].CombinedScore)
	}

	n := topN
	if len(results) < n {
		n = len(results)
	}
	var sum float64
	for _, res := range results[:n] {
		sum += res.CombinedScore
	}
	avg := sum / float64(n)

	return clamp01(0.7*results[0].CombinedScore + 0.3*avg)
}

// GroupedByL1 returns the retriever's candidates organized by top-level
// category, bounded per group and in total, for handing to the oracle.
func (r *Retriever) GroupedByL1(ctx context.Context, req Request) map[string][]string {
	results := r.retrieve(ctx, req, r.cfg.MaxTotalPaths*2, r.cfg.MinScore)

	type group struct {
		l1    string
		paths []string
		best  float64
	}
	byL1 := make(map[string]*group)
	var encounter []*group

	for _, res := range results {
		l1 := model.PathL1(res.Path)
		g, ok := byL1[l1]
		if !ok {
			g = &group{l1: l1, best: res.CombinedScore}
			byL1[l1] = g
			encounter = append(encounter, g)
		}
		g.paths = append(g.paths, res.Path)
	}

	// Rank L1 groups by best path score plus a capped size bonus.
	ranked := make([]*group, len(encounter))
	copy(ranked, encounter)
	groupScore := func(g *group) float64 {
		n := len(g.paths)
		if n > r.cfg.L1SizeBonusMax {
			n = r.cfg.L1SizeBonusMax
		}
		return g.best + float64(n)*r.cfg.L1SizeBonusStep
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return groupScore(ranked[i]) > groupScore(ranked[j])
	})

	out := make(map[string][]string)
	total := 0

	take := func(g *group, limit int) {
		if limit > r.cfg.MaxPathsPerL1 {
			limit = r.cfg.MaxPathsPerL1
		}
		if limit > len(g.paths) {
			limit = len(g.paths)
		}
		if limit <= 0 {
			return
		}
		out[g.l1] = g.paths[:limit]
		total += limit
	}

	topGroups := ranked
	if len(topGroups) > r.cfg.MaxL1Groups {
		topGroups = topGroups[:r.cfg.MaxL1Groups]
	}
	for _, g := range topGroups {
		take(g, r.cfg.MaxTotalPaths-total)
	}

	// Backfill remaining groups while the global cap allows.
	if total < r.cfg.MaxTotalPaths {
		for _, g := range encounter {
			if _, done := out[g.l1]; done {
				continue
			}
			take(g, r.cfg.MaxTotalPaths-total)
			if total >= r.cfg.MaxTotalPaths {
				break
			}
		}
	}

	return out
}
