package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/sortia/spendclass/internal/service"
)

// vectorIndex is an in-memory flat index of normalized path embeddings.
// Inner product on normalized vectors equals cosine similarity.
type vectorIndex struct {
	paths   []string
	vectors [][]float32
}

type scoredPath struct {
	score float64
	idx   int
}

// search embeds the query and returns paths scoring above floor, best
// first, at most topK.
func (v *vectorIndex) search(ctx context.Context, embedder service.Embedder, query string, topK int, floor float64) ([]scoredPath, error) {
	vecs, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	q := normalize(vecs[0])

	matches := make([]scoredPath, 0, len(v.vectors))
	for i, pv := range v.vectors {
		s := dot(q, pv)
		if s > floor {
			matches = append(matches, scoredPath{score: s, idx: i})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// indexCache builds at most one vector index per distinct taxonomy and
// description set, keyed by content hash.
type indexCache struct {
	mu      sync.Mutex
	entries map[string]*indexEntry
}

type indexEntry struct {
	once sync.Once
	idx  *vectorIndex
	err  error
}

func newIndexCache() *indexCache {
	return &indexCache{entries: make(map[string]*indexEntry)}
}

// contentHash produces a stable key over the sorted taxonomy paths and
// their descriptions.
func contentHash(taxonomy []string, descriptions map[string]string) string {
	paths := make([]string, len(taxonomy))
	copy(paths, taxonomy)
	sort.Strings(paths)

	var b strings.Builder
	b.WriteString(strings.Join(paths, "|"))
	if len(descriptions) > 0 {
		pairs := make([]string, 0, len(descriptions))
		for k, v := range descriptions {
			pairs = append(pairs, k+":"+v)
		}
		sort.Strings(pairs)
		b.WriteString("||")
		b.WriteString(strings.Join(pairs, "|"))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// getOrBuild returns the cached index for the taxonomy, building it once
// per key. Build failures are cached too so a flaky embedder is not
// hammered on every query.
func (c *indexCache) getOrBuild(ctx context.Context, embedder service.Embedder, taxonomy []string, descriptions map[string]string) (*vectorIndex, error) {
	key := contentHash(taxonomy, descriptions)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &indexEntry{}
		c.entries[key] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.idx, entry.err = buildIndex(ctx, embedder, taxonomy, descriptions)
		if entry.err == nil {
			slog.Debug("Built taxonomy vector index",
				"paths", len(taxonomy),
				"with_descriptions", len(descriptions) > 0)
		}
	})

	return entry.idx, entry.err
}

// buildIndex embeds each path enriched with its description when one is
// available.
func buildIndex(ctx context.Context, embedder service.Embedder, taxonomy []string, descriptions map[string]string) (*vectorIndex, error) {
	texts := make([]string, len(taxonomy))
	for i, path := range taxonomy {
		if desc, ok := descriptions[path]; ok && strings.TrimSpace(desc) != "" {
			texts[i] = path + " - " + strings.TrimSpace(desc)
		} else {
			texts[i] = path
		}
	}

	vecs, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed taxonomy: %w", err)
	}
	if len(vecs) != len(taxonomy) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d paths", len(vecs), len(taxonomy))
	}

	normalized := make([][]float32, len(vecs))
	for i, v := range vecs {
		normalized[i] = normalize(v)
	}

	paths := make([]string, len(taxonomy))
	copy(paths, taxonomy)

	return &vectorIndex{paths: paths, vectors: normalized}, nil
}
