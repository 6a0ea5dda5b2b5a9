package retrieval

import "strings"

var stopwords = map[string]struct{}{
	"and": {}, "or": {}, "the": {}, "a": {}, "an": {},
	"of": {}, "for": {}, "to": {}, "in": {}, "on": {}, "at": {},
}

// tokenize lowercases text, splits on non-alphanumeric runs, and drops
// single characters and stopwords.
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, w := range fields {
		if len(w) <= 1 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		tokens[w] = struct{}{}
	}
	return tokens
}

// keywordSimilarity scores query text against a taxonomy path in [0,1].
// Exact token overlap counts fully, substring overlaps between tokens of
// length >= 3 count half, and deeper paths get a capped specificity bonus.
func (r *Retriever) keywordSimilarity(queryTokens map[string]struct{}, path string, pathTokens map[string]struct{}, depth int) float64 {
	if len(queryTokens) == 0 || len(pathTokens) == 0 {
		return 0.0
	}

	exact := 0
	for qt := range queryTokens {
		if _, ok := pathTokens[qt]; ok {
			exact++
		}
	}

	partial := 0.0
	for qt := range queryTokens {
		for pt := range pathTokens {
			if qt == pt {
				continue
			}
			shorter := qt
			if len(pt) < len(qt) {
				shorter = pt
			}
			if len(shorter) < 3 {
				continue
			}
			if strings.Contains(qt, pt) || strings.Contains(pt, qt) {
				partial += 0.5
			}
		}
	}

	score := (float64(exact) + partial) / float64(len(queryTokens))

	bonus := float64(depth) * r.cfg.DepthBonusStep
	if bonus > r.cfg.DepthBonusCap {
		bonus = r.cfg.DepthBonusCap
	}

	return clamp01(score + bonus)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
