package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sortia/spendclass/internal/model"
)

// parseClassifications extracts per-row results from the model response.
// The returned slice always has length want; rows the model skipped or
// duplicated come back as zero values.
func parseClassifications(content string, want int) ([]model.ClassificationResult, error) {
	content = cleanMarkdownWrapper(content)

	var payload struct {
		Classifications []struct {
			Row       int    `json:"row"`
			Path      string `json:"path"`
			Reasoning string `json:"reasoning"`
		} `json:"classifications"`
	}

	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	if len(payload.Classifications) == 0 {
		return nil, fmt.Errorf("no classifications found in response")
	}

	results := make([]model.ClassificationResult, want)
	for _, entry := range payload.Classifications {
		idx := entry.Row - 1
		if idx < 0 || idx >= want {
			continue
		}
		path := normalizePath(entry.Path)
		if path == "" {
			continue
		}
		result := model.ResultFromPath(path)
		result.Reasoning = strings.TrimSpace(entry.Reasoning)
		results[idx] = result
	}

	return results, nil
}

// normalizePath trims levels and drops anything past the maximum depth.
func normalizePath(path string) string {
	levels := model.SplitPath(path)
	if len(levels) == 0 {
		return ""
	}
	if len(levels) > model.MaxTaxonomyDepth {
		levels = levels[:model.MaxTaxonomyDepth]
	}
	return strings.Join(levels, model.PathSeparator)
}

// cleanMarkdownWrapper strips code fences some models wrap JSON in.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		if idx := strings.Index(content, "\n"); idx >= 0 {
			content = content[idx+1:]
		}
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}

	return strings.TrimSpace(content)
}
