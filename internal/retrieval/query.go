package retrieval

import (
	"strings"

	"github.com/sortia/spendclass/internal/model"
)

// descriptionWordCap bounds how much of a long line description makes it
// into a query.
const descriptionWordCap = 50

// baseQueries collects the raw signal fields from the transaction and
// supplier profile, strongest first.
func baseQueries(txn model.Transaction, profile *model.SupplierProfile) []string {
	var queries []string
	add := func(v string) {
		if strings.TrimSpace(v) != "" {
			queries = append(queries, v)
		}
	}

	if profile != nil {
		add(profile.ProductsServices)
		add(profile.ServiceType)
		add(profile.Industry)
	}

	add(txn.Field(model.FieldDepartment))
	add(txn.Field(model.FieldGLCode))
	add(txn.Field(model.FieldCostCenter))
	add(txn.Field(model.FieldLineDescription))
	add(txn.Field(model.FieldGLDescription))
	add(txn.Field(model.FieldPONumber))

	return queries
}

// queryVariations derives up to five query strings from the available
// signals, de-duplicated case-insensitively in order. When no structured
// variation applies the raw field values are used as-is.
func queryVariations(txn model.Transaction, profile *model.SupplierProfile) []string {
	base := baseQueries(txn, profile)
	if len(base) == 0 {
		return nil
	}

	var variations []string
	addJoined := func(parts []string) {
		if len(parts) > 0 {
			variations = append(variations, strings.Join(parts, " "))
		}
	}

	// Supplier-focused.
	if profile != nil {
		var parts []string
		if strings.TrimSpace(profile.ProductsServices) != "" {
			parts = append(parts, profile.ProductsServices)
		}
		if strings.TrimSpace(profile.ServiceType) != "" {
			parts = append(parts, profile.ServiceType)
		}
		addJoined(parts)
	}

	// Structured transaction fields.
	var structured []string
	if txn.HasValue(model.FieldDepartment) {
		structured = append(structured, txn.Field(model.FieldDepartment))
	}
	if txn.HasValue(model.FieldGLCode) {
		structured = append(structured, txn.Field(model.FieldGLCode))
	}
	addJoined(structured)

	// Description-focused.
	var desc []string
	if txn.HasValue(model.FieldLineDescription) {
		words := strings.Fields(txn.Field(model.FieldLineDescription))
		if len(words) > descriptionWordCap {
			words = words[:descriptionWordCap]
		}
		desc = append(desc, strings.Join(words, " "))
	}
	if txn.HasValue(model.FieldGLDescription) {
		desc = append(desc, txn.Field(model.FieldGLDescription))
	}
	addJoined(desc)

	// Supplier + structured combined.
	var combined []string
	if profile != nil && strings.TrimSpace(profile.ProductsServices) != "" {
		combined = append(combined, profile.ProductsServices)
	}
	if txn.HasValue(model.FieldDepartment) {
		combined = append(combined, txn.Field(model.FieldDepartment))
	}
	addJoined(combined)

	// Everything at once.
	all := base
	if len(all) > 5 {
		all = all[:5]
	}
	addJoined(all)

	unique := dedupeQueries(variations)
	if len(unique) == 0 {
		return dedupeQueries(base)
	}
	return unique
}

// dedupeQueries removes case-insensitive duplicates, preserving order.
func dedupeQueries(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		key := strings.ToLower(strings.TrimSpace(q))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
	}
	return out
}
