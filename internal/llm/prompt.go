package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/service"
)

const systemPrompt = "You are a procurement spend classifier. You assign taxonomy paths to invoice line items. You MUST respond with ONLY a valid JSON object. Do not include any explanatory text, markdown formatting, or commentary before or after the JSON. Start your response directly with { and end with }."

// promptFields are the transaction fields shown to the model, in order.
var promptFields = []string{
	model.FieldLineDescription,
	model.FieldGLDescription,
	model.FieldGLCode,
	model.FieldDepartment,
	model.FieldCostCenter,
	model.FieldPONumber,
	model.FieldAmount,
}

// buildClassifyPrompt renders one invoice's rows, the supplier context,
// and the candidate taxonomy paths into a single prompt.
func buildClassifyPrompt(req service.ClassifyRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Classify each line item below from supplier %q into exactly one taxonomy path.\n\n", req.Supplier)

	if req.Profile != nil {
		b.WriteString("Supplier context:\n")
		writeProfileLine(&b, "Official name", req.Profile.OfficialName)
		writeProfileLine(&b, "Description", req.Profile.Description)
		writeProfileLine(&b, "Industry", req.Profile.Industry)
		writeProfileLine(&b, "Products/services", req.Profile.ProductsServices)
		writeProfileLine(&b, "Service type", req.Profile.ServiceType)
		b.WriteString("\n")
	}

	b.WriteString("Line items:\n")
	for i, txn := range req.Transactions {
		fmt.Fprintf(&b, "%d.", i+1)
		for _, field := range promptFields {
			if v := txn.Field(field); v != "" {
				fmt.Fprintf(&b, " %s=%q", field, v)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if len(req.ConstraintPaths) > 0 {
		b.WriteString("You MUST choose from these allowed paths only:\n")
		for _, path := range req.ConstraintPaths {
			fmt.Fprintf(&b, "- %s\n", path)
		}
	} else {
		b.WriteString("Candidate taxonomy paths, grouped by top-level category:\n")
		for _, l1 := range sortedKeys(req.Candidates) {
			fmt.Fprintf(&b, "%s:\n", l1)
			for _, path := range req.Candidates[l1] {
				fmt.Fprintf(&b, "- %s\n", path)
			}
		}
	}

	b.WriteString(`
Respond with JSON in this exact shape:
{"classifications": [{"row": 1, "path": "level1|level2|level3", "reasoning": "short justification"}]}

Rules:
- Return exactly one entry per line item, numbered in order starting at 1.
- The path must be copied verbatim from the lists above. Never invent a path.
- Levels are separated by "|", at most five levels deep.
`)

	return b.String()
}

func writeProfileLine(b *strings.Builder, label, value string) {
	if value != "" {
		fmt.Fprintf(b, "- %s: %s\n", label, value)
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Keep prompt output stable across runs.
	sort.Strings(keys)
	return keys
}
