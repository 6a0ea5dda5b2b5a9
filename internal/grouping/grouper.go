// Package grouping partitions transaction rows into invoice-level groups.
package grouping

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/sortia/spendclass/internal/common"
	"github.com/sortia/spendclass/internal/model"
)

// nullSentinel stands in for blank or missing key fields so that rows
// missing the same fields still group together.
const nullSentinel = "<null>"

// keySeparator joins normalized key fields into an invoice key.
const keySeparator = "|"

// Row is one transaction inside an invoice group, carrying its original
// position in the input.
type Row struct {
	Position    int
	Transaction model.Transaction
}

// Invoice is an ordered group of rows sharing one composite key.
type Invoice struct {
	Key  string
	Rows []Row
}

// Groups is the result of partitioning a dataset. Invoice order follows
// first appearance in the input.
type Groups struct {
	byKey    map[string]*Invoice
	ordered  []*Invoice
	rowCount int
}

// Invoices returns groups in first-seen order.
func (g *Groups) Invoices() []*Invoice {
	return g.ordered
}

// Len returns the number of invoice groups.
func (g *Groups) Len() int {
	return len(g.ordered)
}

// RowCount returns the total number of rows across all groups.
func (g *Groups) RowCount() int {
	return g.rowCount
}

// Lookup returns the invoice for a key, or nil.
func (g *Groups) Lookup(key string) *Invoice {
	return g.byKey[key]
}

// GroupByInvoice partitions dataset rows into invoices keyed by the given
// grouping fields. Every row lands in exactly one group and relative
// input order is preserved within and across groups. A grouping field
// absent from the dataset schema is a fatal configuration error.
func GroupByInvoice(ds *model.Dataset, fields []string) (*Groups, error) {
	if len(fields) == 0 {
		fields = model.DefaultGroupingFields
	}

	var missing []string
	for _, f := range fields {
		if !ds.HasColumn(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, common.NewConfigError(common.ErrMissingGroupingColumn,
			fmt.Sprintf("missing %v, available %v", missing, ds.Columns))
	}

	groups := &Groups{byKey: make(map[string]*Invoice)}

	for pos, txn := range ds.Rows {
		key := InvoiceKey(txn, fields)

		inv, ok := groups.byKey[key]
		if !ok {
			inv = &Invoice{Key: key}
			groups.byKey[key] = inv
			groups.ordered = append(groups.ordered, inv)
		}

		inv.Rows = append(inv.Rows, Row{
			Position:    pos,
			Transaction: txn,
		})
		groups.rowCount++
	}

	if groups.rowCount > 0 {
		slog.Info("Grouped rows into invoices",
			"rows", groups.rowCount,
			"invoices", groups.Len())
	}

	return groups, nil
}

// InvoiceKey builds the normalized composite key for a row: each field
// lowercased and trimmed, blanks replaced by a sentinel, joined with a
// pipe.
func InvoiceKey(txn model.Transaction, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v := strings.TrimSpace(strings.ToLower(txn.Field(f)))
		if v == "" {
			v = nullSentinel
		}
		parts[i] = v
	}
	return strings.Join(parts, keySeparator)
}
