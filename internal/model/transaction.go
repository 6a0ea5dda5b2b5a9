package model

import "strings"

// Canonical column names produced by the upstream canonicalization step.
const (
	FieldSupplierName    = "supplier_name"
	FieldLineDescription = "line_description"
	FieldGLDescription   = "gl_description"
	FieldGLCode          = "gl_code"
	FieldDepartment      = "department"
	FieldCostCenter      = "cost_center"
	FieldPONumber        = "po_number"
	FieldAmount          = "amount"
	FieldInvoiceDate     = "invoice_date"
	FieldCompany         = "company"
	FieldCreationDate    = "creation_date"
)

// DefaultGroupingFields are the columns that identify an invoice.
var DefaultGroupingFields = []string{
	FieldInvoiceDate,
	FieldCompany,
	FieldSupplierName,
	FieldCreationDate,
}

// Transaction is a single canonicalized row of named fields. Rows are
// treated as immutable once handed to the engine.
type Transaction map[string]string

// Field returns the raw value for a column, or "" if absent.
func (t Transaction) Field(name string) string {
	return t[name]
}

// HasValue reports whether the column holds a non-blank value.
func (t Transaction) HasValue(name string) bool {
	return strings.TrimSpace(t[name]) != ""
}

// Supplier returns the trimmed supplier name.
func (t Transaction) Supplier() string {
	return strings.TrimSpace(t[FieldSupplierName])
}

// Clone returns a copy so callers can annotate rows without mutating the
// input.
func (t Transaction) Clone() Transaction {
	out := make(Transaction, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Dataset is the ordered set of rows handed to the engine, along with the
// schema they were canonicalized to.
type Dataset struct {
	Name    string
	Columns []string
	Rows    []Transaction
}

// HasColumn reports whether the schema contains the named column.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}
