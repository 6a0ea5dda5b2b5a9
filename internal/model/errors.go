package model

import "fmt"

// RowErrorKind classifies a row-level failure.
type RowErrorKind string

// Row-level error kinds. These never abort sibling rows or invoices.
const (
	RowErrorMissingSupplier RowErrorKind = "MISSING_SUPPLIER_NAME"
	RowErrorOracleFailed    RowErrorKind = "CLASSIFICATION_FAILED"
	RowErrorInvalidResult   RowErrorKind = "INVALID_CLASSIFICATION_RESULT"
	RowErrorMissingResult   RowErrorKind = "MISSING_CLASSIFICATION_RESULT"
	RowErrorInvoiceFailed   RowErrorKind = "INVOICE_PROCESSING_FAILED"
)

// RowError is a structured record of a failure scoped to a single row.
type RowError struct {
	Position     int
	SupplierName string
	Kind         RowErrorKind
	Message      string
}

func (e RowError) Error() string {
	if e.SupplierName != "" {
		return fmt.Sprintf("row %d (%s): %s: %s", e.Position, e.SupplierName, e.Kind, e.Message)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Position, e.Kind, e.Message)
}
