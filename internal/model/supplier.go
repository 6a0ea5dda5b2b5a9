package model

import "time"

// SupplierProfile is contextual information about a supplier gathered
// outside this engine (research, master data). All fields optional.
type SupplierProfile struct {
	SupplierName     string
	OfficialName     string
	Description      string
	Industry         string
	ProductsServices string
	ServiceType      string
	Confidence       string
}

// DirectMapping is a 100%-confidence static override: every transaction
// from the supplier gets the mapped taxonomy path without consulting the
// oracle.
type DirectMapping struct {
	ID          int64
	Supplier    string
	Dataset     string
	Path        string
	Active      bool
	UseCount    int
	LastUpdated time.Time
}

// TaxonomyConstraint restricts the oracle to an allow-list of taxonomy
// paths for a supplier.
type TaxonomyConstraint struct {
	ID           int64
	Supplier     string
	Dataset      string
	AllowedPaths []string
	Active       bool
}
