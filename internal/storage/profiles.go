package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sortia/spendclass/internal/model"
)

// GetSupplierProfile returns the stored profile snapshot for a supplier,
// or nil when none exists. Supplier names are stored normalized.
func (s *SQLiteStore) GetSupplierProfile(ctx context.Context, supplier string) (*model.SupplierProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT supplier_name, official_name, description, industry, products_services, service_type, confidence
		FROM supplier_profiles
		WHERE supplier_name = ?`, supplier)

	var p model.SupplierProfile
	err := row.Scan(&p.SupplierName, &p.OfficialName, &p.Description,
		&p.Industry, &p.ProductsServices, &p.ServiceType, &p.Confidence)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get supplier profile: %w", err)
	}
	return &p, nil
}

// SaveSupplierProfile stores a profile snapshot, replacing any previous
// one for the supplier.
func (s *SQLiteStore) SaveSupplierProfile(ctx context.Context, supplier string, profile *model.SupplierProfile) error {
	if profile == nil {
		return fmt.Errorf("profile must not be nil")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supplier_profiles
			(supplier_name, official_name, description, industry, products_services, service_type, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(supplier_name) DO UPDATE SET
			official_name = excluded.official_name,
			description = excluded.description,
			industry = excluded.industry,
			products_services = excluded.products_services,
			service_type = excluded.service_type,
			confidence = excluded.confidence,
			updated_at = CURRENT_TIMESTAMP`,
		supplier, profile.OfficialName, profile.Description,
		profile.Industry, profile.ProductsServices, profile.ServiceType, profile.Confidence)
	if err != nil {
		return fmt.Errorf("failed to save supplier profile: %w", err)
	}
	return nil
}
