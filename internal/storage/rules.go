package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sortia/spendclass/internal/cache"
	"github.com/sortia/spendclass/internal/model"
)

// GetDirectMapping returns the active direct-mapping rule for a supplier
// and dataset, or nil. Dataset-specific rules win over global ones.
func (s *SQLiteStore) GetDirectMapping(ctx context.Context, supplier, dataset string) (*model.DirectMapping, error) {
	normalized := cache.NormalizeSupplier(supplier)

	row := s.db.QueryRowContext(ctx, `
		SELECT id, supplier_name, dataset_name, classification_path, active, use_count, updated_at
		FROM supplier_direct_mappings
		WHERE supplier_name = ? AND dataset_name IN (?, '') AND active = 1
		ORDER BY dataset_name DESC
		LIMIT 1`,
		normalized, dataset)

	var m model.DirectMapping
	var active int
	err := row.Scan(&m.ID, &m.Supplier, &m.Dataset, &m.Path, &active, &m.UseCount, &m.LastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get direct mapping: %w", err)
	}
	m.Active = active == 1
	return &m, nil
}

// SaveDirectMapping inserts or replaces a direct-mapping rule.
func (s *SQLiteStore) SaveDirectMapping(ctx context.Context, m *model.DirectMapping) error {
	active := 0
	if m.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supplier_direct_mappings (supplier_name, dataset_name, classification_path, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(supplier_name, dataset_name) DO UPDATE SET
			classification_path = excluded.classification_path,
			active = excluded.active,
			updated_at = CURRENT_TIMESTAMP`,
		cache.NormalizeSupplier(m.Supplier), m.Dataset, m.Path, active)
	if err != nil {
		return fmt.Errorf("failed to save direct mapping: %w", err)
	}
	return nil
}

// IncrementDirectMappingUseCount records an application of the rule.
func (s *SQLiteStore) IncrementDirectMappingUseCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE supplier_direct_mappings SET use_count = use_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment direct mapping use count: %w", err)
	}
	return nil
}

// GetTaxonomyConstraint returns the active allow-list rule for a supplier
// and dataset, or nil.
func (s *SQLiteStore) GetTaxonomyConstraint(ctx context.Context, supplier, dataset string) (*model.TaxonomyConstraint, error) {
	normalized := cache.NormalizeSupplier(supplier)

	row := s.db.QueryRowContext(ctx, `
		SELECT id, supplier_name, dataset_name, allowed_paths, active
		FROM supplier_taxonomy_constraints
		WHERE supplier_name = ? AND dataset_name IN (?, '') AND active = 1
		ORDER BY dataset_name DESC
		LIMIT 1`,
		normalized, dataset)

	var c model.TaxonomyConstraint
	var active int
	var pathsJSON string
	err := row.Scan(&c.ID, &c.Supplier, &c.Dataset, &pathsJSON, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get taxonomy constraint: %w", err)
	}
	if err := json.Unmarshal([]byte(pathsJSON), &c.AllowedPaths); err != nil {
		return nil, fmt.Errorf("failed to decode allowed paths: %w", err)
	}
	c.Active = active == 1
	return &c, nil
}

// SaveTaxonomyConstraint inserts or replaces a taxonomy-constraint rule.
func (s *SQLiteStore) SaveTaxonomyConstraint(ctx context.Context, c *model.TaxonomyConstraint) error {
	pathsJSON, err := json.Marshal(c.AllowedPaths)
	if err != nil {
		return fmt.Errorf("failed to encode allowed paths: %w", err)
	}
	active := 0
	if c.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO supplier_taxonomy_constraints (supplier_name, dataset_name, allowed_paths, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(supplier_name, dataset_name) DO UPDATE SET
			allowed_paths = excluded.allowed_paths,
			active = excluded.active,
			updated_at = CURRENT_TIMESTAMP`,
		cache.NormalizeSupplier(c.Supplier), c.Dataset, string(pathsJSON), active)
	if err != nil {
		return fmt.Errorf("failed to save taxonomy constraint: %w", err)
	}
	return nil
}
