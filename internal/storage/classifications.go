package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/service"
)

// GetClassification resolves an exact (run scope, supplier, fingerprint)
// key. A hit increments the usage counter.
func (s *SQLiteStore) GetClassification(ctx context.Context, runScope, supplier, fingerprint string) (*service.StoredClassification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT l1, l2, l3, l4, l5, override_rule_applied, reasoning, usage_count
		FROM classifications
		WHERE run_scope = ? AND supplier_name = ? AND fingerprint = ?`,
		runScope, supplier, fingerprint)

	stored, err := scanStored(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get classification: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE classifications SET usage_count = usage_count + 1
		WHERE run_scope = ? AND supplier_name = ? AND fingerprint = ?`,
		runScope, supplier, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to bump usage count: %w", err)
	}
	stored.UseCount++

	return stored, nil
}

// BatchGetClassifications resolves many fingerprints for one supplier in
// one query. Hits increment usage counters.
func (s *SQLiteStore) BatchGetClassifications(ctx context.Context, runScope, supplier string, fingerprints []string) (map[string]service.StoredClassification, error) {
	out := make(map[string]service.StoredClassification)
	if len(fingerprints) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(fingerprints))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(fingerprints)+2)
	args = append(args, runScope, supplier)
	for _, fp := range fingerprints {
		args = append(args, fp)
	}

	query := fmt.Sprintf(`
		SELECT fingerprint, l1, l2, l3, l4, l5, override_rule_applied, reasoning, usage_count
		FROM classifications
		WHERE run_scope = ? AND supplier_name = ? AND fingerprint IN (%s)`, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch get classifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []string
	for rows.Next() {
		var fp string
		var stored service.StoredClassification
		r := &stored.Result
		if err := rows.Scan(&fp, &r.L1, &r.L2, &r.L3, &r.L4, &r.L5,
			&r.OverrideRuleApplied, &r.Reasoning, &stored.UseCount); err != nil {
			return nil, fmt.Errorf("failed to scan classification: %w", err)
		}
		stored.UseCount++
		out[fp] = stored
		hits = append(hits, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate classifications: %w", err)
	}

	if len(hits) > 0 {
		hitPlaceholders := strings.Repeat("?,", len(hits))
		hitPlaceholders = hitPlaceholders[:len(hitPlaceholders)-1]
		hitArgs := make([]any, 0, len(hits)+2)
		hitArgs = append(hitArgs, runScope, supplier)
		for _, fp := range hits {
			hitArgs = append(hitArgs, fp)
		}
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE classifications SET usage_count = usage_count + 1
			WHERE run_scope = ? AND supplier_name = ? AND fingerprint IN (%s)`, hitPlaceholders),
			hitArgs...)
		if err != nil {
			return nil, fmt.Errorf("failed to bump usage counts: %w", err)
		}
	}

	return out, nil
}

// GetBySupplierL1 resolves the partial supplier + top-level-category key.
func (s *SQLiteStore) GetBySupplierL1(ctx context.Context, runScope, supplier, l1 string) (*service.StoredClassification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT l1, l2, l3, l4, l5, override_rule_applied, reasoning, usage_count
		FROM supplier_l1_classifications
		WHERE run_scope = ? AND supplier_name = ? AND l1_key = ?`,
		runScope, supplier, l1)

	stored, err := scanStored(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get supplier l1 classification: %w", err)
	}
	return stored, nil
}

// UpsertClassification writes both cache granularities: the exact entry
// (when a fingerprint is given) and the supplier+L1 entry. Existing rows
// are updated in place, last writer wins.
func (s *SQLiteStore) UpsertClassification(ctx context.Context, runScope, supplier, fingerprint string, result model.ClassificationResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if fingerprint != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO classifications
				(run_scope, supplier_name, fingerprint, l1, l2, l3, l4, l5, override_rule_applied, reasoning)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_scope, supplier_name, fingerprint) DO UPDATE SET
				l1 = excluded.l1, l2 = excluded.l2, l3 = excluded.l3,
				l4 = excluded.l4, l5 = excluded.l5,
				override_rule_applied = excluded.override_rule_applied,
				reasoning = excluded.reasoning,
				usage_count = usage_count + 1,
				updated_at = CURRENT_TIMESTAMP`,
			runScope, supplier, fingerprint,
			result.L1, result.L2, result.L3, result.L4, result.L5,
			result.OverrideRuleApplied, result.Reasoning)
		if err != nil {
			return fmt.Errorf("failed to upsert exact classification: %w", err)
		}
	}

	if result.Valid() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO supplier_l1_classifications
				(run_scope, supplier_name, l1_key, l1, l2, l3, l4, l5, override_rule_applied, reasoning)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_scope, supplier_name, l1_key) DO UPDATE SET
				l1 = excluded.l1, l2 = excluded.l2, l3 = excluded.l3,
				l4 = excluded.l4, l5 = excluded.l5,
				override_rule_applied = excluded.override_rule_applied,
				reasoning = excluded.reasoning,
				usage_count = usage_count + 1,
				updated_at = CURRENT_TIMESTAMP`,
			runScope, supplier, result.L1,
			result.L1, result.L2, result.L3, result.L4, result.L5,
			result.OverrideRuleApplied, result.Reasoning)
		if err != nil {
			return fmt.Errorf("failed to upsert supplier l1 classification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit classification: %w", err)
	}
	return nil
}

func scanStored(row *sql.Row) (*service.StoredClassification, error) {
	var stored service.StoredClassification
	r := &stored.Result
	err := row.Scan(&r.L1, &r.L2, &r.L3, &r.L4, &r.L5,
		&r.OverrideRuleApplied, &r.Reasoning, &stored.UseCount)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}
