// Package cache implements the two-granularity classification cache that
// keeps already-seen transactions away from the oracle.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sortia/spendclass/internal/model"
)

// fingerprintFields are the transaction columns that determine cache
// identity. Amount is deliberately excluded: the same line item at a
// different price is still the same classification.
var fingerprintFields = []string{
	model.FieldGLDescription,
	model.FieldLineDescription,
	model.FieldDepartment,
}

// Fingerprint returns a deterministic hash over the normalized
// description fields of a transaction.
func Fingerprint(txn model.Transaction) string {
	parts := make([]string, len(fingerprintFields))
	for i, f := range fingerprintFields {
		parts[i] = strings.ToLower(strings.TrimSpace(txn.Field(f)))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// NormalizeSupplier canonicalizes a supplier name for cache keys.
func NormalizeSupplier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
