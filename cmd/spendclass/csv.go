package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sortia/spendclass/internal/engine"
	"github.com/sortia/spendclass/internal/model"
)

// loadDataset reads a CSV of invoice line items. The first record is the
// header; every row becomes a Transaction keyed by column name.
func loadDataset(path, name string) (*model.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("CSV file is empty")
	}

	header := make([]string, len(records[0]))
	for i, col := range records[0] {
		header[i] = strings.TrimSpace(strings.ToLower(col))
	}

	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	ds := &model.Dataset{
		Name:    name,
		Columns: header,
		Rows:    make([]model.Transaction, 0, len(records)-1),
	}

	for _, record := range records[1:] {
		txn := make(model.Transaction, len(header))
		for i, col := range header {
			if i < len(record) {
				txn[col] = record[i]
			}
		}
		ds.Rows = append(ds.Rows, txn)
	}

	return ds, nil
}

// taxonomyFile is a parsed taxonomy: one path per line, an optional
// description after a tab.
type taxonomyFile struct {
	Paths        []string
	Descriptions map[string]string
}

func loadTaxonomy(path string) (*taxonomyFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	tf := &taxonomyFile{Descriptions: make(map[string]string)}
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		taxPath := line
		var description string
		if idx := strings.Index(line, "\t"); idx >= 0 {
			taxPath = strings.TrimSpace(line[:idx])
			description = strings.TrimSpace(line[idx+1:])
		}

		key := strings.ToLower(taxPath)
		if taxPath == "" || seen[key] {
			continue
		}
		seen[key] = true

		tf.Paths = append(tf.Paths, taxPath)
		if description != "" {
			tf.Descriptions[taxPath] = description
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read taxonomy: %w", err)
	}
	if len(tf.Paths) == 0 {
		return nil, fmt.Errorf("taxonomy file %s has no paths", path)
	}

	return tf, nil
}

// classifiedColumns are appended to the input columns in the output CSV.
var classifiedColumns = []string{
	"l1", "l2", "l3", "l4", "l5",
	"override_rule_applied", "reasoning", "classification_error",
}

// writeClassified writes the input rows back out with classification
// columns appended. Row order matches the input exactly.
func writeClassified(path string, ds *model.Dataset, run *engine.RunResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	errorsByPosition := make(map[int]string, len(run.Errors))
	for _, rowErr := range run.Errors {
		errorsByPosition[rowErr.Position] = fmt.Sprintf("%s: %s", rowErr.Kind, rowErr.Message)
	}

	writer := csv.NewWriter(f)

	header := append(append([]string{}, ds.Columns...), classifiedColumns...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for i, txn := range ds.Rows {
		record := make([]string, 0, len(header))
		for _, col := range ds.Columns {
			record = append(record, txn[col])
		}

		result := run.Results[i]
		if result != nil {
			record = append(record,
				result.L1, result.L2, result.L3, result.L4, result.L5,
				result.OverrideRuleApplied, result.Reasoning, "")
		} else {
			record = append(record, "", "", "", "", "", "", "", errorsByPosition[i])
		}

		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
