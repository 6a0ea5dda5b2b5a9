package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sortia/spendclass/internal/model"
	"github.com/sortia/spendclass/internal/storage"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage supplier override rules",
		Long: `Rules short-circuit or constrain the oracle for a supplier.

A direct mapping assigns a fixed taxonomy path to every transaction from
the supplier. A constraint limits the oracle to an allow-list of paths.
Rules scoped to a dataset win over global ones.`,
	}

	cmd.AddCommand(rulesAddMappingCmd())
	cmd.AddCommand(rulesAddConstraintCmd())

	return cmd
}

func rulesAddMappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-mapping <supplier> <path>",
		Short: "Map every transaction from a supplier to one taxonomy path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			supplier, path := args[0], args[1]
			dataset, _ := cmd.Flags().GetString("dataset")

			if len(model.SplitPath(path)) == 0 {
				return fmt.Errorf("invalid taxonomy path: %q", path)
			}

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			mapping := &model.DirectMapping{
				Supplier: supplier,
				Dataset:  dataset,
				Path:     path,
				Active:   true,
			}
			if err := db.SaveDirectMapping(cmd.Context(), mapping); err != nil {
				return err
			}

			slog.Info("Direct mapping saved",
				"supplier", supplier,
				"dataset", dataset,
				"path", path)
			return nil
		},
	}

	cmd.Flags().String("dataset", "", "restrict the rule to one dataset (empty = all)")
	return cmd
}

func rulesAddConstraintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-constraint <supplier> <path>[,<path>...]",
		Short: "Limit the oracle to an allow-list of paths for a supplier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			supplier := args[0]
			dataset, _ := cmd.Flags().GetString("dataset")

			var paths []string
			for _, p := range strings.Split(args[1], ",") {
				p = strings.TrimSpace(p)
				if p != "" {
					paths = append(paths, p)
				}
			}
			if len(paths) == 0 {
				return fmt.Errorf("constraint needs at least one path")
			}

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			constraint := &model.TaxonomyConstraint{
				Supplier:     supplier,
				Dataset:      dataset,
				AllowedPaths: paths,
				Active:       true,
			}
			if err := db.SaveTaxonomyConstraint(cmd.Context(), constraint); err != nil {
				return err
			}

			slog.Info("Taxonomy constraint saved",
				"supplier", supplier,
				"dataset", dataset,
				"paths", len(paths))
			return nil
		},
	}

	cmd.Flags().String("dataset", "", "restrict the rule to one dataset (empty = all)")
	return cmd
}

func openStore(cmd *cobra.Command) (*storage.SQLiteStore, error) {
	db, err := storage.NewSQLiteStore(databasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(cmd.Context()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}
