package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sortia/spendclass/internal/model"
)

func suppliersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suppliers",
		Short: "Manage supplier profiles",
		Long: `Supplier profiles give the oracle context about who a supplier is and
what they sell. Profiles are gathered outside this tool and stored here
for reuse across classification runs.`,
	}

	cmd.AddCommand(suppliersSetProfileCmd())
	cmd.AddCommand(suppliersShowCmd())

	return cmd
}

func suppliersSetProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-profile <supplier>",
		Short: "Save or update a supplier profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			supplier := args[0]

			profile := &model.SupplierProfile{SupplierName: supplier}
			profile.OfficialName, _ = cmd.Flags().GetString("official-name")
			profile.Description, _ = cmd.Flags().GetString("description")
			profile.Industry, _ = cmd.Flags().GetString("industry")
			profile.ProductsServices, _ = cmd.Flags().GetString("products")
			profile.ServiceType, _ = cmd.Flags().GetString("service-type")
			profile.Confidence, _ = cmd.Flags().GetString("confidence")

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.SaveSupplierProfile(cmd.Context(), supplier, profile); err != nil {
				return err
			}

			slog.Info("Supplier profile saved", "supplier", supplier)
			return nil
		},
	}

	cmd.Flags().String("official-name", "", "registered company name")
	cmd.Flags().String("description", "", "what the supplier does")
	cmd.Flags().String("industry", "", "supplier industry")
	cmd.Flags().String("products", "", "products and services sold")
	cmd.Flags().String("service-type", "", "goods, services, or both")
	cmd.Flags().String("confidence", "", "profile confidence (low, medium, high)")

	return cmd
}

func suppliersShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <supplier>",
		Short: "Print a stored supplier profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			supplier := args[0]

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			profile, err := db.GetSupplierProfile(cmd.Context(), supplier)
			if err != nil {
				return err
			}
			if profile == nil {
				return fmt.Errorf("no profile stored for %q", supplier)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Supplier:          %s\n", profile.SupplierName)
			fmt.Fprintf(out, "Official name:     %s\n", profile.OfficialName)
			fmt.Fprintf(out, "Industry:          %s\n", profile.Industry)
			fmt.Fprintf(out, "Service type:      %s\n", profile.ServiceType)
			fmt.Fprintf(out, "Products/services: %s\n", profile.ProductsServices)
			fmt.Fprintf(out, "Description:       %s\n", profile.Description)
			fmt.Fprintf(out, "Confidence:        %s\n", profile.Confidence)
			return nil
		},
	}
}
