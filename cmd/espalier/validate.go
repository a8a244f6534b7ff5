package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/espalier/internal/validator"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/flows"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the flow catalog for consistency",
	Long:  `Parses the flow catalog and reports broken links, non-exhaustive branches and unknown slots.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(cmd); err != nil {
			fmt.Printf("Validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Flow catalog is valid! ✅")
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command) error {
	catalog, dom, err := loadDefinitions(cmd)
	if err != nil {
		return err
	}
	return validator.ValidateCatalog(catalog, dom)
}

// loadDefinitions reads the catalog and optional domain named by the
// persistent flags.
func loadDefinitions(cmd *cobra.Command) (*flows.FlowList, *domain.Domain, error) {
	flowsPath, _ := cmd.Flags().GetString("flows")
	data, err := os.ReadFile(flowsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading flow catalog: %w", err)
	}
	catalog, err := flows.ParseCatalog(data)
	if err != nil {
		return nil, nil, err
	}

	var dom *domain.Domain
	if domainPath, _ := cmd.Flags().GetString("domain"); domainPath != "" {
		data, err := os.ReadFile(domainPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading domain: %w", err)
		}
		dom, err = domain.ParseDomain(data)
		if err != nil {
			return nil, nil, err
		}
	}
	return catalog, dom, nil
}
