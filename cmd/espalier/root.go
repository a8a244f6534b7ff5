package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "espalier",
	Short: "Espalier is a flow-based conversational dialogue engine",
	Long:  `Espalier interprets declarative flow definitions over a persisted dialogue stack to drive multi-step conversations.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("flows", "flows.yml", "YAML file with the flow catalog")
	rootCmd.PersistentFlags().String("domain", "", "YAML file with the slot domain (optional)")
}
