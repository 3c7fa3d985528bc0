package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the orchestrator version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("lustreci-orchestrator %s\n", rootCmd.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
