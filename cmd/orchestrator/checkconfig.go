package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verygreen/lustretester/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "checkconfig",
	Short: "Load the fsconfig file and report whether it parses",
	RunE:  runCheckConfig,
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFSConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	builders, err := config.LoadBuildersConfig(cfg.BuildersConfigPath)
	if err != nil {
		return fmt.Errorf("loading builders config from %s: %w", cfg.BuildersConfigPath, err)
	}
	fmt.Printf("config OK: %s\n", configPath)
	fmt.Printf("  default distro:    %s\n", cfg.DefaultDistro)
	fmt.Printf("  api listen addr:   %s\n", cfg.APIListenAddr)
	fmt.Printf("  review server url: %s\n", cfg.ReviewServerURL)
	fmt.Printf("  builders configured: %d\n", len(builders))
	for _, b := range builders {
		status := "enabled"
		if b.Disabled {
			status = "disabled"
		}
		fmt.Printf("    - %s (%s/%s): %s\n", b.Name, b.Distro, b.Arch, status)
	}
	return nil
}
