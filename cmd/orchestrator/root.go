// Command orchestrator is the lustreci daemon's entry point: it loads
// the fsconfig file, wires an Orchestrator, and runs it until signalled
// to stop. Grounded on the teacher's go/main.go flag/flow shape,
// restructured into github.com/spf13/cobra subcommands the way
// giantswarm-muster's cmd/root.go lays out its CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "lustreci-orchestrator",
	Short: "Autonomous CI orchestrator for Lustre patch testing",
	Long: `lustreci-orchestrator watches a code-review server for new patch
sets, builds them against every configured distro, runs the matching
test catalogue against a pool of VMs, and reports results back to the
review server.`,
	SilenceUsage: true,
}

func setVersion(v string) {
	rootCmd.Version = v
}

func execute() {
	rootCmd.SetVersionTemplate(`{{printf "lustreci-orchestrator version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/lustreci/fsconfig.json", "path to the fsconfig JSON file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkConfigCmd)
}
