// Package cli wires the finp2pd command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "finp2pd",
	Short: "finp2pd - FinP2P cross-ledger transfer router",
	Long: `finp2pd is a federated router for cross-ledger asset transfers. It
manages ledger adapters, balance reservations, the atomic-swap transfer
state machine, dual-router confirmation records, and signed peer
messaging between routers.`,
	Version: "0.1.0-dev",
}

// Execute runs the command tree. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output to console after startup")
}
