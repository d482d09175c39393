package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bft2f",
	Short: "BFT2f state-machine replication",
	Long:  `BFT2f replicas and clients: PBFT-style agreement hardened with hash-chain version vectors for fork-* detection`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
