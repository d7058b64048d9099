package cmd

import (
	"os"

	"github.com/paraswap/dexsync/logx"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dexsync",
	Short: "DEX state synchronizer CLI",
	Long:  "Command line interface for running and managing a dexsync master or replica node.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}
