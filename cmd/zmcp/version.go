package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the zmcp version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("zmcp version %s\n", version.Get())
	},
}
