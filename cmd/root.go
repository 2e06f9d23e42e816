package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crucible",
		Short: "Trial orchestration engine for competing coding agents",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "crucible.yaml", "config file path")
	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	return root
}
