package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/arenahq/crucible/internal/config"
	"github.com/arenahq/crucible/internal/report"
	"github.com/arenahq/crucible/internal/store"
)

var flagReportFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <trial-id>",
		Short: "Render a stored trial's report",
		Args:  cobra.ExactArgs(1),
		RunE:  runReport,
	}
	cmd.Flags().StringVar(&flagReportFormat, "format", "table", "output format: table, markdown or json")
	return cmd
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	rep, err := report.Build(db, args[0])
	if err != nil {
		return err
	}
	return report.Render(rep, flagReportFormat, os.Stdout)
}
