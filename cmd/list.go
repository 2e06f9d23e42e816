package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arenahq/crucible/internal/config"
	"github.com/arenahq/crucible/internal/store"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored trials",
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	trials, err := db.ListTrials()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTAGE\tCREATED\tCHALLENGE")
	for _, t := range trials {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			t.ID, t.Stage, t.CreatedAt.Format("2006-01-02 15:04"), clip(t.Challenge, 60))
	}
	return tw.Flush()
}

func clip(s string, n int) string {
	s = firstLine(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
