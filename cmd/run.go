package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arenahq/crucible/internal/hub"
	"github.com/arenahq/crucible/internal/report"
)

var (
	flagChallenge string
	flagRepo      string
	flagUser      string
	flagFormat    string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and run a single trial, streaming progress to stdout",
		RunE:  runTrial,
	}
	cmd.Flags().StringVar(&flagChallenge, "challenge", "", "challenge text (required)")
	cmd.Flags().StringVar(&flagRepo, "repo", "", "git repository URL the workers attack")
	cmd.Flags().StringVar(&flagUser, "user", "local", "user id recorded on the trial")
	cmd.Flags().StringVar(&flagFormat, "format", "table", "report format: table, markdown or json")
	cmd.MarkFlagRequired("challenge")
	return cmd
}

func runTrial(cmd *cobra.Command, args []string) error {
	app, cleanup, err := buildApp(cfgFile)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := app.engine.Create(flagUser, flagChallenge, flagRepo)
	if err != nil {
		return err
	}
	fmt.Printf("trial %s created\n", t.ID)

	stream := app.hub.Subscribe(t.ID)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range stream.C {
			printEvent(ev)
		}
	}()

	runErr := app.engine.Start(context.Background(), t.ID)
	<-drained
	if runErr != nil {
		return runErr
	}

	rep, err := report.Build(app.db, t.ID)
	if err != nil {
		return err
	}
	fmt.Println()
	return report.Render(rep, flagFormat, os.Stdout)
}

func printEvent(ev hub.Event) {
	switch ev.Type {
	case hub.TypeStage:
		fmt.Printf("stage: %s\n", ev.Stage)
	case hub.TypeAgent:
		if ev.Text != "" {
			fmt.Printf("  [%s] %s\n", ev.WorkerID, firstLine(ev.Text))
		}
	case hub.TypeError:
		fmt.Printf("error: %s\n", ev.Err)
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
