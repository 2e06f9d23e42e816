package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/arenahq/crucible/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crucible API server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	app, cleanup, err := buildApp(cfgFile)
	if err != nil {
		return err
	}
	defer cleanup()

	stopSweep := app.sessions.StartSweeper(app.cfg.SessionSweepInterval())
	defer stopSweep()

	srv := server.New(server.Params{
		Engine:         app.engine,
		Store:          app.db,
		Hub:            app.hub,
		Sessions:       app.sessions,
		Identity:       app.provider,
		SessionInvoker: app.sessionInvoker,
		SessionModel:   app.cfg.Agents.PlannerModel,
	})

	fmt.Printf("crucible listening on %s\n", app.cfg.Listen)
	return http.ListenAndServe(app.cfg.Listen, srv)
}
