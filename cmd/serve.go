package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"listing-tracker/pipeline"
	"listing-tracker/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard API and run the tracker once a day",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadEnv()
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.ListenAddr = listen
		}
		noSchedule, _ := cmd.Flags().GetBool("no-schedule")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		var auth server.Auth
		if cfg.Auth.Required() {
			auth = server.Auth{Username: cfg.Auth.Username, Password: cfg.Auth.Password, Realm: cfg.Auth.Realm}
		}
		srv := server.New(server.Options{
			Runner:    a.runner,
			Status:    a.runner.Status(),
			Repo:      a.repo,
			Snapshots: a.csv,
			OutputDir: cfg.OutputDir,
			Auth:      auth,
			Location:  a.location,
			RunCtx:    ctx,
			Logger:    logger,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.ListenAddr)
		})
		if !noSchedule {
			hour, minute, err := cfg.DailyTime()
			if err != nil {
				return err
			}
			sched := pipeline.NewScheduler(a.runner, hour, minute, a.location, logger)
			g.Go(func() error {
				return sched.Run(gctx)
			})
		}
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides listen_addr)")
	serveCmd.Flags().Bool("no-schedule", false, "Disable the daily scheduled run")
}
