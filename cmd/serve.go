package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/api"
	"github.com/sells-group/license-recon/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP control surface",
	Long:  "Serves golden records, change events, load governance and export status over HTTP, with Prometheus metrics and a background alert checker.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Budget, budgetSources(),
			cfg.Budget.WarnBelow, cfg.Monitoring.StaleLoadHours)
		go monitoring.NewChecker(collector, env.Alerter, cfg.Monitoring).Run(ctx)

		if cfg.Governance.PromoteSchedule != "" {
			sched, err := promoteScheduler(ctx, env, cfg.Governance.PromoteSchedule)
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewServer(env.Store, env.Loads, env.Exports, cfg.Server.AllowedOrigins).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// promoteScheduler promotes validated loads whose hold has passed on the
// given cron schedule. Overlapping runs are skipped.
func promoteScheduler(ctx context.Context, env *appEnv, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	_, err := c.AddFunc(spec, func() {
		ids, err := env.Loads.PromoteDue(ctx)
		if err != nil {
			zap.L().Error("scheduled promotion failed", zap.Error(err))
			return
		}
		if len(ids) > 0 {
			zap.L().Info("promoted due loads", zap.Strings("load_ids", ids))
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "serve: invalid promote schedule %q", spec)
	}
	return c, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
