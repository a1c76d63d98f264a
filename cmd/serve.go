package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/real2ai/contract-cli/internal/api"
	"github.com/real2ai/contract-cli/internal/config"
	"github.com/real2ai/contract-cli/internal/monitoring"
	"github.com/real2ai/contract-cli/internal/workflow"
)

var (
	servePort    int
	servePackDir string
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate(config.ModeServe); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		events := workflow.NewBroadcaster()
		eng, err := newEngine(ctx, cfg, servePackDir,
			workflow.WithStore(st),
			workflow.WithSink(workflow.MultiSink{workflow.LogSink{}, events}),
		)
		if err != nil {
			return err
		}

		collector := monitoring.NewCollector(st, eng.Limiter)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		var authenticate func(http.Handler) http.Handler
		if cfg.Server.JWTSecret != "" {
			authenticate = api.JWTAuthenticator([]byte(cfg.Server.JWTSecret))
		} else {
			zap.L().Warn("server.jwt_secret not set, API is unauthenticated")
		}

		// Runs are cancelled on shutdown; the orchestrator still persists
		// their partial results.
		server := api.NewServer(api.Dependencies{
			Runner:         eng.Orchestrator,
			Store:          st,
			Events:         events,
			Stats:          collector,
			Authenticate:   authenticate,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RunContext:     ctx,
			LookbackHours:  cfg.Monitoring.LookbackWindowHours,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		server.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&servePackDir, "pack", "", "workflow pack directory (default: workflow.pack_dir or the embedded pack)")
	rootCmd.AddCommand(serveCmd)
}
