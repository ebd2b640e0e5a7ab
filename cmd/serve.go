package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the control API",
		Long: `Reconciles tasks left behind by a previous process, then serves the
pool and task control API together with health and metrics endpoints until
interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (defaults to server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, port int) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := a.Logger()
	if port <= 0 {
		port = a.Config().Server.Port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := a.Reconcile(ctx); err != nil {
		logger.Warn("reconciliation incomplete", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
