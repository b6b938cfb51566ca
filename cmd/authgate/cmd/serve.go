package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mnehpets/authgate/config"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var envFiles []string
	var addr string
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the authgate HTTP service",
		Long: `Runs the login, session and passkey API.

Configuration comes from the environment, after loading the given dotenv
files (.env by default; a missing file is ignored). See the AUTHLETE_*,
AUTHGATE_* and LOG_* variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	c.Flags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment")
	c.Flags().StringVar(&addr, "addr", "", "listen address, overrides AUTHGATE_LISTEN_ADDR")
	return c
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range a.jobs {
		g.Go(func() error { return job(gctx) })
	}
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
