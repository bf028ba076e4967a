package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-memory/authz/instrumentation"
)

const metricsShutdownTimeout = 5 * time.Second

func newGCCommand(a *app) *cobra.Command {
	var (
		interval      time.Duration
		metricsListen string
	)
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete expired codes and tokens",
		Long: `Delete codes and tokens that expired longer ago than the retention
period. With --interval 0 (the default) gc sweeps once and exits; otherwise it
sweeps on that interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval > 0 && interval < time.Second {
				return fmt.Errorf("--interval must be at least 1s, got %s", interval)
			}
			ctx := cmd.Context()
			inst := instrumentation.Config{
				Enabled:        metricsListen != "",
				ServiceName:    "authzctl",
				ServiceVersion: a.v.GetString(serviceVersionKey),
			}
			srv, cleanup, err := a.openServer(ctx, inst, int64(interval/time.Second))
			if err != nil {
				return err
			}
			defer cleanup()

			janitor := srv.NewJanitor()
			if interval <= 0 {
				result, err := janitor.RunOnce(ctx)
				if err != nil {
					return describeError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d code(s), %d access token(s), %d refresh token(s)\n",
					result.Codes, result.AccessTokens, result.RefreshTokens)
				return nil
			}

			if metricsListen != "" {
				stop, err := serveMetrics(metricsListen, srv.Instrumentation().Handler(), a)
				if err != nil {
					return err
				}
				defer stop()
			}

			a.logger.Info("Sweeping expired rows", "interval", interval)
			janitor.Start(ctx)
			<-ctx.Done()
			janitor.Stop()
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "sweep repeatedly at this interval (0 sweeps once)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus /metrics on while sweeping")
	return cmd
}

// serveMetrics serves handler on addr at /metrics until the returned stop
// function is called.
func serveMetrics(addr string, handler http.Handler, a *app) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("metrics listener on %s: %w", addr, err)
	case <-time.After(100 * time.Millisecond):
	}
	a.logger.Info("Serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}, nil
}
