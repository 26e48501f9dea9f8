package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/extension-manager/internal/config"
	"github.com/rcourtman/extension-manager/internal/guard"
)

var (
	metricsShutdownTimeout = 5 * time.Second
	noMetrics              bool
)

var watchCmd = &cobra.Command{
	Use:         "watch",
	Short:       "Boot extensions, revalidate periodically and serve /metrics",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{surfaceAnnotation: guard.SurfaceBackground.String()},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd.Context())
	},
}

func init() {
	watchCmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve /metrics")
}

func runWatch(ctx context.Context) error {
	cfg := app.Config

	reloaded := make(chan time.Duration, 1)
	watcher, err := config.NewWatcher(cfg, func(c *config.Config) {
		select {
		case reloaded <- c.RevalidateInterval:
		default:
		}
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, ctx := errgroup.WithContext(ctx)
	if !noMetrics && cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr) })
	}
	g.Go(func() error {
		for {
			select {
			case <-hup:
				watcher.Reload()
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		config.Mu.RLock()
		interval := cfg.RevalidateInterval
		config.Mu.RUnlock()
		return revalidateLoop(ctx, interval, reloaded)
	})
	return g.Wait()
}

// revalidateLoop boots once, then revalidates every interval until ctx ends.
// A tripped guard stops the loop but not the process.
func revalidateLoop(ctx context.Context, interval time.Duration, reloaded <-chan time.Duration) error {
	logger := app.Logger()

	if _, err := app.Loader.Boot(ctx); err != nil {
		logger.Error().Err(err).Msg("Extension boot failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := app.Guard.Err(); err != nil {
			logger.Error().Err(err).Msg("Extension manager stopped; revalidation disabled")
			<-ctx.Done()
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case d := <-reloaded:
			if d > 0 && d != interval {
				interval = d
				ticker.Reset(interval)
				logger.Info().Dur("interval", interval).Msg("Revalidation interval changed")
			}
		case <-ticker.C:
			app.RefreshDNS()
			res, ladder := app.Engine.Revalidate(ctx)
			logger.Info().
				Str("ladder", ladder.String()).
				Int("notice", int(res.Code)).
				Str("status", res.Status.String()).
				Msg("Subscription revalidated")
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
		}
	}()

	log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
