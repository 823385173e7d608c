package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"fallora/internal/generators"
	"fallora/internal/web"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(ro *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket session API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ro, func(a *app) error {
				if addr != "" {
					return serve(cmd.Context(), a, addr)
				}
				return serve(cmd.Context(), a, a.cfg.Server.Addr())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.host and server.port)")
	return cmd
}

func serve(ctx context.Context, a *app, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	images := generators.NewImageCache(a.cfg.Cache.Dir, a.cfg.Cache.MaxEntries, a.cfg.Cache.TTL.Duration)
	if err := images.Initialize(ctx); err != nil {
		a.logger.Warn().Err(err).Str("dir", a.cfg.Cache.Dir).Msg("image cache unavailable")
		images = nil
	} else {
		go sweepCache(ctx, a, images)
	}

	if err := a.catalog.LoadMapping(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("catalog mapping not loaded, retrying on first use")
	}

	hub := web.NewHub(a.logger.With().Str("component", "hub").Logger())
	go hub.Run(ctx)

	handlers := web.NewHandlers(a.cfg.Server, a.deps(), hub, images, a.client,
		a.logger.With().Str("component", "http").Logger())
	server := &http.Server{
		Addr:         addr,
		Handler:      web.NewRouter(handlers),
		ReadTimeout:  a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", addr).Str("api", a.cfg.API.BaseURL).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("server shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("server shutdown error")
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

// sweepCache drops expired images once an hour.
func sweepCache(ctx context.Context, a *app, images *generators.ImageCache) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := images.CleanExpired(); n > 0 {
				a.logger.Debug().Int("removed", n).Msg("expired cached images")
			}
		}
	}
}
