package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quaverhq/quaver/mediaurl"
	"github.com/quaverhq/quaver/telemetry"
)

// ServeCmd runs a local HTTP server exposing the media protocol, so
// desktop frontends can load cover art and local files over plain
// HTTP.
type ServeCmd struct {
	Address    string `help:"Listen address." default:"127.0.0.1:8632"`
	Prometheus bool   `help:"Expose Prometheus metrics at /metrics." default:"true" negatable:""`
}

func (c *ServeCmd) Run(a *app) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "quaver",
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /image/{id}", c.handleImage(a))
	mux.HandleFunc("GET /local/", c.handleLocal(a))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if c.Prometheus {
		mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	}

	srv := &http.Server{
		Addr:         c.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("media server listening", "address", c.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		a.logger.Warn("metrics shutdown failed", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

func (c *ServeCmd) handleImage(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		resp, err := a.resolver.Resolve(r.Context(), mediaurl.ImageURL(id))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", resp.MIME)
		_, _ = w.Write(resp.Data)
	}
}

func (c *ServeCmd) handleLocal(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/local")
		if path == "" || path == "/" {
			http.NotFound(w, r)
			return
		}
		resp, err := a.resolver.Resolve(r.Context(), mediaurl.LocalFileURL(path))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", resp.MIME)
		_, _ = w.Write(resp.Data)
	}
}
