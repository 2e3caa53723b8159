// Package app wires configuration, the classifier, the history store and the
// HTTP handlers into a running inference server.
package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/pomegrade/internal/config"
	"github.com/Brownie44l1/pomegrade/internal/handlers"
	"github.com/Brownie44l1/pomegrade/internal/history"
	"github.com/Brownie44l1/pomegrade/internal/model"
	"github.com/Brownie44l1/pomegrade/internal/transform"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 30 * time.Second

// NewLogger builds a JSON or text slog logger writing to w.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Serve loads the model described by cfg and serves the API until ctx is
// done.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts, err := cfg.ModelOptions()
	if err != nil {
		return err
	}

	logger.Info("loading model", "model", opts.ModelPath, "metadata", opts.MetadataPath, "device", opts.Device.String())
	classifier, err := model.NewClassifier(opts)
	if err != nil {
		return errors.Wrap(err, "failed to initialize classifier")
	}
	defer classifier.Close()

	metadata := classifier.Metadata()
	handlerOpts := []handlers.Option{handlers.WithMaxUploadBytes(cfg.Server.MaxUploadBytes)}
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		handlerOpts = append(handlerOpts, handlers.WithHistory(store))
		logger.Info("history enabled", "path", cfg.History.Path)
	}

	preprocess := transform.Validation(config.Transform(metadata.ImageSize))
	h := handlers.NewHandler(classifier, preprocess, logger, handlerOpts...)

	logger.Info("model loaded", "classes", metadata.Classes, "image_size", metadata.ImageSize)
	return Run(ctx, NewServer(cfg.Server.Addr, h.Routes()), logger)
}

// NewServer returns an http.Server with the API timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}
}

// Run listens on srv.Addr and shuts srv down gracefully once ctx is done.
func Run(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", srv.Addr)
	}
	return serve(ctx, srv, ln, logger)
}

func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("starting pomegrade server", "listen", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server error")
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown error")
	}
	logger.Info("server stopped")
	return nil
}
