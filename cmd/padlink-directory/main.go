// Package main implements padlink-directory, a self-hosted stand-in for the
// hosted key-value database padlink uses for rendezvous.
//
// It serves the same REST shape as the hosted database, so servers and
// clients only need a different --directory-url:
//
//	GET    /server_url.json   - current value, "null" when unset
//	PUT    /server_url.json   - replace the value with the JSON body
//	DELETE /server_url.json   - clear the value
//	GET    /.json             - every key and value
//	GET    /health            - liveness, never requires the token
//
// Configuration:
//   - --directory-listen / PADLINK_DIRECTORY_LISTEN (default ":5050")
//   - --directory-token / PADLINK_DIRECTORY_TOKEN, checked against ?auth=
//   - --storage-backend memory|sqlite, --storage-path for sqlite
//
// Example usage:
//
//	./padlink-directory --storage-backend sqlite --storage-path /var/lib/padlink/directory.db
//	curl -X PUT localhost:5050/server_url.json -d '"https://abc.ngrok.app"'
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/padlink/internal/config"
	"github.com/dreamware/padlink/internal/directory"
	"github.com/dreamware/padlink/internal/logging"
	"github.com/dreamware/padlink/internal/storage"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	if err := run(os.Args[1:], os.Getenv); err != nil {
		logFatal("padlink-directory: %v", err)
	}
}

func run(args []string, getenv func(string) string) error {
	cfg, err := config.Load("padlink-directory", args, getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg.Directory.Listen, directory.NewHandler(store, cfg.Directory.Token, logger), logger)
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return storage.OpenSQLiteStore(cfg.Path)
	default:
		return storage.NewMemoryStore(), nil
	}
}

// serve runs the directory until ctx is cancelled, then shuts down within 5s.
func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("directory listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("directory stopped")
	return nil
}
