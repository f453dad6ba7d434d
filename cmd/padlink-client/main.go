// Package main implements padlink-client, which streams game controller
// state to whichever padlink-server is currently published.
//
// At startup the client reads the server URL from the directory once, then
// samples the controller at --sample-rate and sends the newest sample at
// most once per --min-send-interval. Sending never blocks sampling: a slow
// or unreachable server only causes samples to be dropped.
//
// Example usage:
//
//	PADLINK_DIRECTORY_URL=https://example-db.firebaseio.com \
//	./padlink-client --encoding cbor --transport websocket
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dreamware/padlink/internal/capture"
	"github.com/dreamware/padlink/internal/client"
	"github.com/dreamware/padlink/internal/config"
	"github.com/dreamware/padlink/internal/directory"
	"github.com/dreamware/padlink/internal/logging"
	"github.com/dreamware/padlink/internal/telemetry"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	if err := run(os.Args[1:], os.Getenv); err != nil {
		logFatal("padlink-client: %v", err)
	}
}

func run(args []string, getenv func(string) string) error {
	cfg, err := config.Load("padlink-client", args, getenv)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := directory.NewHTTPClient(cfg.Directory.URL,
		directory.WithToken(cfg.Directory.Token),
		directory.WithTimeout(cfg.Directory.RequestTimeout()),
		directory.WithLogger(logger),
	)
	endpoint, err := client.Resolve(ctx, dir)
	if err != nil {
		return err
	}
	logger.Info("server endpoint resolved", "url", endpoint)

	source, err := capture.FindJoystick(cfg.Client.MaxJoystickID, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	return stream(ctx, cfg.Client, endpoint, source, logger)
}

// stream samples source and sends to endpoint until ctx is cancelled or the
// source fails for good.
func stream(ctx context.Context, cfg config.ClientConfig, endpoint string, source capture.Source, logger *slog.Logger) error {
	checker := client.NewSender(endpoint,
		client.WithRequestTimeout(cfg.Timeout()),
		client.WithSenderLogger(logger),
	)
	if checker.CheckConnection(ctx) {
		logger.Info("server reachable", "url", endpoint)
	} else {
		logger.Warn("server not reachable, sending anyway", "url", endpoint)
	}

	transport, closeTransport := newTransport(cfg, endpoint, logger)
	defer func() {
		if err := closeTransport(); err != nil {
			logger.Debug("closing transport", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pump := client.NewPump(transport, cfg.SendInterval(), logger)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		_ = pump.Run(ctx)
	}()

	sampler := &capture.Sampler{
		Source:   source,
		Interval: cfg.SampleInterval(),
		Offer:    pump.Offer,
		Logger:   logger,
	}
	err := sampler.Run(ctx)
	cancel()
	<-pumpDone

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newTransport(cfg config.ClientConfig, endpoint string, logger *slog.Logger) (client.Transport, func() error) {
	contentType := contentTypeFor(cfg.Encoding)
	if cfg.Transport == config.TransportWebSocket {
		s := client.NewStreamSender(endpoint, contentType, cfg.Timeout(), logger)
		return s, s.Close
	}
	s := client.NewSender(endpoint,
		client.WithRequestTimeout(cfg.Timeout()),
		client.WithContentType(contentType),
		client.WithSenderLogger(logger),
	)
	return s, func() error { return nil }
}

func contentTypeFor(encoding string) string {
	if encoding == config.EncodingCBOR {
		return telemetry.ContentTypeCBOR
	}
	return telemetry.ContentTypeJSON
}
