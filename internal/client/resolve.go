// Package client is the telemetry-producing side of padlink: it resolves the
// server's current public address from the directory and delivers controller
// snapshots to it without ever blocking the sampling loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dreamware/padlink/internal/directory"
)

var (
	// ErrNoEndpointConfigured means the directory holds no server address.
	ErrNoEndpointConfigured = errors.New("no endpoint configured")

	// ErrDirectoryUnavailable means the directory could not be read.
	ErrDirectoryUnavailable = directory.ErrUnavailable
)

// Resolve reads the server's base URL from dir once. A missing or blank
// value yields ErrNoEndpointConfigured. Trailing slashes are trimmed.
func Resolve(ctx context.Context, dir directory.Directory) (string, error) {
	value, err := dir.Get(ctx, directory.ServerURLKey)
	if errors.Is(err, directory.ErrNotFound) {
		return "", ErrNoEndpointConfigured
	}
	if err != nil {
		if errors.Is(err, ErrDirectoryUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(value), "/")
	if endpoint == "" {
		return "", ErrNoEndpointConfigured
	}
	return endpoint, nil
}
