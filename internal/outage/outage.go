// Package outage records backend failures that happened after a response was
// already committed to the client.
//
// Once the status line and headers are on the wire a response can no longer
// carry a Set-Cookie that clears the active target, so the failure is
// recorded here, keyed by client and target, and honoured on the client's
// next request.
package outage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"nomad-proxy-go/internal/config"
)

// Store records failed (client, target) pairs.
type Store interface {
	// Record marks target as failed for client.
	Record(ctx context.Context, client, target string) error
	// Failed reports whether a failure is recorded for client and target.
	Failed(ctx context.Context, client, target string) (bool, error)
	// Forget removes any recorded failure for client and target.
	Forget(ctx context.Context, client, target string) error
	// Close releases resources held by the store.
	Close() error
}

// New returns the store selected by cfg.Outage.Store.
func New(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Outage.Store) {
	case "redis":
		logger.Info("outage store", "kind", "redis", "addr", cfg.Outage.RedisAddr)
		return NewRedisStore(cfg), nil
	case "memory", "":
		logger.Info("outage store", "kind", "memory")
		return NewMemoryStore(cfg.Outage.TTL()), nil
	default:
		return nil, fmt.Errorf("outage: unknown store %q", cfg.Outage.Store)
	}
}

func key(client, target string) string {
	return client + "|" + target
}
