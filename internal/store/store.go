package store

import (
	"context"
	"errors"

	"guardpost-monitor/internal/probe"
)

// ErrHistoryUnsupported is returned by stores that can record snapshots but
// cannot query them back (e.g. object storage).
var ErrHistoryUnsupported = errors.New("history is not supported by this store")

// Store archives probe results.
type Store interface {
	// Record persists one probe result.
	Record(ctx context.Context, result *probe.Result) error
	// History returns up to limit recent results for a target, newest first.
	History(ctx context.Context, target string, limit int) ([]*probe.Result, error)
	// CheckHealth verifies the store backend is reachable.
	CheckHealth(ctx context.Context) error
	Close() error
}
