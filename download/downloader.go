// Package download provides singleflight-based deduplication for concurrent
// upstream fetches. When multiple callers request the same script at once,
// only one upstream fetch is performed and the result is shared.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/invokerpm/invokerpm"
)

// Result holds fetched script content and its content digest.
type Result struct {
	Digest invokerpm.Digest
	Body   []byte
}

// FetchFunc fetches script content from upstream. The context passed to
// FetchFunc is detached from any single caller so that one caller timing out
// does not cancel the fetch for other waiters.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key and digests the body,
// so every waiter sharing the flight sees the same content fingerprint.
// The fn receives a detached context (not tied to any single caller).
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		// Use a detached context so that no single caller's cancellation
		// stops the fetch for everyone else.
		body, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		return &Result{Digest: invokerpm.DigestBytes(body), Body: body}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a fetch error.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}
