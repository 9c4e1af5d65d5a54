// Package browser owns the automated browsing layer: the process-wide
// automation engine, one long-lived session per identity, and short-lived
// pages opened under a session for a single exchange.
package browser

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/go-webtap/webtap/pkg/accounts"
)

// SessionOptions configure a new per-identity session.
type SessionOptions struct {
	Identity    accounts.Identity
	Headless    bool
	UserDataDir string
}

// Engine is the process-wide automation runtime. It is started exactly once,
// asynchronously, at process startup; sessions are created under it.
type Engine interface {
	// Start prepares the runtime (e.g. resolves or fetches the browser
	// binary). Idempotent.
	Start(ctx context.Context) error
	// Healthy probes the engine-level connection, as opposed to a single
	// session's.
	Healthy(ctx context.Context) error
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
	Close() error
}

// Session is one live automated browsing context bound to an identity. It is
// never closed by callers; only the pool evicts it.
type Session interface {
	Identity() accounts.Identity
	// Alive is the cheap liveness probe run before a cached session is
	// handed out.
	Alive(ctx context.Context) error
	// OpenPage opens and navigates a fresh page. Pages are never shared
	// across exchanges.
	OpenPage(ctx context.Context, url string) (Page, error)
	Close() error
}

// Page is the navigable unit a single exchange runs against.
type Page interface {
	// Eval runs a JS function in the page and returns its JSON result.
	Eval(ctx context.Context, js string, args ...interface{}) (gjson.Result, error)
	// Has reports whether a selector currently matches, without waiting.
	Has(ctx context.Context, selector string) (bool, error)
	// Text returns the rendered text of the first match, waiting for it to
	// appear.
	Text(ctx context.Context, selector string) (string, error)
	// Input focuses the first match and types text into it.
	Input(ctx context.Context, selector, text string) error
	// Click clicks the first match.
	Click(ctx context.Context, selector string) error
	URL(ctx context.Context) (string, error)
	Closed() bool
	Close() error
}
