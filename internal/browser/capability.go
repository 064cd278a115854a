// Package browser implements the Browser Capability (§4.E): a narrow
// interface over a headless browser exposing acquire/navigate/evaluate/
// release, with two execution strategies (Sequential, Pooled) on top of it.
package browser

import (
	"context"
	"encoding/json"
	"time"
)

// WaitCondition controls what Navigate waits for before returning.
type WaitCondition int

const (
	// WaitNetworkIdleOrDOMContentLoaded waits for the document body to be
	// ready and then for a short quiescent window (§4.F default); the
	// chromedp strategy approximates network idle with a fixed wait.
	WaitNetworkIdleOrDOMContentLoaded WaitCondition = iota
	// WaitDOMContentLoaded waits only for DOMContentLoaded.
	WaitDOMContentLoaded
)

// Page is one acquired browser tab. Every exit path must call Release.
type Page interface {
	// Navigate loads url, honoring timeout and waitCondition.
	Navigate(ctx context.Context, url string, timeout time.Duration, waitCondition WaitCondition) error
	// Evaluate runs script in the page's JS context and returns its JSON
	// result.
	Evaluate(ctx context.Context, script string) (json.RawMessage, error)
	// MouseMove is best-effort; failures are swallowed by callers.
	MouseMove(ctx context.Context, x, y int64) error
	// FinalURL returns the post-redirect URL, valid after Navigate.
	FinalURL() string
	// Release returns the page to its owning capability. Idempotent.
	Release()
}

// Capability is the narrow interface the Page Probe depends on.
type Capability interface {
	// AcquirePage returns a fresh page, possibly suspending until one is
	// available.
	AcquirePage(ctx context.Context) (Page, error)
	// Close tears down all browser resources owned by this capability.
	Close() error
}
