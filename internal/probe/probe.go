// Package probe implements the Page Probe (§4.F): per-URL navigation with
// retry, a settle period, extraction-script evaluation, and classification
// into a model.TaskResult. The probe never throws beyond its own boundary.
package probe

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prebidscan/crawler/internal/browser"
	"github.com/prebidscan/crawler/internal/classify"
	"github.com/prebidscan/crawler/internal/model"
)

const (
	maxNavigationAttempts = 2
	navigationRetryDelay  = 1 * time.Second
	maxExtractionAttempts = 2

	settleMoveX1, settleMoveY1 = 100, 150
	settleMoveX2, settleMoveY2 = 400, 300
)

// parkedSubstrings are checked against the post-navigation title and a
// prefix of the visible body to detect a parked/blocked landing page.
var parkedSubstrings = []string{"domain parked", "for sale", "this domain is parked"}

// Config holds per-probe timeouts and identity (§4.F Navigation contract).
type Config struct {
	UserAgent         string
	OperationTimeout  time.Duration
	NavigationTimeout time.Duration
	SettleCap         time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:         "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		OperationTimeout:  55 * time.Second,
		NavigationTimeout: 60 * time.Second,
		SettleCap:         6 * time.Second,
	}
}

// Probe drives one URL through the Init -> Configure -> Navigate -> Settle
// -> Extract -> Classify -> Done state machine.
type Probe struct {
	capability browser.Capability
	cfg        Config
	logger     *zerolog.Logger
	clock      func() time.Time
}

// New constructs a Probe over capability.
func New(capability browser.Capability, cfg Config, logger *zerolog.Logger) *Probe {
	return &Probe{capability: capability, cfg: cfg, logger: logger, clock: time.Now}
}

// Run executes the full state machine for one URL and returns exactly one
// TaskResult.
func (p *Probe) Run(ctx context.Context, inputURL string) model.TaskResult {
	page, err := p.capability.AcquirePage(ctx)
	if err != nil {
		return p.classifyError(inputURL, "navigation", err)
	}
	defer page.Release()

	if err := p.navigateWithRetry(ctx, page, inputURL); err != nil {
		return p.classifyError(inputURL, "navigation", err)
	}

	if err := p.checkParked(ctx, page); err != nil {
		return model.Error(inputURL, classify.CodePageUnavailable, false, err.Error())
	}

	p.settle(ctx, page)

	extraction, err := p.extractWithRetry(ctx, page)
	if err != nil {
		return p.classifyError(inputURL, "extraction", err)
	}

	data := model.PageData{
		URL:             page.FinalURL(),
		Date:            p.clock().UTC().Format("2006-01-02"),
		Libraries:       extraction.Libraries,
		PrebidInstances: extraction.PrebidInstances,
	}
	if data.URL == "" {
		data.URL = inputURL
	}

	if data.HasEvidence() {
		return model.Success(inputURL, data)
	}

	return model.NoData(inputURL)
}

// navigateWithRetry implements the §4.F retry policy: up to two navigation
// attempts total, retrying only for classes the Error Classifier marks
// retryable (timeouts, browser/protocol errors, 5xx responses); DNS,
// connection refused, invalid certificate and permanent HTTP codes are never
// retried. No classifier rule matches connection-reset or empty-response
// errors, so they classify as UNKNOWN_ERROR and are not retried.
func (p *Probe) navigateWithRetry(ctx context.Context, page browser.Page, url string) error {
	var lastErr error

	for attempt := 1; attempt <= maxNavigationAttempts; attempt++ {
		lastErr = page.Navigate(ctx, url, p.cfg.NavigationTimeout, browser.WaitNetworkIdleOrDOMContentLoaded)
		if lastErr == nil {
			return nil
		}

		result := classify.Classify(classify.PhaseNavigation, lastErr.Error())
		if !result.Retryable || attempt == maxNavigationAttempts {
			return lastErr
		}

		select {
		case <-time.After(navigationRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

func (p *Probe) checkParked(ctx context.Context, page browser.Page) error {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()

	raw, err := page.Evaluate(opCtx, parkedCheckScript)
	if err != nil {
		// Inability to inspect the page for parking is not itself fatal;
		// extraction will surface any deeper problem.
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil
	}

	lower := strings.ToLower(text)
	for _, sub := range parkedSubstrings {
		if strings.Contains(lower, sub) {
			return errParked
		}
	}

	return nil
}

const parkedCheckScript = `(document.title + " " + document.body.innerText.slice(0, 500))`

var errParked = parkedError{}

type parkedError struct{}

func (parkedError) Error() string { return "page appears to be a parked/blocked landing page" }

// settle nudges the page to encourage lazy ad-tech initialization. Failures
// are swallowed and logged at debug level; they never fail the probe.
func (p *Probe) settle(ctx context.Context, page browser.Page) {
	settleCtx, cancel := context.WithTimeout(ctx, p.cfg.SettleCap)
	defer cancel()

	if err := page.MouseMove(settleCtx, settleMoveX1, settleMoveY1); err != nil {
		p.logger.Debug().Err(err).Msg("settle mouse move 1 failed")
	}

	if err := page.MouseMove(settleCtx, settleMoveX2, settleMoveY2); err != nil {
		p.logger.Debug().Err(err).Msg("settle mouse move 2 failed")
	}

	select {
	case <-time.After(p.cfg.SettleCap):
	case <-settleCtx.Done():
	}
}

// extraction is the validated, decoded shape of the extraction script's
// JSON result.
type extraction struct {
	Libraries       []string
	PrebidInstances []model.PrebidInstance
}

type rawExtraction struct {
	Libraries       []string            `json:"libraries"`
	PrebidInstances []rawPrebidInstance `json:"prebidInstances"`
	Detached        bool                `json:"detached"`
	Message         string              `json:"message"`
}

type rawPrebidInstance struct {
	GlobalVarName string   `json:"globalVarName"`
	Version       string   `json:"version"`
	Modules       []string `json:"modules"`
	State         string   `json:"state"`
}

// extractWithRetry runs extractScript, tolerating one detached-frame/
// execution-context-destroyed sentinel before failing with FRAME_DETACHED.
func (p *Probe) extractWithRetry(ctx context.Context, page browser.Page) (extraction, error) {
	var lastErr error

	for attempt := 1; attempt <= maxExtractionAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
		raw, err := page.Evaluate(opCtx, extractScript)
		cancel()

		if err != nil {
			lastErr = err
			continue
		}

		var decoded rawExtraction
		if err := json.Unmarshal(raw, &decoded); err != nil {
			lastErr = err
			continue
		}

		if decoded.Detached {
			lastErr = frameDetachedError{message: decoded.Message}
			continue
		}

		return toExtraction(decoded), nil
	}

	return extraction{}, lastErr
}

type frameDetachedError struct{ message string }

func (e frameDetachedError) Error() string { return "frame detached: " + e.message }

func toExtraction(raw rawExtraction) extraction {
	instances := make([]model.PrebidInstance, 0, len(raw.PrebidInstances))

	for _, inst := range raw.PrebidInstances {
		instances = append(instances, model.PrebidInstance{
			GlobalVarName: inst.GlobalVarName,
			Version:       inst.Version,
			Modules:       inst.Modules,
		})
	}

	return extraction{Libraries: raw.Libraries, PrebidInstances: instances}
}

func (p *Probe) classifyError(url, phase string, err error) model.TaskResult {
	var ph classify.Phase

	switch phase {
	case "extraction":
		ph = classify.PhaseExtraction
	default:
		ph = classify.PhaseNavigation
	}

	if _, ok := err.(frameDetachedError); ok {
		return model.Error(url, classify.CodeFrameDetached, true, err.Error())
	}

	result := classify.Classify(ph, err.Error())

	return model.Error(url, result.Code, result.Retryable, err.Error())
}
