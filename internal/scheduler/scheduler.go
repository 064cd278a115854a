// Package scheduler implements the Worker Pool / Scheduler (§4.G): two
// execution modes over the same task contract — Sequential (one persistent
// browser, no parallelism) and Pooled (N-way bounded concurrency) — sharing
// panic recovery, at-most-once processing, and cooperative cancellation.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/prebidscan/crawler/internal/browser"
	"github.com/prebidscan/crawler/internal/classify"
	"github.com/prebidscan/crawler/internal/model"
	"github.com/prebidscan/crawler/internal/observability"
	"github.com/prebidscan/crawler/internal/probe"
)

// Mode selects an execution strategy.
type Mode int

const (
	ModeSequential Mode = iota
	ModePooled
)

// Config configures a chunk's scheduler run.
type Config struct {
	Mode        Mode
	Concurrency int // Pooled only; default 5
	// RatePerHost, when > 0, caps probe starts per second with one limiter
	// shared by every URL of the chunk; it is not tracked per host.
	RatePerHost float64
	CancelGrace time.Duration
	BrowserCfg  browser.Config
	ProbeCfg    probe.Config
}

// sequentialFactory and pooledFactory are overridden in tests to avoid
// launching a real browser.
type sequentialFactory func(browser.Config) (sequentialCapability, error)
type pooledFactory func(browser.Config, int) (browser.Capability, error)

// sequentialCapability is the subset of *browser.Sequential the scheduler
// needs, narrowed so tests can supply a fake.
type sequentialCapability interface {
	browser.Capability
	Restart() error
}

// Scheduler drives one chunk lifetime: it owns the browser capability (or
// capabilities) for that chunk and tears them down when the chunk ends, so
// no browser state leaks across chunks.
type Scheduler struct {
	cfg           Config
	logger        *zerolog.Logger
	limiter       *rate.Limiter
	newSequential sequentialFactory
	newPooled     pooledFactory
	inFlight      atomic.Int64
}

// New constructs a Scheduler. The limiter, if non-nil, is consulted before
// every probe acquisition.
func New(cfg Config, logger *zerolog.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}

	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RatePerHost > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerHost), 1)
	}

	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
		newSequential: func(bc browser.Config) (sequentialCapability, error) {
			return browser.NewSequential(bc)
		},
		newPooled: func(bc browser.Config, size int) (browser.Capability, error) {
			return browser.NewPooled(bc, size)
		},
	}
}

// RunChunk processes urls to completion (or cancellation) and returns
// exactly one TaskResult per URL. The set of results always equals the set
// of input URLs (§4.G "Return-value integrity").
func (s *Scheduler) RunChunk(ctx context.Context, urls []string) ([]model.TaskResult, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	observability.SetQueued(len(urls))
	defer observability.SetQueued(0)

	start := time.Now()
	defer func() { observability.ObserveChunkDuration(time.Since(start).Seconds()) }()

	if s.cfg.Mode == ModeSequential {
		return s.runSequential(ctx, urls)
	}

	return s.runPooled(ctx, urls)
}

func (s *Scheduler) runSequential(ctx context.Context, urls []string) ([]model.TaskResult, error) {
	capability, err := s.newSequential(s.cfg.BrowserCfg)
	if err != nil {
		return nil, fmt.Errorf("start sequential browser: %w", err)
	}
	defer capability.Close()

	results := make([]model.TaskResult, 0, len(urls))

	for _, url := range urls {
		if ctx.Err() != nil {
			results = append(results, model.Error(url, classify.CodeCanceled, true, "run canceled"))
			continue
		}

		s.waitRateLimit(ctx)

		result, crashed := s.runOneWithRecovery(ctx, capability, url)
		results = append(results, result)

		if crashed {
			s.logger.Warn().Str("url", url).Msg("browser crashed, restarting")
			observability.IncrementBrowserRestarts()

			if restartErr := capability.Restart(); restartErr != nil {
				return results, fmt.Errorf("restart browser after crash: %w", restartErr)
			}
		}
	}

	return results, nil
}

// runOneWithRecovery runs the probe for one URL, converting a panic into a
// WORKER_CRASH error result instead of propagating it, and reports whether
// the browser itself should be considered crashed (Sequential mode only).
func (s *Scheduler) runOneWithRecovery(ctx context.Context, capability browser.Capability, url string) (result model.TaskResult, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("url", url).Msg("worker panic recovered")
			result = model.Error(url, classify.CodeWorkerCrash, true, fmt.Sprintf("panic: %v", r))
			crashed = true
		}
	}()

	p := probe.New(capability, s.cfg.ProbeCfg, s.logger)
	result = p.Run(ctx, url)

	if result.Kind == model.KindError && result.Code == classify.CodeBrowserCrashed {
		crashed = true
	}

	return result, crashed
}

func (s *Scheduler) waitRateLimit(ctx context.Context) {
	if s.limiter == nil {
		return
	}

	_ = s.limiter.Wait(ctx)
}

// task is the pooled mode's unit of work: a URL plus a derived logger
// context for traceability.
type task struct {
	url    string
	logger zerolog.Logger
}

// runPooled implements the N-way concurrent strategy: a bounded queue
// (max(concurrency, len(urls))), a run-local seen-set preventing duplicate
// enqueues, and a result channel guaranteeing exactly one TaskResult per
// queued task even across panics or cancellation.
func (s *Scheduler) runPooled(ctx context.Context, urls []string) ([]model.TaskResult, error) {
	capability, err := s.newPooled(s.cfg.BrowserCfg, s.cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("start pooled browsers: %w", err)
	}
	defer capability.Close()

	queueSize := s.cfg.Concurrency
	if len(urls) > queueSize {
		queueSize = len(urls)
	}

	queue := make(chan task, queueSize)
	resultsCh := make(chan model.TaskResult, len(urls))

	seen := make(map[string]struct{}, len(urls))

	var enqueued int

	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}

		seen[u] = struct{}{}
		queue <- task{url: u, logger: s.logger.With().Str("url", u).Logger()}
		enqueued++
	}

	close(queue)

	var wg sync.WaitGroup

	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)

		go s.poolWorker(ctx, capability, queue, resultsCh, &wg)
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.awaitGraceOrForce(capability, done)
	}

	close(resultsCh)

	return s.drainResults(resultsCh, urls, enqueued), nil
}

func (s *Scheduler) poolWorker(
	ctx context.Context,
	capability browser.Capability,
	queue <-chan task,
	resultsCh chan<- model.TaskResult,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	for t := range queue {
		if ctx.Err() != nil {
			resultsCh <- model.Error(t.url, classify.CodeCanceled, true, "canceled before scheduling")
			continue
		}

		s.waitRateLimit(ctx)

		observability.SetInFlight(int(s.inFlight.Add(1)))
		result, _ := s.runOneWithRecovery(ctx, capability, t.url)
		observability.SetInFlight(int(s.inFlight.Add(-1)))

		resultsCh <- result
	}
}

// awaitGraceOrForce waits up to CancelGrace for in-flight workers to finish
// on their own; if the grace period elapses first, it force-closes the
// capability so blocked pages release immediately.
func (s *Scheduler) awaitGraceOrForce(capability browser.Capability, done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(s.cfg.CancelGrace):
		s.logger.Warn().Msg("cancellation grace period elapsed, force-releasing pages")
		_ = capability.Close()
		<-done
	}
}

// drainResults collects whatever was published to resultsCh and pads any
// URL that never produced a result (because cancellation cut the run short
// before it was scheduled) with a CANCELED error, preserving the invariant
// that the output set equals the input set.
func (s *Scheduler) drainResults(resultsCh <-chan model.TaskResult, urls []string, enqueued int) []model.TaskResult {
	byURL := make(map[string]model.TaskResult, enqueued)

	for r := range resultsCh {
		byURL[r.URL] = r
	}

	results := make([]model.TaskResult, 0, len(urls))

	seen := make(map[string]struct{}, len(urls))

	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}

		seen[u] = struct{}{}

		if r, ok := byURL[u]; ok {
			results = append(results, r)
		} else {
			results = append(results, model.Error(u, classify.CodeCanceled, true, "canceled before completion"))
		}
	}

	return results
}
