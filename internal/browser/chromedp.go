package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// blockedResourceTypes keeps rendering lean: images/css/media/fonts are
// irrelevant to Prebid/ad-tech global detection and only cost bandwidth.
var blockedResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeStylesheet: true,
	network.ResourceTypeMedia:      true,
	network.ResourceTypeFont:       true,
}

// Config configures a chromedp-backed capability.
type Config struct {
	Headless  bool
	UserAgent string
}

func (c Config) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", c.Headless))

	if c.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.UserAgent))
	}

	return opts
}

// Sequential is one persistent browser instance; AcquirePage creates a new
// tab per call and never runs two pages concurrently.
type Sequential struct {
	cfg          Config
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	browserCtx   context.Context
	browserClose context.CancelFunc
	mu           sync.Mutex
}

// NewSequential starts one persistent browser.
func NewSequential(cfg Config) (*Sequential, error) {
	s := &Sequential{cfg: cfg}
	if err := s.start(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Sequential) start() error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), s.cfg.allocatorOptions()...)

	browserCtx, browserClose := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserClose()
		allocCancel()

		return fmt.Errorf("start browser: %w", err)
	}

	s.allocCtx, s.allocCancel = allocCtx, allocCancel
	s.browserCtx, s.browserClose = browserCtx, browserClose

	return nil
}

// Restart tears down and relaunches the browser, used by the Sequential
// scheduler mode after a browser crash (§4.G).
func (s *Sequential) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.browserClose()
	s.allocCancel()

	return s.start()
}

// AcquirePage creates a fresh tab in the persistent browser context.
func (s *Sequential) AcquirePage(ctx context.Context) (Page, error) {
	s.mu.Lock()
	browserCtx := s.browserCtx
	s.mu.Unlock()

	return newChromedpPage(browserCtx, s.cfg.UserAgent)
}

// Close tears down the persistent browser.
func (s *Sequential) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.browserClose()
	s.allocCancel()

	return nil
}

// Pooled holds N independent browser contexts, each handed out round-robin.
// Between chunks the caller tears a Pooled down and creates a fresh one so
// no browser state leaks across chunks (§4.G).
type Pooled struct {
	cfg     Config
	workers []*pooledWorker
	next    chan int
	closed  bool
	mu      sync.Mutex
}

type pooledWorker struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserDone context.CancelFunc
}

// NewPooled starts size independent browser contexts.
func NewPooled(cfg Config, size int) (*Pooled, error) {
	if size < 1 {
		size = 1
	}

	p := &Pooled{cfg: cfg, next: make(chan int, size)}

	for i := 0; i < size; i++ {
		w, err := startPooledWorker(cfg)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("start pooled worker %d: %w", i, err)
		}

		p.workers = append(p.workers, w)
		p.next <- i
	}

	return p, nil
}

func startPooledWorker(cfg Config) (*pooledWorker, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), cfg.allocatorOptions()...)

	browserCtx, browserDone := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserDone()
		allocCancel()

		return nil, err
	}

	return &pooledWorker{allocCtx: allocCtx, allocCancel: allocCancel, browserCtx: browserCtx, browserDone: browserDone}, nil
}

// AcquirePage borrows the next available worker's browser context and opens
// a new tab in it, blocking until a worker slot is free.
func (p *Pooled) AcquirePage(ctx context.Context) (Page, error) {
	select {
	case idx := <-p.next:
		p.mu.Lock()
		worker := p.workers[idx]
		p.mu.Unlock()

		pg, err := newChromedpPage(worker.browserCtx, p.cfg.UserAgent)
		if err != nil {
			p.next <- idx
			return nil, err
		}

		return &pooledPage{Page: pg, pool: p, slot: idx}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down every worker's browser.
func (p *Pooled) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	for _, w := range p.workers {
		if w == nil {
			continue
		}

		w.browserDone()
		w.allocCancel()
	}

	return nil
}

// pooledPage wraps a chromedpPage and returns its worker slot to the pool on
// Release.
type pooledPage struct {
	Page
	pool *Pooled
	once sync.Once
	slot int
}

func (p *pooledPage) Release() {
	p.Page.Release()
	p.once.Do(func() {
		p.pool.next <- p.slot
	})
}

// chromedpPage implements Page over a single chromedp tab context.
type chromedpPage struct {
	ctx       context.Context
	cancel    context.CancelFunc
	userAgent string
	finalURL  string
	released  bool
	mu        sync.Mutex
}

func newChromedpPage(browserCtx context.Context, userAgent string) (*chromedpPage, error) {
	tabCtx, cancel := chromedp.NewContext(browserCtx)

	if err := chromedp.Run(tabCtx,
		network.Enable(),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("init page: %w", err)
	}

	pg := &chromedpPage{ctx: tabCtx, cancel: cancel, userAgent: userAgent}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			if blockedResourceTypes[e.ResourceType] {
				_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(tabCtx)
			} else {
				_ = fetch.ContinueRequest(e.RequestID).Do(tabCtx)
			}
		case *page.EventFrameNavigated:
			if e.Frame != nil && e.Frame.ParentID == "" {
				pg.mu.Lock()
				pg.finalURL = e.Frame.URL
				pg.mu.Unlock()
			}
		}
	})

	return pg, nil
}

func (p *chromedpPage) Navigate(ctx context.Context, url string, timeout time.Duration, waitCondition WaitCondition) error {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}

	if waitCondition == WaitNetworkIdleOrDOMContentLoaded {
		tasks = append(tasks, chromedp.ActionFunc(func(c context.Context) error {
			return waitQuiescence(c, 500*time.Millisecond, 2*time.Second)
		}))
	}

	if err := chromedp.Run(p.withTabContext(navCtx), tasks); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}

	return nil
}

// waitQuiescence approximates "network idle for a short window": it simply
// waits idleWindow, bounded by cap. A real idle detector would track
// in-flight request counts from the network event listener; this keeps the
// contract (bounded wait, never hangs past cap) without over-fitting to one
// site's request pattern.
func waitQuiescence(ctx context.Context, idleWindow, maxWait time.Duration) error {
	wait := idleWindow
	if wait > maxWait {
		wait = maxWait
	}

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chromedpPage) withTabContext(timeoutCtx context.Context) context.Context {
	// chromedp actions need the tab's allocator/target association from
	// p.ctx, but the caller's deadline from timeoutCtx; chromedp.Run reads
	// cancellation from the context passed to it directly, so we layer the
	// deadline onto the tab context rather than the other way around.
	ctx, cancel := context.WithCancel(p.ctx)

	go func() {
		<-timeoutCtx.Done()
		cancel()
	}()

	return ctx
}

func (p *chromedpPage) Evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	var raw json.RawMessage

	if err := chromedp.Run(p.withTabContext(ctx), chromedp.Evaluate(script, &raw)); err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}

	return raw, nil
}

func (p *chromedpPage) MouseMove(ctx context.Context, x, y int64) error {
	err := chromedp.Run(p.withTabContext(ctx), chromedp.MouseEvent("mouseMoved", float64(x), float64(y)))
	if err != nil {
		return fmt.Errorf("mouse move: %w", err)
	}

	return nil
}

func (p *chromedpPage) FinalURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.finalURL
}

func (p *chromedpPage) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}

	p.released = true
	p.mu.Unlock()

	p.cancel()
}
