package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidscan/crawler/internal/browser"
	"github.com/prebidscan/crawler/internal/model"
)

type fakePage struct{}

func (fakePage) Navigate(context.Context, string, time.Duration, browser.WaitCondition) error {
	return nil
}

func (fakePage) Evaluate(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"libraries":[],"prebidInstances":[]}`), nil
}

func (fakePage) MouseMove(context.Context, int64, int64) error { return nil }
func (fakePage) FinalURL() string                              { return "https://a.test" }
func (fakePage) Release()                                      {}

type fakeCapability struct {
	closed bool
}

func (f *fakeCapability) AcquirePage(context.Context) (browser.Page, error) {
	return fakePage{}, nil
}

func (f *fakeCapability) Close() error {
	f.closed = true
	return nil
}

func (f *fakeCapability) Restart() error { return nil }

func newTestScheduler(mode Mode, concurrency int) *Scheduler {
	logger := zerolog.Nop()
	s := New(Config{Mode: mode, Concurrency: concurrency, CancelGrace: 50 * time.Millisecond}, &logger)

	s.newSequential = func(browser.Config) (sequentialCapability, error) {
		return &fakeCapability{}, nil
	}
	s.newPooled = func(browser.Config, int) (browser.Capability, error) {
		return &fakeCapability{}, nil
	}

	return s
}

func TestRunChunkSequentialProducesOneResultPerURL(t *testing.T) {
	s := newTestScheduler(ModeSequential, 1)

	urls := []string{"https://a.test", "https://b.test", "https://c.test"}
	results, err := s.RunChunk(context.Background(), urls)

	require.NoError(t, err)
	assert.Len(t, results, len(urls))

	for _, r := range results {
		assert.Equal(t, model.KindNoData, r.Kind)
	}
}

func TestRunChunkPooledAtMostOnceProcessing(t *testing.T) {
	s := newTestScheduler(ModePooled, 3)

	urls := []string{"https://a.test", "https://b.test", "https://a.test", "https://c.test"}
	results, err := s.RunChunk(context.Background(), urls)

	require.NoError(t, err)
	// the set of results equals the set of input URLs; duplicates
	// within one run are processed at most once.
	assert.Len(t, results, 3)
}

func TestRunChunkEmptyYieldsNoResults(t *testing.T) {
	s := newTestScheduler(ModePooled, 2)

	results, err := s.RunChunk(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunChunkCancellationYieldsCanceledResults(t *testing.T) {
	s := newTestScheduler(ModePooled, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	urls := []string{"https://a.test", "https://b.test"}
	results, err := s.RunChunk(ctx, urls)

	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		assert.Equal(t, model.KindError, r.Kind)
	}
}
