package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidscan/crawler/internal/planner"
	"github.com/prebidscan/crawler/internal/urlutil"
)

type fakeTracker struct {
	processed map[string]bool
}

func (f *fakeTracker) FilterUnprocessed(_ context.Context, urls []string) ([]string, error) {
	var out []string

	for _, u := range urls {
		if !f.processed[u] {
			out = append(out, u)
		}
	}

	return out, nil
}

func urlsN(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = string(rune('a' + i))
	}

	return urls
}

func TestSingleChunkWhenChunkSizeOmitted(t *testing.T) {
	p := planner.New(nil, nil)

	plan, err := p.Build(context.Background(), urlsN(5), planner.Options{})
	require.NoError(t, err)
	require.Len(t, plan.Chunks, 1)
	assert.Equal(t, 5, len(plan.Chunks[0].URLs))
}

func TestChunkingSplitsEvenly(t *testing.T) {
	p := planner.New(nil, nil)

	plan, err := p.Build(context.Background(), urlsN(10), planner.Options{ChunkSize: 4})
	require.NoError(t, err)
	require.Len(t, plan.Chunks, 3)
	assert.Len(t, plan.Chunks[0].URLs, 4)
	assert.Len(t, plan.Chunks[2].URLs, 2)
	assert.Equal(t, 1, plan.Chunks[0].Number)
	assert.Equal(t, 3, plan.Chunks[2].Number)
}

func TestEmptyInputYieldsNoChunks(t *testing.T) {
	p := planner.New(nil, nil)

	plan, err := p.Build(context.Background(), nil, planner.Options{})
	require.NoError(t, err)
	assert.Empty(t, plan.Chunks)
}

func TestRangeAppliedOnce(t *testing.T) {
	p := planner.New(nil, nil)

	r, err := urlutil.ParseRange("2-4")
	require.NoError(t, err)

	plan, err := p.Build(context.Background(), urlsN(10), planner.Options{Range: r})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, plan.URLs)
}

func TestRangeAppliedTwiceIsConfigError(t *testing.T) {
	p := planner.New(nil, nil)

	r, err := urlutil.ParseRange("2-4")
	require.NoError(t, err)

	_, err = p.Build(context.Background(), urlsN(10), planner.Options{Range: r, RangeAppliedRemotely: true})
	assert.Error(t, err)
}

func TestMaxURLsAppliesAfterRange(t *testing.T) {
	p := planner.New(nil, nil)

	r, err := urlutil.ParseRange("8-10")
	require.NoError(t, err)

	plan, err := p.Build(context.Background(), urlsN(10), planner.Options{Range: r, MaxURLs: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"h", "i"}, plan.URLs)
}

func TestSkipProcessedFiltersAfterRange(t *testing.T) {
	tr := &fakeTracker{processed: map[string]bool{"b": true}}
	p := planner.New(tr, nil)

	r, err := urlutil.ParseRange("1-2")
	require.NoError(t, err)

	plan, err := p.Build(context.Background(), urlsN(5), planner.Options{Range: r, SkipProcessed: true})
	require.NoError(t, err)
	assert.NotContains(t, plan.URLs, "b")
	assert.Contains(t, plan.URLs, "a")
	// filtering after the range leaves only "a"; filtering first would
	// have pulled "c" into the 1-2 range.
	assert.Equal(t, []string{"a"}, plan.URLs)
}

func TestForceReprocessIgnoresSkipSet(t *testing.T) {
	tr := &fakeTracker{processed: map[string]bool{"a": true, "b": true}}
	p := planner.New(tr, nil)

	plan, err := p.Build(context.Background(), urlsN(3), planner.Options{SkipProcessed: true, ForceReprocess: true})
	require.NoError(t, err)
	assert.Len(t, plan.URLs, 3)
}
