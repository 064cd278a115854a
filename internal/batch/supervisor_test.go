package batch_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidscan/crawler/internal/batch"
	"github.com/prebidscan/crawler/internal/model"
	"github.com/prebidscan/crawler/internal/planner"
)

type fakeRunner struct {
	calls      [][]string
	failChunks map[int]bool
	callCount  int
}

func (f *fakeRunner) RunChunk(_ context.Context, urls []string) ([]model.TaskResult, error) {
	f.calls = append(f.calls, urls)
	f.callCount++

	results := make([]model.TaskResult, 0, len(urls))
	for _, u := range urls {
		results = append(results, model.NoData(u))
	}

	return results, nil
}

func planOf(chunkSizes ...int) *planner.Plan {
	var chunks []planner.Chunk

	n := 1

	for i, size := range chunkSizes {
		urls := make([]string, size)
		for j := range urls {
			urls[j] = "https://x.test/" + string(rune('a'+n))
			n++
		}

		chunks = append(chunks, planner.Chunk{Number: i + 1, URLs: urls})
	}

	return &planner.Plan{Chunks: chunks}
}

func TestRunProcessesEveryChunkAndPersistsProgress(t *testing.T) {
	logger := zerolog.Nop()
	runner := &fakeRunner{}
	s := batch.New(runner, &logger)

	progressPath := filepath.Join(t.TempDir(), "progress.json")

	var flushed int
	flush := func(_ context.Context, results []model.TaskResult) error {
		flushed += len(results)
		return nil
	}

	plan := planOf(2, 2, 2)
	opts := batch.Options{StartURL: 1, TotalURLs: 6, ChunkSize: 2, ProgressPath: progressPath, InterChunkPause: time.Millisecond}

	progress, err := s.Run(context.Background(), plan, opts, flush)
	require.NoError(t, err)
	assert.Len(t, progress.CompletedChunks, 3)
	assert.Equal(t, 6, flushed)
	assert.Len(t, runner.calls, 3)

	raw, err := os.ReadFile(progressPath)
	require.NoError(t, err)

	var persisted batch.Progress
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.ElementsMatch(t, []int{1, 2, 3}, persisted.CompletedChunks)
}

func TestRunSkipsChunksBeforeResumeBatch(t *testing.T) {
	logger := zerolog.Nop()
	runner := &fakeRunner{}
	s := batch.New(runner, &logger)

	plan := planOf(1, 1, 1, 1, 1)
	opts := batch.Options{ResumeBatch: 4, InterChunkPause: time.Millisecond}

	progress, err := s.Run(context.Background(), plan, opts, func(context.Context, []model.TaskResult) error { return nil })
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{4, 5}, progress.CompletedChunks)
	assert.Len(t, runner.calls, 2)
}

func TestRunContinuesAfterNonFatalChunkFailure(t *testing.T) {
	logger := zerolog.Nop()
	runner := &fakeRunner{}
	s := batch.New(runner, &logger)

	plan := planOf(1, 1, 1)

	attempt := 0
	flush := func(_ context.Context, _ []model.TaskResult) error {
		attempt++
		if attempt == 2 {
			return assertErr("sink unavailable")
		}

		return nil
	}

	progress, err := s.Run(context.Background(), plan, batch.Options{InterChunkPause: time.Millisecond}, flush)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{1, 3}, progress.CompletedChunks)
	assert.ElementsMatch(t, []int{2}, progress.FailedChunks)
}

func TestProgressFileName(t *testing.T) {
	assert.Equal(t, "batch-progress-1001-1500.json", batch.ProgressFileName(1001, 500))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
