package sink_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidscan/crawler/internal/classify"
	"github.com/prebidscan/crawler/internal/model"
	"github.com/prebidscan/crawler/internal/sink"
)

type fakeTracker struct {
	updates []model.BatchUpdate
}

func (f *fakeTracker) UpdateBatch(_ context.Context, updates []model.BatchUpdate) error {
	f.updates = append(f.updates, updates...)
	return nil
}

func TestFlushWritesResultStreamAndSidecars(t *testing.T) {
	dir := t.TempDir()
	outputDir := filepath.Join(dir, "store")
	errorsDir := filepath.Join(dir, "errors")

	logger := zerolog.Nop()
	s := sink.New(outputDir, errorsDir, &logger)

	results := []model.TaskResult{
		model.Success("https://a.test", model.PageData{
			URL: "https://a.test", Date: "2026-07-30",
			PrebidInstances: []model.PrebidInstance{{GlobalVarName: "pbjs", Version: "8.0.0"}},
		}),
		model.NoData("https://b.test"),
		model.Error("https://c.test", classify.CodeDNSResolutionFailed, false, "no such host"),
	}

	tracker := &fakeTracker{}
	require.NoError(t, s.Flush(context.Background(), tracker, results))

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	monthDir := filepath.Join(outputDir, entries[0].Name())
	files, err := os.ReadDir(monthDir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	streamContent, err := os.ReadFile(filepath.Join(monthDir, files[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(streamContent), `"pbjs"`)

	noPrebid, err := os.ReadFile(filepath.Join(errorsDir, "no_prebid.txt"))
	require.NoError(t, err)
	assert.Equal(t, "https://b.test\n", string(noPrebid))

	navErrors, err := os.ReadFile(filepath.Join(errorsDir, "navigation_errors.txt"))
	require.NoError(t, err)
	assert.Equal(t, "https://c.test,DNS_RESOLUTION_FAILED\n", string(navErrors))

	assert.Len(t, tracker.updates, 3)
}

func TestFlushAppendsAcrossMultipleCalls(t *testing.T) {
	dir := t.TempDir()
	outputDir := filepath.Join(dir, "store")
	errorsDir := filepath.Join(dir, "errors")

	logger := zerolog.Nop()
	s := sink.New(outputDir, errorsDir, &logger)
	tracker := &fakeTracker{}

	require.NoError(t, s.Flush(context.Background(), tracker, []model.TaskResult{model.NoData("https://a.test")}))
	require.NoError(t, s.Flush(context.Background(), tracker, []model.TaskResult{model.NoData("https://b.test")}))

	content, err := os.ReadFile(filepath.Join(errorsDir, "no_prebid.txt"))
	require.NoError(t, err)
	assert.Equal(t, "https://a.test\nhttps://b.test\n", string(content))
}

func TestFlushFallsBackToErrorProcessingBucket(t *testing.T) {
	dir := t.TempDir()
	outputDir := filepath.Join(dir, "store")
	errorsDir := filepath.Join(dir, "errors")

	logger := zerolog.Nop()
	s := sink.New(outputDir, errorsDir, &logger)
	tracker := &fakeTracker{}

	results := []model.TaskResult{model.Error("https://z.test", "SOMETHING_NEW", false, "mystery")}
	require.NoError(t, s.Flush(context.Background(), tracker, results))

	content, err := os.ReadFile(filepath.Join(errorsDir, "error_processing.txt"))
	require.NoError(t, err)
	assert.Equal(t, "https://z.test,SOMETHING_NEW\n", string(content))
}

func TestRewriteInputFileReplacesContentAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://a.test\nhttps://b.test\n"), 0o644))

	require.NoError(t, sink.RewriteInputFile(path, []string{"https://b.test"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://b.test\n", string(content))
}
