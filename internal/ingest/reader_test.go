package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidscan/crawler/internal/ingest"
	"github.com/prebidscan/crawler/internal/urlutil"
)

func newTestReader() *ingest.Reader {
	logger := zerolog.Nop()
	return ingest.New(&logger)
}

func TestReadLocalTxt(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "urls.txt")

	require.NoError(t, os.WriteFile(p, []byte("example.com\nhttps://b.test\n# comment\n\n"), 0o644))

	r := newTestReader()
	urls := r.Read(context.Background(), p, ingest.Options{})

	assert.Equal(t, []string{"https://example.com", "https://b.test"}, urls)
}

func TestReadLocalCSV(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "urls.csv")

	require.NoError(t, os.WriteFile(p, []byte("https://a.test,extra\nnotaurl,x\nhttps://b.test\n"), 0o644))

	r := newTestReader()
	urls := r.Read(context.Background(), p, ingest.Options{})

	assert.Equal(t, []string{"https://a.test", "https://b.test"}, urls)
}

func TestReadLocalJSON(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "urls.json")

	require.NoError(t, os.WriteFile(p, []byte(`{"sites":["https://a.test","not a url","https://b.test"]}`), 0o644))

	r := newTestReader()
	urls := r.Read(context.Background(), p, ingest.Options{})

	assert.ElementsMatch(t, []string{"https://a.test", "https://b.test"}, urls)
}

func TestReadMissingFileYieldsEmpty(t *testing.T) {
	r := newTestReader()
	urls := r.Read(context.Background(), "/nonexistent/path.txt", ingest.Options{})

	assert.Empty(t, urls)
}

func TestReadRespectsMaxURLs(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "urls.txt")

	require.NoError(t, os.WriteFile(p, []byte("https://a.test\nhttps://b.test\nhttps://c.test\n"), 0o644))

	r := newTestReader()
	urls := r.Read(context.Background(), p, ingest.Options{MaxURLs: 2})

	assert.Len(t, urls, 2)
}

func TestReadDedupsAndIgnoresRangeForLocalFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "urls.txt")

	require.NoError(t, os.WriteFile(p, []byte("https://a.test\nhttps://a.test\nhttps://b.test\n"), 0o644))

	r := newTestReader()
	urls := r.Read(context.Background(), p, ingest.Options{Range: urlutil.Range{Start: 2, End: 2}})

	assert.Equal(t, []string{"https://a.test", "https://b.test"}, urls)
}
