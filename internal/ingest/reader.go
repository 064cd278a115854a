// Package ingest implements the URL Source Reader (§4.A): it parses local
// list files or a remote list URL into a finite, deduplicated, ordered
// sequence of canonical URLs.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/prebidscan/crawler/internal/urlutil"
)

var urlSweep = regexp.MustCompile(`https?://[^\s"'<>]+`)

var listExtensions = []string{".txt", ".md", ".json", ".csv"}

// Options configures one ingestion call.
type Options struct {
	// MaxURLs caps the number of URLs returned; 0 means unlimited.
	MaxURLs int
	// Range, when non-zero, is applied at remote fetch time to the entries
	// of a paginated directory listing. Local files, single remote files
	// and feeds are returned whole; Range is not applied to them.
	Range urlutil.Range
}

// Reader reads candidate URLs from a local file or a remote list location.
type Reader struct {
	httpClient *http.Client
	feedParser *gofeed.Parser
	logger     *zerolog.Logger
}

// New constructs a Reader.
func New(logger *zerolog.Logger) *Reader {
	return &Reader{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		feedParser: gofeed.NewParser(),
		logger:     logger,
	}
}

// Read resolves source (a local path or an http(s) URL) into a canonical,
// deduplicated URL sequence, honoring opts. It never returns an error for a
// missing or empty list; failures are logged and yield an empty sequence,
// per §4.A's "does not abort the run" rule.
func (r *Reader) Read(ctx context.Context, source string, opts Options) []string {
	var raw []string

	switch {
	case source == "":
		r.logger.Warn().Msg("no input source configured")
	case urlutil.LooksLikeURL(source):
		raw = r.readRemote(ctx, source, opts)
	default:
		raw = r.readLocalFile(source)
	}

	urls := urlutil.Dedup(raw)

	if opts.MaxURLs > 0 && len(urls) > opts.MaxURLs {
		urls = urls[:opts.MaxURLs]
	}

	return urls
}

func (r *Reader) readLocalFile(filePath string) []string {
	data, err := readFileBytes(filePath)
	if err != nil {
		r.logger.Warn().Err(err).Str("path", filePath).Msg("failed to read input file")
		return nil
	}

	return parseByExtension(data, path.Ext(filePath))
}

func (r *Reader) readRemote(ctx context.Context, listURL string, opts Options) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to build remote list request")
		return nil
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn().Err(err).Str("url", listURL).Msg("failed to fetch remote list")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		r.logger.Warn().Int("status", resp.StatusCode).Str("url", listURL).Msg("remote list returned error status")
		return nil
	}

	contentType := resp.Header.Get("Content-Type")

	if isDirectoryListing(contentType) {
		return r.readRemoteDirectory(ctx, listURL, resp.Body, opts)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to read remote list body")
		return nil
	}

	if isFeedContentType(contentType) {
		if urls := r.parseFeed(data); urls != nil {
			return urls
		}
	}

	return parseByExtension(data, path.Ext(listURL))
}

func isFeedContentType(contentType string) bool {
	return strings.Contains(contentType, "rss") ||
		strings.Contains(contentType, "atom") ||
		strings.Contains(contentType, "xml")
}

// parseFeed treats the remote list as an RSS/Atom/JSON feed and extracts
// each item's link as a candidate URL. Returns nil when the body does not
// parse as a feed (a sitemap does not), so the caller can fall back to the
// generic by-extension parser.
func (r *Reader) parseFeed(data []byte) []string {
	feed, err := r.feedParser.ParseString(string(data))
	if err != nil {
		return nil
	}

	urls := make([]string, 0, len(feed.Items))

	for _, item := range feed.Items {
		if item.Link != "" {
			urls = append(urls, item.Link)
		}
	}

	return urls
}

// readRemoteDirectory enumerates entries in an HTML directory listing,
// keeps files with a recognized list extension, and fetches each in turn
// until opts.MaxURLs is reached. The range, when present, is applied to the
// enumerated entry sequence before fetching — exactly once, at fetch time —
// per the §4.A invariant that range is never re-applied downstream.
func (r *Reader) readRemoteDirectory(ctx context.Context, baseURL string, body io.Reader, opts Options) []string {
	entries := extractListEntries(body)

	entries = opts.Range.Apply(entries)

	var urls []string

	for _, entry := range entries {
		if opts.MaxURLs > 0 && len(urls) >= opts.MaxURLs {
			break
		}

		entryURL := resolveEntry(baseURL, entry)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, entryURL, nil)
		if err != nil {
			continue
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			r.logger.Warn().Err(err).Str("url", entryURL).Msg("failed to fetch directory entry")
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()

		if err != nil {
			continue
		}

		urls = append(urls, parseByExtension(data, path.Ext(entryURL))...)
	}

	return urls
}

func isDirectoryListing(contentType string) bool {
	return strings.Contains(contentType, "text/html")
}

var hrefPattern = regexp.MustCompile(`href=["']([^"']+)["']`)

func extractListEntries(body io.Reader) []string {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil
	}

	var entries []string

	for _, match := range hrefPattern.FindAllSubmatch(data, -1) {
		name := string(match[1])

		for _, ext := range listExtensions {
			if strings.HasSuffix(name, ext) {
				entries = append(entries, name)
				break
			}
		}
	}

	return entries
}

func resolveEntry(baseURL, entry string) string {
	if urlutil.LooksLikeURL(entry) {
		return entry
	}

	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(entry, "/")
}

func parseByExtension(data []byte, ext string) []string {
	switch strings.ToLower(ext) {
	case ".json":
		return parseJSON(data)
	case ".csv":
		return parseCSV(data)
	default:
		return parseLines(data)
	}
}

// parseLines implements the .txt/.md rule: one candidate per non-empty
// line, schemeless domains accepted and canonicalized.
func parseLines(data []byte) []string {
	var urls []string

	for _, line := range splitLines(string(data)) {
		line = trimLine(line)
		if line == "" || line[0] == '#' {
			continue
		}

		canon := urlutil.Canonicalize(line)
		if urlutil.LooksLikeURL(canon) {
			urls = append(urls, canon)
		}
	}

	return urls
}

// parseJSON walks the parsed structure for http(s) strings; falls back to a
// regex sweep of the raw bytes if parsing fails.
func parseJSON(data []byte) []string {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return sweepURLs(data)
	}

	var urls []string

	walkJSON(doc, &urls)

	return urls
}

func walkJSON(node interface{}, out *[]string) {
	switch v := node.(type) {
	case string:
		if urlutil.LooksLikeURL(v) {
			*out = append(*out, v)
		}
	case []interface{}:
		for _, item := range v {
			walkJSON(item, out)
		}
	case map[string]interface{}:
		for _, item := range v {
			walkJSON(item, out)
		}
	}
}

func sweepURLs(data []byte) []string {
	matches := urlSweep.FindAll(data, -1)

	urls := make([]string, len(matches))
	for i, m := range matches {
		urls[i] = string(m)
	}

	return urls
}

// parseCSV implements the .csv rule: first column per row, accepted when it
// is a URL or a valid schemeless domain.
func parseCSV(data []byte) []string {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	var urls []string

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}

		if err != nil || len(record) == 0 {
			continue
		}

		canon := urlutil.Canonicalize(strings.TrimSpace(record[0]))
		if urlutil.LooksLikeURL(canon) {
			urls = append(urls, canon)
		}
	}

	return urls
}

func splitLines(s string) []string {
	var lines []string

	start := 0

	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}

	if start < len(s) {
		lines = append(lines, s[start:])
	}

	return lines
}

func trimLine(s string) string {
	start := 0

	end := len(s)

	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\r') {
		start++
	}

	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}

	return s[start:end]
}

func readFileBytes(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}

	return data, nil
}
