// Package sink implements the Result Sink (§4.I): the end-of-chunk fan-out
// of a batch of model.TaskResult into the durable result stream, the
// error/no-data sidecars, the Tracker, and (for local-file runs) a rewrite
// of the remaining unprocessed input.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/prebidscan/crawler/internal/classify"
	"github.com/prebidscan/crawler/internal/model"
)

// BatchTracker is the subset of *tracker.Tracker the sink needs.
type BatchTracker interface {
	UpdateBatch(ctx context.Context, updates []model.BatchUpdate) error
}

// errorBucket maps an error's classify.Category to its sidecar file name
// (§4.I, §6 "Durable layout").
var errorBucket = map[classify.Category]string{
	classify.CategoryNetwork:    "navigation_errors.txt",
	classify.CategoryTLS:        "ssl_errors.txt",
	classify.CategoryTimeout:    "timeout_errors.txt",
	classify.CategoryAccess:     "access_errors.txt",
	classify.CategoryContent:    "content_errors.txt",
	classify.CategoryBrowser:    "browser_errors.txt",
	classify.CategoryExtraction: "extraction_errors.txt",
}

const fallbackErrorBucket = "error_processing.txt"

// categoryOf re-derives a Category from a result's already-classified Code,
// since TaskResult only carries the code, not the category.
func categoryOf(code string) classify.Category {
	switch code {
	case classify.CodeDNSResolutionFailed, classify.CodeConnectionRefused, classify.CodeConnectionTimeout,
		classify.CodeAddressUnreachable, classify.CodeNoInternet, classify.CodeNetworkChanged:
		return classify.CategoryNetwork
	case classify.CodeInvalidCertificateAuth, classify.CodeCertificateExpired, classify.CodeSSLProtocolError,
		classify.CodeCertificateNameMismatch:
		return classify.CategoryTLS
	case classify.CodeNavigationTimeout, classify.CodeOperationTimeout, classify.CodeElementWaitTimeout:
		return classify.CategoryTimeout
	case classify.CodeFrameDetached, classify.CodeContextDestroyed, classify.CodeBrowserSessionClosed,
		classify.CodeBrowserCrashed, classify.CodeProtocolError, classify.CodeWorkerCrash:
		return classify.CategoryBrowser
	case classify.CodeHTTPForbidden, classify.CodeHTTPUnauthorized, classify.CodeCaptchaRequired,
		classify.CodeRateLimited, classify.CodeIPBlocked, classify.CodeCDNProtection:
		return classify.CategoryAccess
	case classify.CodePageUnavailable, classify.CodePageNotFound, classify.CodeServiceUnavailable,
		classify.CodeServerError:
		return classify.CategoryContent
	case classify.CodeJSEvaluationFailed, classify.CodeJSPropertyError:
		return classify.CategoryExtraction
	default:
		return classify.CategoryUnknown
	}
}

// Sink holds the directories results are written under.
type Sink struct {
	outputDir string
	errorsDir string
	logger    *zerolog.Logger
	clock     func() time.Time
}

// New constructs a Sink rooted at outputDir, with sidecars under
// <outputDir>/../errors (errorsDir is passed explicitly so callers control
// layout; the teacher's convention is a sibling directory of the output
// tree, matching §6's flat `errors/` path).
func New(outputDir, errorsDir string, logger *zerolog.Logger) *Sink {
	return &Sink{outputDir: outputDir, errorsDir: errorsDir, logger: logger, clock: time.Now}
}

// Flush writes one chunk's results to the result stream, the sidecars, and
// the tracker, in that order. The first write failure is returned at once
// and the remaining steps, including the tracker update, are skipped. A
// Success record that fails to marshal is logged and left out of both the
// result stream and the tracker update.
func (s *Sink) Flush(ctx context.Context, tracker BatchTracker, results []model.TaskResult) error {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := os.MkdirAll(s.errorsDir, 0o755); err != nil {
		return fmt.Errorf("create errors dir: %w", err)
	}

	now := s.clock().UTC()

	successLines := make([]string, 0)
	noDataURLs := make([]string, 0)
	byBucket := make(map[string][]string)

	updates := make([]model.BatchUpdate, 0, len(results))

	for _, r := range results {
		switch r.Kind {
		case model.KindSuccess:
			line, err := json.Marshal(r.Page)
			if err != nil {
				s.logger.Error().Err(err).Str("url", r.URL).Msg("marshal result record failed")
				continue
			}

			successLines = append(successLines, string(line))
			updates = append(updates, model.BatchUpdate{URL: r.URL, Status: model.StatusSuccess, HasPrebid: r.Page.HasPrebid()})

		case model.KindNoData:
			noDataURLs = append(noDataURLs, r.URL)
			updates = append(updates, model.BatchUpdate{URL: r.URL, Status: model.StatusNoData})

		case model.KindError:
			bucket := errorBucket[categoryOf(r.Code)]
			if bucket == "" {
				bucket = fallbackErrorBucket
			}

			byBucket[bucket] = append(byBucket[bucket], fmt.Sprintf("%s,%s", r.URL, r.Code))

			status := model.StatusError
			if r.Retryable {
				status = model.StatusRetry
			}

			updates = append(updates, model.BatchUpdate{
				URL: r.URL, Status: status, ErrorCode: r.Code, Retryable: r.Retryable,
			})
		}
	}

	if len(successLines) > 0 {
		if err := s.appendResultStream(now, successLines); err != nil {
			return fmt.Errorf("write result stream: %w", err)
		}
	}

	if len(noDataURLs) > 0 {
		if err := s.appendLines(filepath.Join(s.errorsDir, "no_prebid.txt"), noDataURLs); err != nil {
			return fmt.Errorf("write no_prebid sidecar: %w", err)
		}
	}

	for bucket, lines := range byBucket {
		if err := s.appendLines(filepath.Join(s.errorsDir, bucket), lines); err != nil {
			return fmt.Errorf("write %s sidecar: %w", bucket, err)
		}
	}

	if tracker != nil {
		if err := tracker.UpdateBatch(ctx, updates); err != nil {
			return fmt.Errorf("update tracker: %w", err)
		}
	}

	return nil
}

// appendResultStream appends line-delimited JSON records to
// <outputDir>/<Mon-YYYY>/<YYYY-MM-DD>.json (§4.I, §6).
func (s *Sink) appendResultStream(now time.Time, lines []string) error {
	monthDir := filepath.Join(s.outputDir, now.Format("Jan-2006"))
	if err := os.MkdirAll(monthDir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(monthDir, now.Format("2006-01-02")+".json")

	return s.appendLines(path, lines)
}

// appendLines opens path for append (creating it if absent) and writes each
// line followed by a newline. One file, one writer per Flush call, matching
// the "ordered writer per file" resource policy (§5).
func (s *Sink) appendLines(path string, lines []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			return err
		}
	}

	return f.Sync()
}

// RewriteInputFile atomically replaces path's contents with remaining,
// permitting resumption by rerunning against the same file (§4.I last
// bullet). It writes to a temp file in the same directory, fsyncs, then
// renames over the original so a crash mid-write never corrupts it.
func RewriteInputFile(path string, remaining []string) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".input-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp input file: %w", err)
	}

	tmpPath := tmp.Name()

	for _, u := range remaining {
		if _, err := tmp.WriteString(u + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmpPath)

			return fmt.Errorf("write temp input file: %w", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("sync temp input file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp input file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp input file over %s: %w", path, err)
	}

	return nil
}
