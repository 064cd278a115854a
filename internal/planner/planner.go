// Package planner implements the Planner (§4.D): it turns an ingested URL
// sequence plus run options into an ordered run plan split into chunks,
// applying the run's range exactly once. Skipped URLs (already processed, or
// rejected by preflight) are filtered out of the plan rather than returned
// as a separate set, and Build leaves Plan.ProgressFilePath empty.
package planner

import (
	"context"
	"fmt"

	"github.com/prebidscan/crawler/internal/urlutil"
	"github.com/prebidscan/crawler/internal/validator"
	"github.com/prebidscan/crawler/internal/xerrors"
)

// TrackerFilter is the narrow Tracker capability the Planner depends on.
type TrackerFilter interface {
	FilterUnprocessed(ctx context.Context, urls []string) ([]string, error)
}

// PatternValidator is the narrow Validator capability used for preflight.
type PatternValidator interface {
	ValidatePattern(rawURL string) validator.Verdict
}

// Options configures one planning call.
type Options struct {
	Range urlutil.Range
	// RangeAppliedRemotely is true when the URL Source Reader already
	// applied Range while paginating a remote listing. The Planner must
	// not apply Range again in that case (§3, §9).
	RangeAppliedRemotely bool

	ChunkSize int

	// MaxURLs caps the number of URLs carried forward into the run, applied
	// after Range (never before it): a range selects which URLs are in
	// scope, MaxURLs then bounds how many of those are actually processed.
	// 0 means unlimited.
	MaxURLs int

	SkipProcessed      bool
	PrefilterProcessed bool
	ForceReprocess     bool
	Preflight          bool
}

// Chunk is a contiguous, 1-based-numbered slice of the run's URL sequence.
type Chunk struct {
	Number int
	URLs   []string
}

// Plan is the Planner's output.
type Plan struct {
	URLs             []string
	Chunks           []Chunk
	ProgressFilePath string
}

// Planner builds a Plan from an ingested URL sequence.
type Planner struct {
	tracker   TrackerFilter
	validator PatternValidator
}

// New constructs a Planner. Either dependency may be nil if the
// corresponding feature (skip/prefilter or preflight) will never be used.
func New(tracker TrackerFilter, v PatternValidator) *Planner {
	return &Planner{tracker: tracker, validator: v}
}

// Build produces a Plan from urls (already deduplicated and canonicalized by
// the URL Source Reader) and opts.
func (p *Planner) Build(ctx context.Context, urls []string, opts Options) (*Plan, error) {
	if opts.RangeAppliedRemotely && opts.Range.Start != 0 {
		return nil, fmt.Errorf("%w: remote fetch already applied range %+v", xerrors.ErrRangeAppliedTwice, opts.Range)
	}

	working := urls

	if opts.PrefilterProcessed && !opts.ForceReprocess && p.tracker != nil {
		filtered, err := p.tracker.FilterUnprocessed(ctx, working)
		if err != nil {
			return nil, fmt.Errorf("prefilter processed urls: %w", err)
		}

		working = filtered
	}

	if !opts.RangeAppliedRemotely {
		working = opts.Range.Apply(working)
	}

	if opts.MaxURLs > 0 && len(working) > opts.MaxURLs {
		working = working[:opts.MaxURLs]
	}

	if opts.SkipProcessed && !opts.ForceReprocess && p.tracker != nil {
		filtered, err := p.tracker.FilterUnprocessed(ctx, working)
		if err != nil {
			return nil, fmt.Errorf("skip processed urls: %w", err)
		}

		working = filtered
	}

	if opts.Preflight && !opts.ForceReprocess && p.validator != nil {
		working = p.applyPreflight(working)
	}

	return p.finalize(working, opts)
}

func (p *Planner) applyPreflight(urls []string) []string {
	out := make([]string, 0, len(urls))

	for _, u := range urls {
		if p.validator.ValidatePattern(u).Valid {
			out = append(out, u)
		}
	}

	return out
}

func (p *Planner) finalize(urls []string, opts Options) (*Plan, error) {
	chunks := chunkURLs(urls, opts.ChunkSize)

	return &Plan{URLs: urls, Chunks: chunks}, nil
}

// chunkURLs splits urls into 1-based-numbered chunks of size chunkSize. A
// chunkSize of 0 (or omitted) yields a single chunk of all URLs.
func chunkURLs(urls []string, chunkSize int) []Chunk {
	if len(urls) == 0 {
		return nil
	}

	if chunkSize <= 0 {
		return []Chunk{{Number: 1, URLs: urls}}
	}

	var chunks []Chunk

	for i := 0; i < len(urls); i += chunkSize {
		end := i + chunkSize
		if end > len(urls) {
			end = len(urls)
		}

		chunks = append(chunks, Chunk{Number: len(chunks) + 1, URLs: urls[i:end]})
	}

	return chunks
}
