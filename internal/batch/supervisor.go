// Package batch implements the Batch Supervisor (§4.J): it drives the
// chunks of an already-built Planner plan through the Scheduler and a flush
// step, and persists a resumable progress file. It does not compute chunk
// boundaries or select URLs itself.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/prebidscan/crawler/internal/model"
	"github.com/prebidscan/crawler/internal/planner"
)

// ChunkRunner is the narrow Scheduler capability the supervisor depends on.
type ChunkRunner interface {
	RunChunk(ctx context.Context, urls []string) ([]model.TaskResult, error)
}

// Progress is the persistent progress record (§3 "Progress record").
type Progress struct {
	Range           [2]int    `json:"range"`
	ChunkSize       int       `json:"chunk_size"`
	CompletedChunks []int     `json:"completed_chunks"`
	FailedChunks    []int     `json:"failed_chunks"`
	StartedAt       time.Time `json:"started_at"`
	LastCompletedAt time.Time `json:"last_completed_at"`
}

// Options configures one batch run.
type Options struct {
	// StartURL (1-based), TotalURLs and ChunkSize only fill the progress
	// record of a fresh run; the URLs each chunk runs come from the plan.
	StartURL  int // 1-based
	TotalURLs int
	ChunkSize int

	ProgressPath string

	InterChunkPause time.Duration

	// ResumeBatch, if > 0, is the 1-based chunk number to resume from; all
	// chunks before it are skipped without being re-run.
	ResumeBatch int
}

// Supervisor drives a multi-chunk batch run.
type Supervisor struct {
	scheduler ChunkRunner
	logger    *zerolog.Logger
	clock     func() time.Time
}

// New constructs a Supervisor.
func New(scheduler ChunkRunner, logger *zerolog.Logger) *Supervisor {
	return &Supervisor{scheduler: scheduler, logger: logger, clock: time.Now}
}

// FlushFunc persists one chunk's results; it is a function rather than an
// interface because the Sink's Flush signature depends on the caller's
// concrete tracker type, which the supervisor has no need to know about.
type FlushFunc func(ctx context.Context, results []model.TaskResult) error

// Run drives plan's chunks to completion, persisting progress after each
// one and pausing InterChunkPause between them. A non-fatal chunk error
// (the scheduler itself returned an error, or flush did) is logged and
// recorded as failed; the run continues with the next chunk. Per-URL
// failures inside a chunk's results do not mark the chunk failed. Only ctx
// cancellation is fatal to the whole run.
func (s *Supervisor) Run(ctx context.Context, plan *planner.Plan, opts Options, flush FlushFunc) (*Progress, error) {
	progress := s.loadOrInit(opts)

	completed := toSet(progress.CompletedChunks)

	for _, chunk := range plan.Chunks {
		if chunk.Number < opts.ResumeBatch {
			continue
		}

		if _, ok := completed[chunk.Number]; ok {
			continue
		}

		if ctx.Err() != nil {
			return progress, fmt.Errorf("batch run canceled: %w", ctx.Err())
		}

		s.logger.Info().Int("chunk", chunk.Number).Int("urls", len(chunk.URLs)).Msg("starting chunk")

		results, err := s.scheduler.RunChunk(ctx, chunk.URLs)
		if err != nil {
			s.logger.Error().Err(err).Int("chunk", chunk.Number).Msg("chunk failed, continuing")
			progress.FailedChunks = appendUnique(progress.FailedChunks, chunk.Number)
			s.persist(opts.ProgressPath, progress)

			continue
		}

		if err := flush(ctx, results); err != nil {
			s.logger.Error().Err(err).Int("chunk", chunk.Number).Msg("sink flush failed, continuing")
			progress.FailedChunks = appendUnique(progress.FailedChunks, chunk.Number)
			s.persist(opts.ProgressPath, progress)

			continue
		}

		progress.CompletedChunks = appendUnique(progress.CompletedChunks, chunk.Number)
		progress.LastCompletedAt = s.clock().UTC()
		s.persist(opts.ProgressPath, progress)

		if chunk.Number != plan.Chunks[len(plan.Chunks)-1].Number {
			s.pause(ctx, opts.InterChunkPause)
		}
	}

	return progress, nil
}

func (s *Supervisor) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 10 * time.Second
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// loadOrInit reads an existing progress file at opts.ProgressPath (resume
// case) or creates a fresh Progress record.
func (s *Supervisor) loadOrInit(opts Options) *Progress {
	if opts.ProgressPath != "" {
		if raw, err := os.ReadFile(opts.ProgressPath); err == nil {
			var p Progress
			if json.Unmarshal(raw, &p) == nil {
				return &p
			}
		}
	}

	return &Progress{
		Range:     [2]int{opts.StartURL, opts.StartURL + opts.TotalURLs - 1},
		ChunkSize: opts.ChunkSize,
		StartedAt: s.clock().UTC(),
	}
}

func (s *Supervisor) persist(path string, p *Progress) {
	if path == "" {
		return
	}

	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal progress record failed")
		return
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("write progress file failed")
	}
}

// ProgressFileName builds the conventional name for a batch's progress
// file (§4.J, §6): batch-progress-<start>-<end>.json.
func ProgressFileName(startURL, totalURLs int) string {
	return fmt.Sprintf("batch-progress-%d-%d.json", startURL, startURL+totalURLs-1)
}

func toSet(nums []int) map[int]struct{} {
	set := make(map[int]struct{}, len(nums))
	for _, n := range nums {
		set[n] = struct{}{}
	}

	return set
}

func appendUnique(nums []int, n int) []int {
	for _, existing := range nums {
		if existing == n {
			return nums
		}
	}

	return append(nums, n)
}
