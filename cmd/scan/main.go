// Command scan crawls a list of publisher URLs in a headless browser and
// records ad-tech integration evidence (Prebid.js instances and companion
// globals) to the result store.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/prebidscan/crawler/internal/batch"
	"github.com/prebidscan/crawler/internal/browser"
	"github.com/prebidscan/crawler/internal/classify"
	"github.com/prebidscan/crawler/internal/config"
	"github.com/prebidscan/crawler/internal/ingest"
	"github.com/prebidscan/crawler/internal/model"
	"github.com/prebidscan/crawler/internal/observability"
	"github.com/prebidscan/crawler/internal/planner"
	"github.com/prebidscan/crawler/internal/probe"
	"github.com/prebidscan/crawler/internal/scheduler"
	"github.com/prebidscan/crawler/internal/sink"
	"github.com/prebidscan/crawler/internal/tracker"
	"github.com/prebidscan/crawler/internal/urlutil"
	"github.com/prebidscan/crawler/internal/validator"
)

const (
	exitOK             = 0
	exitUnrecoverable  = 1
	exitInvalidOptions = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return exitInvalidOptions
	}

	setLogLevel(cfg.LogLevel)

	opts, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		logger.Error().Err(err).Msg("failed to parse flags")
		return exitInvalidOptions
	}

	rng, err := urlutil.ParseRange(opts.Range)
	if err != nil {
		logger.Error().Err(err).Str("range", opts.Range).Msg("invalid range")
		return exitInvalidOptions
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	trk, err := tracker.New(ctx, cfg.TrackerDSN, cfg.MaxRetries, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to tracker store")
		return exitUnrecoverable
	}
	defer trk.Close()

	if opts.ResetTracking {
		if err := trk.Reset(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to reset tracker store")
			return exitUnrecoverable
		}
	}

	healthServer := observability.NewHealthServer(nil, cfg.HealthPort)

	go func() {
		logger.Info().Int("port", cfg.HealthPort).Msg("starting health server")

		if err := healthServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("health server error")
		}
	}()

	reader := ingest.New(&logger)

	source := opts.InputFile
	if source == "" {
		source = opts.GithubRepo
	}

	// Range is left to the Planner here rather than passed to the reader: the
	// reader only consumes it as a fetch-time optimization for paginated
	// directory listings, and applying it once at the Planner covers every
	// input shape without tracking whether that optimization fired. NumURLs
	// is left to the Planner too, applied after Range there: capping at
	// ingest time would cut the sequence before a range like 500000-500002
	// ever saw it, starving the plan.
	urls := reader.Read(ctx, source, ingest.Options{})
	urls = urlutil.Dedup(urls)

	if len(urls) == 0 {
		logger.Info().Msg("No URLs found")
		return exitOK
	}

	patternValidator := validator.New(validator.Options{})
	pl := planner.New(trk, patternValidator)

	plan, err := pl.Build(ctx, urls, planner.Options{
		Range:              rng,
		ChunkSize:          chunkSize(opts),
		MaxURLs:            opts.NumURLs,
		SkipProcessed:      opts.SkipProcessed,
		PrefilterProcessed: opts.PrefilterProcessed,
		ForceReprocess:     opts.ForceReprocess,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to build run plan")
		return exitInvalidOptions
	}

	mode := scheduler.ModePooled
	if opts.PuppeteerType == "vanilla" {
		mode = scheduler.ModeSequential
	}

	sched := scheduler.New(scheduler.Config{
		Mode:        mode,
		Concurrency: opts.Concurrency,
		CancelGrace: cfg.CancelGrace,
		BrowserCfg:  browser.Config{Headless: opts.Headless, UserAgent: cfg.UserAgent},
		ProbeCfg: probe.Config{
			UserAgent:         cfg.UserAgent,
			OperationTimeout:  cfg.OperationTimeout,
			NavigationTimeout: cfg.NavigationTimeout,
			SettleCap:         cfg.SettleCap,
		},
	}, &logger)

	snk := sink.New(opts.OutputDir, filepath.Join(filepath.Dir(opts.OutputDir), "errors"), &logger)

	healthServer.SetReady(true)

	var unprocessed []string

	flush := func(ctx context.Context, results []model.TaskResult) error {
		for _, r := range results {
			code := ""
			kind := "error"

			switch r.Kind {
			case model.KindSuccess:
				kind = "success"
			case model.KindNoData:
				kind = "no_data"
			case model.KindError:
				code = r.Code

				if r.Code == classify.CodeCanceled {
					unprocessed = append(unprocessed, r.URL)
				}
			}

			observability.RecordResult(kind, code)
		}

		return snk.Flush(ctx, trk, results)
	}

	if opts.BatchMode {
		supervisor := batch.New(sched, &logger)

		progressPath := filepath.Join(opts.OutputDir, batch.ProgressFileName(opts.StartURL, opts.TotalURLs))

		batchOpts := batch.Options{
			StartURL:        opts.StartURL,
			TotalURLs:       opts.TotalURLs,
			ChunkSize:       opts.BatchSize,
			ProgressPath:    progressPath,
			InterChunkPause: cfg.InterChunkPause,
			ResumeBatch:     opts.ResumeBatch,
		}

		if _, err := supervisor.Run(ctx, plan, batchOpts, flush); err != nil {
			logger.Error().Err(err).Msg("batch run failed")
			return exitUnrecoverable
		}
	} else {
		for _, chunk := range plan.Chunks {
			results, err := sched.RunChunk(ctx, chunk.URLs)
			if err != nil {
				logger.Error().Err(err).Int("chunk", chunk.Number).Msg("chunk run failed")
				continue
			}

			if err := flush(ctx, results); err != nil {
				logger.Error().Err(err).Int("chunk", chunk.Number).Msg("sink flush failed")
			}
		}
	}

	if opts.InputFile != "" && len(unprocessed) > 0 {
		if err := sink.RewriteInputFile(opts.InputFile, unprocessed); err != nil {
			logger.Error().Err(err).Msg("failed to rewrite input file")
		}
	}

	logger.Info().Msg("scan complete")

	return exitOK
}

func chunkSize(opts *config.RunOptions) int {
	if opts.BatchMode {
		return opts.BatchSize
	}

	return opts.ChunkSize
}

// setLogLevel sets the global log level based on the configuration.
func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
