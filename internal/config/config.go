// Package config loads the crawl engine's configuration from environment
// variables and the stable scan CLI surface.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

// Config holds deployment-level configuration for a scan process.
type Config struct {
	// Tracker settings
	TrackerDSN     string        `env:"TRACKER_DSN" envDefault:"postgres://localhost:5432/prebidscan"`
	TrackerTimeout time.Duration `env:"TRACKER_TIMEOUT" envDefault:"10s"`
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`

	// Crawl settings
	UserAgent         string        `env:"CRAWL_USER_AGENT" envDefault:"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"`
	OperationTimeout  time.Duration `env:"OPERATION_TIMEOUT" envDefault:"55s"`
	NavigationTimeout time.Duration `env:"NAVIGATION_TIMEOUT" envDefault:"60s"`
	SettleCap         time.Duration `env:"SETTLE_CAP" envDefault:"6s"`
	InterChunkPause   time.Duration `env:"INTER_CHUNK_PAUSE" envDefault:"10s"`
	CancelGrace       time.Duration `env:"CANCEL_GRACE" envDefault:"30s"`

	// Health server
	HealthPort int `env:"HEALTH_PORT" envDefault:"8080"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// RunOptions holds the stable `scan` CLI surface (§6): flags that vary per
// invocation rather than per deployment.
type RunOptions struct {
	InputFile          string
	GithubRepo         string
	NumURLs            int
	PuppeteerType      string
	Concurrency        int
	Headless           bool
	OutputDir          string
	LogDir             string
	Range              string
	ChunkSize          int
	SkipProcessed      bool
	PrefilterProcessed bool
	ForceReprocess     bool
	ResetTracking      bool
	BatchMode          bool
	BatchSize          int
	TotalURLs          int
	StartURL           int
	ResumeBatch        int
}

// ParseFlags parses the stable scan CLI surface from argv-style args (not
// including the program name). It never calls os.Exit; callers decide how to
// surface a parse error, matching the invalid-options -> exit 2 contract at
// the cmd/scan boundary.
func ParseFlags(args []string) (*RunOptions, error) {
	fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)

	opts := &RunOptions{}

	fs.StringVar(&opts.GithubRepo, "githubRepo", "", "remote list URL")
	fs.IntVar(&opts.NumURLs, "numUrls", 100, "maximum number of URLs to process")
	fs.StringVar(&opts.PuppeteerType, "puppeteerType", "cluster", "execution strategy: vanilla (sequential) or cluster (pooled)")
	fs.IntVar(&opts.Concurrency, "concurrency", 5, "pooled worker concurrency")
	fs.BoolVar(&opts.Headless, "headless", true, "run the browser headless")
	fs.StringVar(&opts.OutputDir, "outputDir", "store", "result store directory")
	fs.StringVar(&opts.LogDir, "logDir", "logs", "log output directory")
	fs.StringVar(&opts.Range, "range", "", "1-based inclusive range, e.g. 1-100 or 100-")
	fs.IntVar(&opts.ChunkSize, "chunkSize", 0, "chunk size (0 = single chunk)")
	fs.BoolVar(&opts.SkipProcessed, "skipProcessed", false, "skip already-processed URLs")
	fs.BoolVar(&opts.PrefilterProcessed, "prefilterProcessed", false, "pre-filter processed URLs before pagination")
	fs.BoolVar(&opts.ForceReprocess, "forceReprocess", false, "force reprocessing of all URLs")
	fs.BoolVar(&opts.ResetTracking, "resetTracking", false, "reset the tracker store before running")
	fs.BoolVar(&opts.BatchMode, "batchMode", false, "drive a multi-chunk batch run")
	fs.IntVar(&opts.BatchSize, "batchSize", 250, "chunk size in batch mode")
	fs.IntVar(&opts.TotalURLs, "totalUrls", 0, "size of the batch range named in the progress file (URLs are selected by --range)")
	fs.IntVar(&opts.StartURL, "startUrl", 1, "1-based start of the batch range named in the progress file (URLs are selected by --range)")
	fs.IntVar(&opts.ResumeBatch, "resumeBatch", 0, "resume from this 1-based chunk number")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if rest := fs.Args(); len(rest) > 0 {
		opts.InputFile = rest[0]
	}

	return opts, nil
}
