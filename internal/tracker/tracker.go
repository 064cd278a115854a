// Package tracker implements the Processed-URL Tracker (§4.B): a durable
// url -> {status, retries, timestamp, has_prebid} index backed by
// PostgreSQL. All mutations go through this package; it is the only
// component that touches the durable store directly.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/prebidscan/crawler/internal/model"
	"github.com/prebidscan/crawler/internal/tracker/migrations"
)

const migrationLockID = 9100

const (
	defaultMaxConns    = int32(10)
	defaultMinConns    = int32(2)
	defaultConnMaxIdle = 30 * time.Minute
	connectRetries     = 5
	connectRetrySleep  = 2 * time.Second
)

// Tracker is the durable processed-URL store.
type Tracker struct {
	pool       *pgxpool.Pool
	logger     *zerolog.Logger
	maxRetries int
}

// New connects to the tracker's PostgreSQL database and runs migrations.
func New(ctx context.Context, dsn string, maxRetries int, logger *zerolog.Logger) (*Tracker, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse tracker dsn: %w", err)
	}

	config.MaxConns = defaultMaxConns
	config.MinConns = defaultMinConns
	config.MaxConnIdleTime = defaultConnMaxIdle

	pool, err := connectWithRetries(ctx, config)
	if err != nil {
		return nil, err
	}

	t := &Tracker{pool: pool, logger: logger, maxRetries: maxRetries}

	if err := t.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return t, nil
}

func connectWithRetries(ctx context.Context, config *pgxpool.Config) (*pgxpool.Pool, error) {
	var (
		pool *pgxpool.Pool
		err  error
	)

	for i := 0; i < connectRetries; i++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
		}

		if pool != nil {
			pool.Close()
		}

		time.Sleep(connectRetrySleep)
	}

	return nil, fmt.Errorf("connect to tracker database after %d retries: %w", connectRetries, err)
}

type gooseLogger struct{ logger *zerolog.Logger }

func (l *gooseLogger) Fatalf(format string, v ...interface{}) { l.logger.Fatal().Msgf(format, v...) }
func (l *gooseLogger) Printf(format string, v ...interface{}) { l.logger.Info().Msgf(format, v...) }

// migrate runs the tracker schema migrations under a Postgres advisory lock
// so multiple instances may start concurrently without racing goose.
func (t *Tracker) migrate(ctx context.Context) error {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	defer func() {
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()

	dbSQL := stdlib.OpenDB(*t.pool.Config().ConnConfig)
	defer dbSQL.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(&gooseLogger{logger: t.logger})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(dbSQL, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close releases the underlying connection pool.
func (t *Tracker) Close() {
	t.pool.Close()
}

// IsProcessed reports whether url has a row with status in
// {success, no_data}.
func (t *Tracker) IsProcessed(ctx context.Context, url string) (bool, error) {
	var status string

	err := t.pool.QueryRow(ctx,
		`SELECT status FROM processed_urls WHERE url = $1`, url,
	).Scan(&status)

	if err == pgx.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("query processed status: %w", err)
	}

	return status == string(model.StatusSuccess) || status == string(model.StatusNoData), nil
}

// FilterUnprocessed scans urls in a single query and returns the subset with
// no row, or a row not in {success, no_data}, preserving input order.
func (t *Tracker) FilterUnprocessed(ctx context.Context, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	rows, err := t.pool.Query(ctx,
		`SELECT url FROM processed_urls WHERE url = ANY($1) AND status IN ('success', 'no_data')`,
		urls,
	)
	if err != nil {
		return nil, fmt.Errorf("query processed urls: %w", err)
	}
	defer rows.Close()

	processed := make(map[string]struct{}, len(urls))

	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan processed url: %w", err)
		}

		processed[url] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed urls: %w", err)
	}

	unprocessed := make([]string, 0, len(urls))

	for _, u := range urls {
		if _, ok := processed[u]; !ok {
			unprocessed = append(unprocessed, u)
		}
	}

	return unprocessed, nil
}

// Mark upserts a single row. If status is retry, retry_count is incremented;
// otherwise it is left unchanged. has_prebid is sticky-true: it can only be
// set by the caller passing hasPrebid=true, and an update never resets an
// existing true back to false.
func (t *Tracker) Mark(ctx context.Context, url string, status model.Status, errorCode string, hasPrebid bool) error {
	retryIncrement := 0
	if status == model.StatusRetry {
		retryIncrement = 1
	}

	_, err := t.pool.Exec(ctx, `
		INSERT INTO processed_urls (url, status, error_code, retry_count, has_prebid, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, now(), now())
		ON CONFLICT (url) DO UPDATE SET
			status = EXCLUDED.status,
			error_code = EXCLUDED.error_code,
			retry_count = processed_urls.retry_count + $4,
			has_prebid = processed_urls.has_prebid OR EXCLUDED.has_prebid,
			updated_at = now()
	`, url, string(status), errorCode, retryIncrement, hasPrebid)
	if err != nil {
		return fmt.Errorf("mark url %q: %w", url, err)
	}

	return nil
}

// UpdateBatch applies a set of already-classified (url, status, code,
// hasPrebid) tuples atomically within one transaction. A permanent error
// code writes status=error with no further retry eligibility; a transient
// one writes status=retry unless max_retries has been reached, in which
// case it falls back to status=error.
func (t *Tracker) UpdateBatch(ctx context.Context, updates []model.BatchUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tracker transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is a no-op after commit

	for _, u := range updates {
		status := u.Status

		if status == model.StatusRetry {
			var currentRetries int

			err := tx.QueryRow(ctx, `SELECT retry_count FROM processed_urls WHERE url = $1`, u.URL).Scan(&currentRetries)
			if err != nil && err != pgx.ErrNoRows {
				return fmt.Errorf("read retry count for %q: %w", u.URL, err)
			}

			if currentRetries >= t.maxRetries {
				status = model.StatusError
			}
		}

		retryIncrement := 0
		if status == model.StatusRetry {
			retryIncrement = 1
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO processed_urls (url, status, error_code, retry_count, has_prebid, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, now(), now())
			ON CONFLICT (url) DO UPDATE SET
				status = EXCLUDED.status,
				error_code = EXCLUDED.error_code,
				retry_count = processed_urls.retry_count + $4,
				has_prebid = processed_urls.has_prebid OR EXCLUDED.has_prebid,
				updated_at = now()
		`, u.URL, string(status), u.ErrorCode, retryIncrement, u.HasPrebid); err != nil {
			return fmt.Errorf("update url %q: %w", u.URL, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tracker transaction: %w", err)
	}

	return nil
}

// URLsForRetry returns up to limit retry-eligible URLs, oldest-updated-at
// first.
func (t *Tracker) URLsForRetry(ctx context.Context, limit int) ([]string, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT url FROM processed_urls
		WHERE status = 'retry' AND retry_count < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, t.maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query retry-eligible urls: %w", err)
	}
	defer rows.Close()

	var urls []string

	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan retry url: %w", err)
		}

		urls = append(urls, url)
	}

	return urls, rows.Err()
}

// ImportExisting walks every JSON result file under storeDir and marks the
// URLs found in each line-delimited record as success. Idempotent.
func (t *Tracker) ImportExisting(ctx context.Context, storeDir string) error {
	return filepath.Walk(storeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("walk store dir: %w", err)
		}

		if info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		return t.importFile(ctx, path)
	})
}

func (t *Tracker) importFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read result file %q: %w", path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var rec model.PageData
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.logger.Warn().Err(err).Str("file", path).Msg("skipping malformed result line during import")
			continue
		}

		if err := t.Mark(ctx, rec.URL, model.StatusSuccess, "", rec.HasPrebid()); err != nil {
			return err
		}
	}

	return nil
}

// Reset removes all rows from the tracker store.
func (t *Tracker) Reset(ctx context.Context) error {
	if _, err := t.pool.Exec(ctx, `TRUNCATE TABLE processed_urls`); err != nil {
		return fmt.Errorf("reset tracker: %w", err)
	}

	return nil
}
