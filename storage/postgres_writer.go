package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"listing-scraper/models"
	"listing-scraper/utils"
)

const upsertBatchSize = 50

// PostgresMirror keeps a JSONB copy of the listing store in PostgreSQL. The
// JSON file stays authoritative; the mirror is for ad-hoc querying.
type PostgresMirror struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// NewPostgresMirror opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresMirror.
func NewPostgresMirror(ctx context.Context, dsn string, logger logrus.FieldLogger) (*PostgresMirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	ping := utils.RetryConfig{MaxAttempts: 10, BaseDelay: 500 * time.Millisecond, Logger: logger}
	if err := ping.Do(ctx, "postgres ping", func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	pm := &PostgresMirror{db: db, logger: logger}
	if err := pm.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return pm, nil
}

func (pm *PostgresMirror) migrate(ctx context.Context) error {
	_, err := pm.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id          UUID         PRIMARY KEY,
			listing_url TEXT         NOT NULL DEFAULT '',
			price       NUMERIC(14,0),
			is_sold     BOOLEAN,
			data        JSONB        NOT NULL,
			updated_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_listings_url   ON listings(listing_url);
		CREATE INDEX IF NOT EXISTS idx_listings_price ON listings(price);
	`)
	return err
}

// Write upserts every listing of store in batches. Null records are skipped.
func (pm *PostgresMirror) Write(store models.Store) error {
	keys := mirrorKeys(store)
	for i := 0; i < len(keys); i += upsertBatchSize {
		end := i + upsertBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := pm.upsertBatch(store, keys[i:end]); err != nil {
			return err
		}
	}
	pm.logger.Infof("[postgres] Mirrored %d listings", len(keys))
	return nil
}

func mirrorKeys(store models.Store) []string {
	keys := store.Keys()
	out := keys[:0]
	for _, key := range keys {
		if store[key] != nil {
			out = append(out, key)
		}
	}
	return out
}

func upsertArgs(store models.Store, keys []string) ([]any, error) {
	args := make([]any, 0, len(keys)*5)
	for _, key := range keys {
		l := store[key]
		data, err := json.Marshal(l)
		if err != nil {
			return nil, fmt.Errorf("postgres: encode %s: %w", key, err)
		}
		id := l.ID
		if id == "" {
			id = key
		}
		args = append(args, id, l.ListingURL, nullFloat(l.Price), nullBool(l.IsSold), string(data))
	}
	return args, nil
}

func (pm *PostgresMirror) upsertBatch(store models.Store, keys []string) error {
	args, err := upsertArgs(store, keys)
	if err != nil {
		return err
	}
	if _, err := pm.db.Exec(upsertQuery(len(keys)), args...); err != nil {
		return fmt.Errorf("postgres: upsert: %w", err)
	}
	return nil
}

// upsertQuery builds an INSERT for n rows of five columns.
func upsertQuery(n int) string {
	values := make([]string, 0, n)
	for i := 0; i < n; i++ {
		base := i * 5
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,NOW())",
			base+1, base+2, base+3, base+4, base+5))
	}
	return fmt.Sprintf(`
		INSERT INTO listings (id, listing_url, price, is_sold, data, updated_at)
		VALUES %s
		ON CONFLICT (id) DO UPDATE SET
			listing_url = EXCLUDED.listing_url,
			price       = EXCLUDED.price,
			is_sold     = EXCLUDED.is_sold,
			data        = EXCLUDED.data,
			updated_at  = NOW()
	`, strings.Join(values, ","))
}

// FetchAll reads the mirrored store back.
func (pm *PostgresMirror) FetchAll(ctx context.Context) (models.Store, error) {
	rows, err := pm.db.QueryContext(ctx, `SELECT id, data FROM listings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch all: %w", err)
	}
	defer rows.Close()

	store := make(models.Store)
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		l := &models.Listing{}
		if err := json.Unmarshal(data, l); err != nil {
			return nil, fmt.Errorf("postgres: decode %s: %w", id, err)
		}
		store[id] = l
	}
	return store, rows.Err()
}

func (pm *PostgresMirror) Close() error {
	return pm.db.Close()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
