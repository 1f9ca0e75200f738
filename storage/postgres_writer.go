package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"listing-tracker/models"
)

// PostgresWriter mirrors tracker entries and price events into PostgreSQL.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresWriter.
func NewPostgresWriter(ctx context.Context, dsn string) (*PostgresWriter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("postgres: ping: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	pw := &PostgresWriter{db: db}
	if err := pw.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return pw, nil
}

func (pw *PostgresWriter) migrate(ctx context.Context) error {
	_, err := pw.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tracker_entries (
			listing_id          TEXT PRIMARY KEY,
			brand               TEXT NOT NULL DEFAULT '',
			model               TEXT NOT NULL DEFAULT '',
			version             TEXT NOT NULL DEFAULT '',
			year                INTEGER,
			km                  INTEGER,
			fuel                TEXT NOT NULL DEFAULT '',
			gearbox             TEXT NOT NULL DEFAULT '',
			vat_note            TEXT NOT NULL DEFAULT '',
			link                TEXT NOT NULL DEFAULT '',
			category            TEXT NOT NULL DEFAULT '',
			image_file          TEXT NOT NULL DEFAULT '',
			first_seen          DATE NOT NULL,
			last_seen           DATE NOT NULL,
			removed_on          DATE,
			status              VARCHAR(16) NOT NULL,
			days_active         INTEGER NOT NULL DEFAULT 0,
			last_price          NUMERIC(12,2),
			price_changes_count INTEGER NOT NULL DEFAULT 0,
			price_history       JSONB NOT NULL DEFAULT '[]',
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS price_events (
			id         SERIAL PRIMARY KEY,
			date       DATE NOT NULL,
			listing_id TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			old_price  NUMERIC(12,2) NOT NULL,
			new_price  NUMERIC(12,2) NOT NULL,
			delta      NUMERIC(12,2) NOT NULL,
			pct        DOUBLE PRECISION,
			UNIQUE (date, listing_id)
		);

		CREATE INDEX IF NOT EXISTS idx_entries_status     ON tracker_entries(status);
		CREATE INDEX IF NOT EXISTS idx_entries_first_seen ON tracker_entries(first_seen);
		CREATE INDEX IF NOT EXISTS idx_entries_removed_on ON tracker_entries(removed_on);
		CREATE INDEX IF NOT EXISTS idx_events_date        ON price_events(date);
	`)
	return err
}

func (pw *PostgresWriter) Name() string { return "postgres" }

// WriteSnapshot upserts every entry and inserts the run's price events in
// one transaction.
func (pw *PostgresWriter) WriteSnapshot(ctx context.Context, date string, entries []*models.TrackerEntry, events []models.ChangeEvent) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const batchSize = 50
	for i := 0; i < len(entries); i += batchSize {
		end := i + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := upsertBatch(ctx, tx, entries[i:end]); err != nil {
			return err
		}
	}

	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO price_events (date, listing_id, title, old_price, new_price, delta, pct)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (date, listing_id) DO NOTHING
		`, ev.Date, ev.ListingID, ev.Title, ev.OldPrice, ev.NewPrice, ev.Delta, nullFloat(ev.Pct))
		if err != nil {
			return fmt.Errorf("postgres: insert event %s: %w", ev.ListingID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit %s: %w", date, err)
	}
	return nil
}

const entryColumns = 20

func upsertBatch(ctx context.Context, tx *sql.Tx, batch []*models.TrackerEntry) error {
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*entryColumns)

	for idx, e := range batch {
		history, err := json.Marshal(e.PriceHistory)
		if err != nil {
			return fmt.Errorf("postgres: encode history of %s: %w", e.ListingID, err)
		}

		placeholders := make([]string, entryColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", idx*entryColumns+c+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ",")+")")
		valueArgs = append(valueArgs,
			e.ListingID, e.Brand, e.Model, e.Version, nullInt(e.Year), nullInt(e.Km),
			e.Fuel, e.Gearbox, e.VATNote, e.Link, e.Category, e.ImageFile,
			e.FirstSeen, e.LastSeen, nullString(e.RemovedOn), string(e.Status),
			e.DaysActive, nullFloat(e.LastPrice), e.PriceChangesCount, string(history))
	}

	query := fmt.Sprintf(`
		INSERT INTO tracker_entries (
			listing_id, brand, model, version, year, km, fuel, gearbox, vat_note, link,
			category, image_file, first_seen, last_seen, removed_on, status, days_active,
			last_price, price_changes_count, price_history
		)
		VALUES %s
		ON CONFLICT (listing_id) DO UPDATE SET
			brand = EXCLUDED.brand, model = EXCLUDED.model, version = EXCLUDED.version,
			year = EXCLUDED.year, km = EXCLUDED.km, fuel = EXCLUDED.fuel,
			gearbox = EXCLUDED.gearbox, vat_note = EXCLUDED.vat_note, link = EXCLUDED.link,
			category = EXCLUDED.category, image_file = EXCLUDED.image_file,
			last_seen = EXCLUDED.last_seen, removed_on = EXCLUDED.removed_on,
			status = EXCLUDED.status, days_active = EXCLUDED.days_active,
			last_price = EXCLUDED.last_price,
			price_changes_count = EXCLUDED.price_changes_count,
			price_history = EXCLUDED.price_history,
			updated_at = NOW()
	`, strings.Join(valueStrings, ","))

	if _, err := tx.ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("postgres: upsert entries: %w", err)
	}
	return nil
}

func (pw *PostgresWriter) Close() error {
	return pw.db.Close()
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
