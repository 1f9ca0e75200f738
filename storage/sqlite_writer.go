package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"listing-tracker/models"
)

// SQLiteWriter keeps a local queryable mirror of the tracker.
type SQLiteWriter struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLiteWriter, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS listings (
  listing_id          TEXT PRIMARY KEY,
  title               TEXT NOT NULL DEFAULT '',
  link                TEXT NOT NULL DEFAULT '',
  category            TEXT NOT NULL DEFAULT '',
  year                INTEGER,
  km                  INTEGER,
  first_seen          TEXT NOT NULL,
  last_seen           TEXT NOT NULL,
  removed_on          TEXT NOT NULL DEFAULT '',
  status              TEXT NOT NULL CHECK (status IN ('active','removed')),
  days_active         INTEGER NOT NULL DEFAULT 0,
  last_price          REAL,
  price_changes_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);
CREATE TABLE IF NOT EXISTS price_history (
  listing_id TEXT NOT NULL,
  seq        INTEGER NOT NULL,
  date       TEXT NOT NULL,
  price      REAL NOT NULL,
  PRIMARY KEY (listing_id, seq)
);
CREATE TABLE IF NOT EXISTS price_events (
  date       TEXT NOT NULL,
  listing_id TEXT NOT NULL,
  title      TEXT NOT NULL DEFAULT '',
  old_price  REAL NOT NULL,
  new_price  REAL NOT NULL,
  delta      REAL NOT NULL,
  pct        REAL,
  UNIQUE(date, listing_id)
);
CREATE INDEX IF NOT EXISTS idx_events_date ON price_events(date);
    `); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteWriter{db: db}, nil
}

func (s *SQLiteWriter) Name() string { return "sqlite" }

// WriteSnapshot upserts every entry, appends unseen price history rows and
// records the run's price events.
func (s *SQLiteWriter) WriteSnapshot(ctx context.Context, date string, entries []*models.TrackerEntry, events []models.ChangeEvent) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, e := range entries {
		_, err = tx.ExecContext(ctx, `INSERT INTO listings(listing_id, title, link, category, year, km, first_seen, last_seen, removed_on, status, days_active, last_price, price_changes_count)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(listing_id) DO UPDATE SET title = excluded.title, link = excluded.link, category = excluded.category, year = excluded.year, km = excluded.km, last_seen = excluded.last_seen, removed_on = excluded.removed_on, status = excluded.status, days_active = excluded.days_active, last_price = excluded.last_price, price_changes_count = excluded.price_changes_count`,
			e.ListingID, e.Title(), e.Link, e.Category, nullInt(e.Year), nullInt(e.Km),
			e.FirstSeen, e.LastSeen, e.RemovedOn, string(e.Status), e.DaysActive,
			nullFloat(e.LastPrice), e.PriceChangesCount)
		if err != nil {
			return fmt.Errorf("sqlite: upsert %s: %w", e.ListingID, err)
		}

		// history is append-only; rows already mirrored keep their seq
		for seq, p := range e.PriceHistory {
			_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO price_history(listing_id, seq, date, price) VALUES(?,?,?,?)`,
				e.ListingID, seq, p.Date, p.Price)
			if err != nil {
				return fmt.Errorf("sqlite: history %s: %w", e.ListingID, err)
			}
		}
	}

	for _, ev := range events {
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO price_events(date, listing_id, title, old_price, new_price, delta, pct) VALUES(?,?,?,?,?,?,?)`,
			ev.Date, ev.ListingID, ev.Title, ev.OldPrice, ev.NewPrice, ev.Delta, nullFloat(ev.Pct))
		if err != nil {
			return fmt.Errorf("sqlite: event %s: %w", ev.ListingID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit %s: %w", date, err)
	}
	return nil
}

func (s *SQLiteWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ SnapshotSink = (*SQLiteWriter)(nil)
	_ SnapshotSink = (*PostgresWriter)(nil)
)
