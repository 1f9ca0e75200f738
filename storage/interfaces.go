package storage

import (
	"context"

	"listing-tracker/models"
)

// TrackerRepository loads and atomically replaces the whole tracker store.
type TrackerRepository interface {
	Load() (models.TrackerStore, error)
	Save(store models.TrackerStore) error
}

// SnapshotSink mirrors a reconciled store into a secondary backend.
type SnapshotSink interface {
	Name() string
	WriteSnapshot(ctx context.Context, date string, entries []*models.TrackerEntry, events []models.ChangeEvent) error
	Close() error
}

// DetailCache remembers detail-page overlays between runs.
type DetailCache interface {
	Get(listingID string) (*models.ListingRecord, bool)
	Set(listingID string, detail *models.ListingRecord) error
}

var _ TrackerRepository = (*JSONStore)(nil)
