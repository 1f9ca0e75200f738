package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"listing-tracker/models"
	trackererrors "listing-tracker/pkg/errors"
)

// StoreFileName is the name of the persisted tracker inside the output dir.
const StoreFileName = "tracker_master.json"

// JSONStore persists the tracker as a single JSON object keyed by listing id.
type JSONStore struct {
	path string
}

// NewJSONStore creates a JSONStore living in dir.
func NewJSONStore(dir string) *JSONStore {
	return &JSONStore{path: filepath.Join(dir, StoreFileName)}
}

// Path returns the store file location.
func (s *JSONStore) Path() string {
	return s.path
}

// Load reads the whole store. A missing file yields an empty store; any
// unreadable or malformed content is a store corruption error.
func (s *JSONStore) Load() (models.TrackerStore, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(models.TrackerStore), nil
	}
	if err != nil {
		return nil, trackererrors.NewStoreCorruption(s.path, "read store", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, trackererrors.NewStoreCorruption(s.path, "store file is empty", nil)
	}

	var store models.TrackerStore
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, trackererrors.NewStoreCorruption(s.path, "decode store", err)
	}
	if store == nil {
		return nil, trackererrors.NewStoreCorruption(s.path, "store is not an object", nil)
	}

	for id, entry := range store {
		if entry == nil {
			return nil, trackererrors.NewStoreCorruption(s.path, fmt.Sprintf("entry %q is null", id), nil)
		}
		if entry.ListingID == "" {
			entry.ListingID = id
		}
		if entry.ListingID != id {
			return nil, trackererrors.NewStoreCorruption(s.path,
				fmt.Sprintf("entry key %q holds listing %q", id, entry.ListingID), nil)
		}
		switch entry.Status {
		case models.StatusActive, models.StatusRemoved:
		default:
			return nil, trackererrors.NewStoreCorruption(s.path,
				fmt.Sprintf("entry %q has unknown status %q", id, entry.Status), nil)
		}
		if entry.PriceHistory == nil {
			entry.PriceHistory = []models.PricePoint{}
		}
	}
	return store, nil
}

// Save replaces the store file atomically.
func (s *JSONStore) Save(store models.TrackerStore) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data to a temp file next to path and renames it
// over path, so readers only ever see a complete file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("storage: create dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storage: write %q: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storage: sync %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close %q: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("storage: chmod %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: replace %q: %w", path, err)
	}
	return nil
}
