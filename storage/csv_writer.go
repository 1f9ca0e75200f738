package storage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"listing-tracker/models"
)

var entryHeader = []string{
	"listing_id", "first_seen", "last_seen", "removed_on", "days_active", "status",
	"brand", "model", "version", "year", "km", "fuel", "gearbox", "vat_note", "link",
	"category", "image_file", "desc_excerpt", "last_price", "price_first_seen",
	"price_last_change", "price_changes_count", "price_history_json",
	"image", "power_kw", "power_cv",
}

var eventHeader = []string{"date", "listing_id", "title", "old_price", "new_price", "delta", "pct"}

// ExportPaths lists the files written by one export.
type ExportPaths struct {
	Master   string
	Snapshot string
	Events   string
}

// CSVWriter writes the tabular exports derived from the tracker store.
// It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	dir    string
	prefix string
}

// NewCSVWriter creates a CSVWriter for dir. The directory is created
// automatically.
func NewCSVWriter(dir, prefix string) (*CSVWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}
	if prefix == "" {
		prefix = "listings"
	}
	return &CSVWriter{dir: dir, prefix: prefix}, nil
}

func (c *CSVWriter) MasterPath() string {
	return filepath.Join(c.dir, c.prefix+"_tracker_master.csv")
}

func (c *CSVWriter) SnapshotPath(date string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_consolidado_%s.csv", c.prefix, date))
}

func (c *CSVWriter) EventsPath(date string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_price_events_%s.csv", c.prefix, date))
}

// Export writes the master table, the dated snapshot and the dated
// price-event table.
func (c *CSVWriter) Export(date string, entries []*models.TrackerEntry, events []models.ChangeEvent) (ExportPaths, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := ExportPaths{
		Master:   c.MasterPath(),
		Snapshot: c.SnapshotPath(date),
		Events:   c.EventsPath(date),
	}

	table, err := encodeEntries(entries)
	if err != nil {
		return ExportPaths{}, err
	}
	if err := writeFileAtomic(paths.Master, table); err != nil {
		return ExportPaths{}, fmt.Errorf("csv: master: %w", err)
	}
	if err := writeFileAtomic(paths.Snapshot, table); err != nil {
		return ExportPaths{}, fmt.Errorf("csv: snapshot: %w", err)
	}

	eventTable, err := encodeEvents(events)
	if err != nil {
		return ExportPaths{}, err
	}
	if err := writeFileAtomic(paths.Events, eventTable); err != nil {
		return ExportPaths{}, fmt.Errorf("csv: events: %w", err)
	}
	return paths, nil
}

// SnapshotDates returns the dates of every snapshot in the output dir,
// newest first.
func (c *CSVWriter) SnapshotDates() ([]string, error) {
	pattern := filepath.Join(c.dir, c.prefix+"_consolidado_*.csv")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("csv: list snapshots: %w", err)
	}

	dates := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".csv")
		date := name[strings.LastIndex(name, "_")+1:]
		if _, err := models.ParseDate(date); err == nil {
			dates = append(dates, date)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

func encodeEntries(entries []*models.TrackerEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(entryHeader); err != nil {
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	for _, e := range entries {
		history, err := json.Marshal(e.PriceHistory)
		if err != nil {
			return nil, fmt.Errorf("csv: encode history of %s: %w", e.ListingID, err)
		}
		row := []string{
			e.ListingID,
			e.FirstSeen,
			e.LastSeen,
			e.RemovedOn,
			strconv.Itoa(e.DaysActive),
			string(e.Status),
			e.Brand,
			e.Model,
			e.Version,
			formatInt(e.Year),
			formatInt(e.Km),
			e.Fuel,
			e.Gearbox,
			e.VATNote,
			e.Link,
			e.Category,
			e.ImageFile,
			e.DescExcerpt,
			formatFloat(e.LastPrice),
			e.PriceFirstSeen,
			e.PriceLastChange,
			strconv.Itoa(e.PriceChangesCount),
			string(history),
			e.Image,
			formatInt(e.PowerKW),
			formatInt(e.PowerCV),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("csv: write row: %w", err)
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func encodeEvents(events []models.ChangeEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(eventHeader); err != nil {
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	for _, ev := range events {
		row := []string{
			ev.Date,
			ev.ListingID,
			ev.Title,
			strconv.FormatFloat(ev.OldPrice, 'f', -1, 64),
			strconv.FormatFloat(ev.NewPrice, 'f', -1, 64),
			strconv.FormatFloat(ev.Delta, 'f', -1, 64),
			formatFloat(ev.Pct),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("csv: write row: %w", err)
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
