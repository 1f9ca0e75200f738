package models

import (
	"sort"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used for every persisted date.
const DateLayout = "2006-01-02"

// FormatDate renders t as a calendar date.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a calendar date written with FormatDate.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// ListingRecord is one observation of a listing produced during discovery.
// Optional numeric fields are nil when the source text was missing or
// could not be parsed.
type ListingRecord struct {
	ListingID   string   `json:"listing_id"`
	Brand       string   `json:"brand"`
	Model       string   `json:"model"`
	Version     string   `json:"version"`
	Year        *int     `json:"year"`
	Km          *int     `json:"km"`
	Fuel        string   `json:"fuel"`
	Gearbox     string   `json:"gearbox"`
	Price       *float64 `json:"price"`
	VATNote     string   `json:"vat_note"`
	Link        string   `json:"link"`
	Image       string   `json:"image"`
	Category    string   `json:"category"`
	PowerKW     *int     `json:"power_kw"`
	PowerCV     *int     `json:"power_cv"`
	DescExcerpt string   `json:"desc_excerpt"`
}

// Title is the human readable name used in events and reports.
func (r *ListingRecord) Title() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Brand, r.Model, r.Version} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Overlay copies every non-empty field of src onto r. The listing id is
// never replaced.
func (r *ListingRecord) Overlay(src *ListingRecord) {
	if src == nil {
		return
	}
	overlayString(&r.Link, src.Link)
	overlayString(&r.Brand, src.Brand)
	overlayString(&r.Model, src.Model)
	overlayString(&r.Version, src.Version)
	overlayString(&r.Fuel, src.Fuel)
	overlayString(&r.Gearbox, src.Gearbox)
	overlayString(&r.VATNote, src.VATNote)
	overlayString(&r.Image, src.Image)
	overlayString(&r.Category, src.Category)
	overlayString(&r.DescExcerpt, src.DescExcerpt)
	overlayInt(&r.Year, src.Year)
	overlayInt(&r.Km, src.Km)
	overlayInt(&r.PowerKW, src.PowerKW)
	overlayInt(&r.PowerCV, src.PowerCV)
	if src.Price != nil {
		v := *src.Price
		r.Price = &v
	}
}

func overlayString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func overlayInt(dst **int, v *int) {
	if v != nil {
		n := *v
		*dst = &n
	}
}

// Status is the lifecycle state of a tracked listing.
type Status string

const (
	StatusActive  Status = "active"
	StatusRemoved Status = "removed"
)

// PricePoint is one entry of a listing's price history.
type PricePoint struct {
	Date  string  `json:"date"`
	Price float64 `json:"price"`
}

// TrackerEntry is the persisted lifecycle state of one ever-seen listing.
type TrackerEntry struct {
	ListingRecord

	FirstSeen         string       `json:"first_seen"`
	LastSeen          string       `json:"last_seen"`
	RemovedOn         string       `json:"removed_on"`
	Status            Status       `json:"status"`
	DaysActive        int          `json:"days_active"`
	LastPrice         *float64     `json:"last_price"`
	PriceFirstSeen    string       `json:"price_first_seen"`
	PriceLastChange   string       `json:"price_last_change"`
	PriceChangesCount int          `json:"price_changes_count"`
	PriceHistory      []PricePoint `json:"price_history"`
	ImageFile         string       `json:"image_file"`
}

// TrackerStore maps listing ids to their lifecycle entries.
type TrackerStore map[string]*TrackerEntry

// IDs returns the store keys in ascending order.
func (s TrackerStore) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries returns the entries ordered by listing id.
func (s TrackerStore) Entries() []*TrackerEntry {
	ids := s.IDs()
	out := make([]*TrackerEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s[id])
	}
	return out
}

// ChangeEvent records one detected price change.
// Pct is nil when the previous price was zero.
type ChangeEvent struct {
	Date      string   `json:"date"`
	ListingID string   `json:"listing_id"`
	Title     string   `json:"title"`
	OldPrice  float64  `json:"old_price"`
	NewPrice  float64  `json:"new_price"`
	Delta     float64  `json:"delta"`
	Pct       *float64 `json:"pct"`
}

// LifecycleEventType classifies an event published after a run.
type LifecycleEventType string

const (
	EventAdded       LifecycleEventType = "added"
	EventRemoved     LifecycleEventType = "removed"
	EventReactivated LifecycleEventType = "reactivated"
	EventPriceChange LifecycleEventType = "price_change"
)

// LifecycleEvent is a state transition of a single listing.
type LifecycleEvent struct {
	Type      LifecycleEventType `json:"type"`
	Date      string             `json:"date"`
	ListingID string             `json:"listing_id"`
	Title     string             `json:"title"`
	Link      string             `json:"link"`
	Price     *float64           `json:"price,omitempty"`
	Change    *ChangeEvent       `json:"change,omitempty"`
}
