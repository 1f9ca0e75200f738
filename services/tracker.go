package services

import (
	"math"
	"time"

	"listing-tracker/models"
	"listing-tracker/utils"
)

// PriceTolerance is the smallest price movement recorded as a change.
const PriceTolerance = 0.5

// ReconcileResult carries everything a reconciliation produced besides the
// mutated store.
type ReconcileResult struct {
	Events    []models.ChangeEvent
	Lifecycle []models.LifecycleEvent
	Counts    models.RunCounts
}

// Tracker merges discovery batches into the persisted lifecycle state.
type Tracker struct {
	logger *utils.Logger
}

// NewTracker creates a Tracker with the given logger.
func NewTracker(logger *utils.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Reconcile applies batch to store as observed on today. The store is
// mutated in place and returned; a nil store starts empty. Entries are
// never deleted.
func (t *Tracker) Reconcile(batch []*models.ListingRecord, today time.Time, store models.TrackerStore) (models.TrackerStore, *ReconcileResult) {
	if store == nil {
		store = make(models.TrackerStore)
	}
	date := models.FormatDate(today)
	res := &ReconcileResult{}
	seenToday := make(map[string]struct{}, len(batch))

	for _, r := range batch {
		if r == nil || r.ListingID == "" {
			continue
		}
		seenToday[r.ListingID] = struct{}{}

		entry, ok := store[r.ListingID]
		if !ok {
			entry = newEntry(r, date)
			store[r.ListingID] = entry
			res.Lifecycle = append(res.Lifecycle, lifecycleEvent(models.EventAdded, date, entry))
			continue
		}

		if entry.Status == models.StatusRemoved {
			res.Lifecycle = append(res.Lifecycle, lifecycleEvent(models.EventReactivated, date, entry))
		}
		if ev := refreshEntry(entry, r, date); ev != nil {
			res.Events = append(res.Events, *ev)
			le := lifecycleEvent(models.EventPriceChange, date, entry)
			le.Change = ev
			res.Lifecycle = append(res.Lifecycle, le)
		}
	}

	for _, id := range store.IDs() {
		entry := store[id]
		if entry.Status != models.StatusActive {
			continue
		}
		if _, seen := seenToday[id]; seen {
			continue
		}
		entry.Status = models.StatusRemoved
		entry.RemovedOn = laterDate(date, entry.FirstSeen)
		res.Lifecycle = append(res.Lifecycle, lifecycleEvent(models.EventRemoved, date, entry))
	}

	for _, entry := range store {
		entry.DaysActive = daysActive(entry, today)
	}

	res.Counts = CountRun(store, date, len(res.Events))
	t.logger.Info("[tracker] Reconciled %d records: active %d | added %d | removed %d | price events %d",
		len(seenToday), res.Counts.Active, res.Counts.Added, res.Counts.Removed, res.Counts.PriceEvents)
	return store, res
}

// CountRun derives the run counters from the store state on date.
func CountRun(store models.TrackerStore, date string, priceEvents int) models.RunCounts {
	counts := models.RunCounts{PriceEvents: priceEvents}
	for _, e := range store {
		if e.Status == models.StatusActive {
			counts.Active++
		}
		if e.FirstSeen == date {
			counts.Added++
		}
		if e.RemovedOn == date {
			counts.Removed++
		}
	}
	return counts
}

func newEntry(r *models.ListingRecord, date string) *models.TrackerEntry {
	entry := &models.TrackerEntry{
		ListingRecord: *r,
		FirstSeen:     date,
		LastSeen:      date,
		Status:        models.StatusActive,
		PriceHistory:  []models.PricePoint{},
	}
	if r.Price != nil {
		p := *r.Price
		entry.LastPrice = &p
		entry.PriceHistory = append(entry.PriceHistory, models.PricePoint{Date: date, Price: p})
		entry.PriceFirstSeen = date
		entry.PriceLastChange = date
	}
	return entry
}

// refreshEntry folds a re-observation into entry and returns the price
// change it caused, if any. Comparison is always against the current stored
// price, so applying the same observation twice is a no-op.
func refreshEntry(entry *models.TrackerEntry, r *models.ListingRecord, date string) *models.ChangeEvent {
	entry.LastSeen = laterDate(entry.LastSeen, date)
	entry.Status = models.StatusActive
	entry.RemovedOn = ""
	entry.ListingRecord.Overlay(r)

	if r.Price == nil {
		return nil
	}
	newPrice := *r.Price
	old := entry.LastPrice
	entry.LastPrice = &newPrice

	if old == nil {
		// first priced observation of a listing created without a price
		entry.PriceHistory = append(entry.PriceHistory, models.PricePoint{Date: date, Price: newPrice})
		if entry.PriceFirstSeen == "" {
			entry.PriceFirstSeen = date
		}
		if entry.PriceLastChange == "" {
			entry.PriceLastChange = date
		}
		return nil
	}

	oldPrice := *old
	if math.Abs(newPrice-oldPrice) <= PriceTolerance {
		return nil
	}

	entry.PriceHistory = append(entry.PriceHistory, models.PricePoint{Date: date, Price: newPrice})
	entry.PriceLastChange = date
	entry.PriceChangesCount++

	ev := &models.ChangeEvent{
		Date:      date,
		ListingID: entry.ListingID,
		Title:     entry.Title(),
		OldPrice:  oldPrice,
		NewPrice:  newPrice,
		Delta:     newPrice - oldPrice,
	}
	if oldPrice != 0 {
		pct := ev.Delta / oldPrice
		ev.Pct = &pct
	}
	return ev
}

func lifecycleEvent(kind models.LifecycleEventType, date string, entry *models.TrackerEntry) models.LifecycleEvent {
	ev := models.LifecycleEvent{
		Type:      kind,
		Date:      date,
		ListingID: entry.ListingID,
		Title:     entry.Title(),
		Link:      entry.Link,
	}
	if entry.LastPrice != nil {
		p := *entry.LastPrice
		ev.Price = &p
	}
	return ev
}

// daysActive counts days from first_seen to removed_on, or to today while
// the listing is active.
func daysActive(entry *models.TrackerEntry, today time.Time) int {
	start, err := models.ParseDate(entry.FirstSeen)
	if err != nil {
		return 0
	}
	end, err := models.ParseDate(models.FormatDate(today))
	if err != nil {
		return 0
	}
	if entry.Status == models.StatusRemoved && entry.RemovedOn != "" {
		if end, err = models.ParseDate(entry.RemovedOn); err != nil {
			return 0
		}
	}
	days := int(end.Sub(start).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

func laterDate(a, b string) string {
	if b > a {
		return b
	}
	return a
}
