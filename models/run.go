package models

import "time"

// RunCounts summarizes the tracker state after a run.
type RunCounts struct {
	Active      int `json:"active"`
	Added       int `json:"added"`
	Removed     int `json:"removed"`
	PriceEvents int `json:"price_events"`
}

// RunResult is the structured outcome of one tracking run.
type RunResult struct {
	OK             bool      `json:"ok"`
	Date           string    `json:"date"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	ItemsCollected int       `json:"items_collected"`
	Counts         RunCounts `json:"counts"`
	MasterCSV      string    `json:"master_csv,omitempty"`
	SnapshotCSV    string    `json:"snapshot_csv,omitempty"`
	EventsCSV      string    `json:"events_csv,omitempty"`
	Error          string    `json:"error,omitempty"`

	Insights *InsightReport `json:"-"`
}

// RunStatus is the process-wide view of the run lifecycle.
type RunStatus struct {
	Running    bool       `json:"running"`
	Message    string     `json:"message"`
	LastRun    string     `json:"last_run"`
	LastResult *RunResult `json:"last_result,omitempty"`
}

// InsightReport holds the computed analytics over the tracker store.
type InsightReport struct {
	Date             string
	TotalListings    int
	ActiveListings   int
	RemovedListings  int
	PricedListings   int
	AveragePrice     float64
	MinPrice         float64
	MaxPrice         float64
	MostExpensive    *TrackerEntry
	TopDrops         []ChangeEvent
	ByCategory       map[string]int
	AddedToday       int
	RemovedToday     int
	ReactivatedToday int
}
