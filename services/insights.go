package services

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"listing-tracker/models"
	"listing-tracker/utils"
)

const topDrops = 5

type InsightService struct {
	logger *utils.Logger
}

func NewInsightService(logger *utils.Logger) *InsightService {
	return &InsightService{logger: logger}
}

// Generate summarizes the store as of date. Price statistics only consider
// active listings with a known price.
func (s *InsightService) Generate(store models.TrackerStore, date string, events []models.ChangeEvent, lifecycle []models.LifecycleEvent) *models.InsightReport {
	report := &models.InsightReport{
		Date:       date,
		ByCategory: make(map[string]int),
	}

	report.TotalListings = len(store)

	var total float64
	for _, e := range store.Entries() {
		switch e.Status {
		case models.StatusActive:
			report.ActiveListings++
		case models.StatusRemoved:
			report.RemovedListings++
		}
		if e.FirstSeen == date {
			report.AddedToday++
		}
		if e.RemovedOn == date {
			report.RemovedToday++
		}
		if e.Status != models.StatusActive {
			continue
		}
		if e.Category != "" {
			report.ByCategory[e.Category]++
		}
		if e.LastPrice == nil || *e.LastPrice <= 0 {
			continue
		}

		price := *e.LastPrice
		if report.PricedListings == 0 || price < report.MinPrice {
			report.MinPrice = price
		}
		if report.PricedListings == 0 || price > report.MaxPrice {
			report.MaxPrice = price
			report.MostExpensive = e
		}
		total += price
		report.PricedListings++
	}

	if report.PricedListings > 0 {
		report.AveragePrice = round2(total / float64(report.PricedListings))
		report.MinPrice = round2(report.MinPrice)
		report.MaxPrice = round2(report.MaxPrice)
	}

	for _, le := range lifecycle {
		if le.Type == models.EventReactivated {
			report.ReactivatedToday++
		}
	}

	var drops []models.ChangeEvent
	for _, ev := range events {
		if ev.Delta < 0 {
			drops = append(drops, ev)
		}
	}
	sort.SliceStable(drops, func(i, j int) bool {
		return drops[i].Delta < drops[j].Delta
	})
	if len(drops) > topDrops {
		drops = drops[:topDrops]
	}
	report.TopDrops = drops

	return report
}

// Log writes the one-line run summary.
func (s *InsightService) Log(r *models.InsightReport) {
	s.logger.Info("[insights] %s: %d tracked | %d active | %d removed | +%d / -%d today | %d reactivated | avg price %.2f",
		r.Date, r.TotalListings, r.ActiveListings, r.RemovedListings,
		r.AddedToday, r.RemovedToday, r.ReactivatedToday, r.AveragePrice)
}

// Print renders the full report for terminals.
func (s *InsightService) Print(w io.Writer, r *models.InsightReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  LISTING TRACKER REPORT %s\033[0m\n", r.Date)
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Tracked listings : \033[1m%d\033[0m\n", r.TotalListings)
	fmt.Fprintf(w, "  Active           : \033[1m%d\033[0m\n", r.ActiveListings)
	fmt.Fprintf(w, "  Removed          : \033[1m%d\033[0m\n", r.RemovedListings)
	fmt.Fprintf(w, "  Added today      : \033[1;32m%d\033[0m\n", r.AddedToday)
	fmt.Fprintf(w, "  Removed today    : \033[1;31m%d\033[0m\n", r.RemovedToday)
	fmt.Fprintf(w, "  Reactivated      : \033[1m%d\033[0m\n", r.ReactivatedToday)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Active Price Statistics\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if r.PricedListings > 0 {
		fmt.Fprintf(w, "  Average price : \033[1;32m%.2f €\033[0m\n", r.AveragePrice)
		fmt.Fprintf(w, "  Minimum price : \033[1;32m%.2f €\033[0m\n", r.MinPrice)
		fmt.Fprintf(w, "  Maximum price : \033[1;32m%.2f €\033[0m\n", r.MaxPrice)
	} else {
		fmt.Fprintf(w, "  No price data available\n")
	}
	fmt.Fprintln(w)

	if r.MostExpensive != nil {
		fmt.Fprintf(w, "\033[1;33m  Most Expensive Listing\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  %s\n", truncate(r.MostExpensive.Title(), 50))
		fmt.Fprintf(w, "  Link  : %s\n", r.MostExpensive.Link)
		fmt.Fprintf(w, "  Price : \033[1;31m%.2f €\033[0m\n", *r.MostExpensive.LastPrice)
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\033[1;33m  Biggest Price Drops Today\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.TopDrops) == 0 {
		fmt.Fprintf(w, "  No price drops\n")
	} else {
		for i, ev := range r.TopDrops {
			fmt.Fprintf(w, "  \033[1m%d.\033[0m %-38s \033[1;32m%.0f → %.0f\033[0m\n",
				i+1, truncate(ev.Title, 36), ev.OldPrice, ev.NewPrice)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Active Listings by Category\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.ByCategory) == 0 {
		fmt.Fprintf(w, "  No category data\n")
	} else {
		type catCount struct {
			cat   string
			count int
		}
		var cats []catCount
		for cat, cnt := range r.ByCategory {
			cats = append(cats, catCount{cat, cnt})
		}
		sort.Slice(cats, func(i, j int) bool {
			if cats[i].count != cats[j].count {
				return cats[i].count > cats[j].count
			}
			return cats[i].cat < cats[j].cat
		})
		for _, cc := range cats {
			bar := strings.Repeat("█", min(cc.count, 40))
			fmt.Fprintf(w, "  %-20s %s (%d)\n", truncate(cc.cat, 18), bar, cc.count)
		}
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
