package scraper

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"listing-tracker/models"
	trackererrors "listing-tracker/pkg/errors"
	"listing-tracker/services"
	"listing-tracker/utils"
)

// Locator addresses a page element by CSS selector, optionally narrowed to
// elements whose text contains Text.
type Locator struct {
	CSS  string
	Text string
}

// PageFetcher is one browser session able to render and interact with pages.
// Every call may fail; callers degrade instead of aborting.
type PageFetcher interface {
	Goto(ctx context.Context, url string, timeout time.Duration) (string, error)
	Content(ctx context.Context) (string, error)
	Wait(ctx context.Context, d time.Duration) error
	ScrollToBottom(ctx context.Context) error
	Click(ctx context.Context, loc Locator, timeout time.Duration) bool
	IsVisible(ctx context.Context, loc Locator) bool
	Close() error
}

// Extractor maps rendered HTML to partial listing records.
type Extractor interface {
	ExtractListEntries(content, baseURL string) []*models.ListingRecord
	ExtractDetail(content string) *models.ListingRecord
}

// StrategyLimits bounds one scroll pass.
type StrategyLimits struct {
	MaxScrolls      int
	StagnationLimit int
}

// Options configures a discovery run.
type Options struct {
	StartURL           string
	Delay              time.Duration
	MaxPages           int
	NavTimeout         time.Duration
	ClickTimeout       time.Duration
	ConsentTimeout     time.Duration
	Initial            StrategyLimits
	Next               StrategyLimits
	Sweep              StrategyLimits
	SweepNoGrowthLimit int
	ConsentLocators    []Locator
	NextLocators       []Locator
}

// DefaultConsentLocators dismiss the cookie banners seen on the catalog.
var DefaultConsentLocators = []Locator{
	{CSS: "button", Text: "Aceptar todo"},
	{CSS: "button", Text: "Aceptar"},
	{CSS: "button", Text: "Allow all"},
	{CSS: "[id*=onetrust-accept]"},
}

// DefaultNextLocators find the catalog's next-page control.
var DefaultNextLocators = []Locator{
	{CSS: `a[rel="next"]`},
	{CSS: "a", Text: "Siguiente"},
	{CSS: "[data-testid*=next]"},
	{CSS: "button", Text: "Siguiente"},
}

// DefaultOptions returns the limits used when nothing is configured.
func DefaultOptions(startURL string) Options {
	return Options{
		StartURL:           startURL,
		Delay:              1200 * time.Millisecond,
		MaxPages:           200,
		NavTimeout:         60 * time.Second,
		ClickTimeout:       2 * time.Second,
		ConsentTimeout:     1200 * time.Millisecond,
		Initial:            StrategyLimits{MaxScrolls: 18, StagnationLimit: 3},
		Next:               StrategyLimits{MaxScrolls: 12, StagnationLimit: 2},
		Sweep:              StrategyLimits{MaxScrolls: 10, StagnationLimit: 2},
		SweepNoGrowthLimit: 2,
		ConsentLocators:    DefaultConsentLocators,
		NextLocators:       DefaultNextLocators,
	}
}

// Engine discovers listings by running three traversal strategies in a
// fixed order against one browser session.
type Engine struct {
	fetcher   PageFetcher
	extractor Extractor
	opts      Options
	logger    *utils.Logger
}

// NewEngine creates a discovery Engine.
func NewEngine(fetcher PageFetcher, extractor Extractor, opts Options, logger *utils.Logger) *Engine {
	return &Engine{
		fetcher:   fetcher,
		extractor: extractor,
		opts:      opts,
		logger:    logger,
	}
}

// collection is the run-scoped, deduplicated discovery batch.
type collection struct {
	seen    *utils.IDSet
	records []*models.ListingRecord
}

func newCollection() *collection {
	return &collection{seen: utils.NewIDSet()}
}

// add keeps records with a stable, unseen id and returns how many it kept.
func (c *collection) add(records []*models.ListingRecord) int {
	added := 0
	for _, r := range records {
		if r == nil {
			continue
		}
		if r.ListingID == "" {
			r.ListingID = services.DeriveListingID(r.Link)
		}
		if r.ListingID == "" || !c.seen.Add(r.ListingID) {
			continue
		}
		c.records = append(c.records, r)
		added++
	}
	return added
}

func (c *collection) len() int {
	return len(c.records)
}

// Discover runs the scroll, next-control and page-sweep strategies and
// returns every distinct listing found. Failures only end the step they
// happen in.
func (e *Engine) Discover(ctx context.Context) []*models.ListingRecord {
	col := newCollection()
	base := originOf(e.opts.StartURL)

	initialOK := true
	if _, err := e.fetcher.Goto(ctx, e.opts.StartURL, e.opts.NavTimeout); err != nil {
		e.logger.Warn("[discovery] %v", trackererrors.NewFetch("goto", e.opts.StartURL, err))
		initialOK = false
	} else {
		e.dismissConsent(ctx)
		e.scrollAndCollect(ctx, col, base, e.opts.Initial)
	}
	e.logger.Info("[discovery] Page 1: total %d", col.len())

	if initialOK {
		e.followNext(ctx, col, base)
	}
	e.sweepPages(ctx, col, base)

	e.logger.Info("[discovery] Discovery complete: %d distinct listings", col.len())
	return col.records
}

func (e *Engine) followNext(ctx context.Context, col *collection, base string) {
	for page := 2; page <= e.opts.MaxPages; page++ {
		if ctx.Err() != nil {
			return
		}
		if !e.clickNext(ctx) {
			e.logger.Debug("[discovery] No next control on page %d", page-1)
			return
		}
		if err := e.fetcher.Wait(ctx, e.opts.Delay); err != nil {
			return
		}
		e.dismissConsent(ctx)

		before := col.len()
		e.scrollAndCollect(ctx, col, base, e.opts.Next)
		e.logger.Info("[discovery] Page %d (next): +%d (total %d)", page, col.len()-before, col.len())
		if col.len() == before {
			return
		}
	}
}

func (e *Engine) sweepPages(ctx context.Context, col *collection, base string) {
	noGrowth := 0
	for n := 2; n <= e.opts.MaxPages; n++ {
		if ctx.Err() != nil {
			return
		}
		before := col.len()
		pageURL := PageURL(e.opts.StartURL, n)

		if _, err := e.fetcher.Goto(ctx, pageURL, e.opts.NavTimeout); err != nil {
			e.logger.Warn("[discovery] %v", trackererrors.NewFetch("goto", pageURL, err))
		} else if err := e.fetcher.Wait(ctx, e.opts.Delay); err == nil {
			e.dismissConsent(ctx)
			e.scrollAndCollect(ctx, col, base, e.opts.Sweep)
		}

		e.logger.Info("[discovery] Page %d (?page): +%d (total %d)", n, col.len()-before, col.len())
		if col.len() == before {
			noGrowth++
		} else {
			noGrowth = 0
		}
		if noGrowth >= e.opts.SweepNoGrowthLimit {
			return
		}
	}
}

// scrollAndCollect grows the current page until the scroll budget is spent
// or StagnationLimit consecutive scrolls add nothing.
func (e *Engine) scrollAndCollect(ctx context.Context, col *collection, base string, limits StrategyLimits) {
	stagnant := 0
	for i := 0; i < limits.MaxScrolls; i++ {
		if err := e.fetcher.ScrollToBottom(ctx); err != nil {
			e.logger.Debug("[discovery] scroll: %v", err)
		}
		if err := e.fetcher.Wait(ctx, e.opts.Delay); err != nil {
			return
		}

		added := 0
		content, err := e.fetcher.Content(ctx)
		if err != nil {
			e.logger.Debug("[discovery] %v", trackererrors.NewFetch("content", base, err))
		} else {
			entries := e.extractor.ExtractListEntries(content, base)
			if len(entries) == 0 {
				e.logger.Debug("[discovery] %v", trackererrors.NewExtractionGap("list", "no entries rendered"))
			}
			added = col.add(entries)
		}

		if added == 0 {
			stagnant++
		} else {
			stagnant = 0
		}
		if stagnant >= limits.StagnationLimit {
			return
		}
	}
}

func (e *Engine) clickNext(ctx context.Context) bool {
	for _, loc := range e.opts.NextLocators {
		if !e.fetcher.IsVisible(ctx, loc) {
			continue
		}
		if e.fetcher.Click(ctx, loc, e.opts.ClickTimeout) {
			return true
		}
	}
	return false
}

func (e *Engine) dismissConsent(ctx context.Context) {
	for _, loc := range e.opts.ConsentLocators {
		if e.fetcher.IsVisible(ctx, loc) && e.fetcher.Click(ctx, loc, e.opts.ConsentTimeout) {
			return
		}
	}
}

// PageURL sets the page query parameter of rawURL to n, keeping every other
// parameter.
func PageURL(rawURL string, n int) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String()
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
