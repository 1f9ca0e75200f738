package scraper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"listing-tracker/models"
)

var errNavigation = errors.New("navigation timeout")

// fakePage renders frames[k] after k+1 scrolls; the last frame repeats.
type fakePage struct {
	frames [][]string
	next   string
}

type fakeFetcher struct {
	mu             sync.Mutex
	pages          map[string]*fakePage
	failGoto       map[string]bool
	current        string
	scrolls        int
	totalScrolls   int
	gotos          []string
	nextClicks     int
	consentVisible bool
	consentClicks  int
	closed         bool
}

var _ PageFetcher = (*fakeFetcher)(nil)

func newFakeFetcher(pages map[string]*fakePage) *fakeFetcher {
	return &fakeFetcher{pages: pages, failGoto: map[string]bool{}}
}

func (f *fakeFetcher) Goto(ctx context.Context, url string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gotos = append(f.gotos, url)
	if f.failGoto[url] {
		return "", errNavigation
	}
	f.current = url
	f.scrolls = 0
	return f.render(), nil
}

func (f *fakeFetcher) Content(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.render(), nil
}

func (f *fakeFetcher) render() string {
	page, ok := f.pages[f.current]
	if !ok || len(page.frames) == 0 {
		return ""
	}
	idx := f.scrolls - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(page.frames) {
		idx = len(page.frames) - 1
	}
	return strings.Join(page.frames[idx], ",")
}

func (f *fakeFetcher) Wait(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func (f *fakeFetcher) ScrollToBottom(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrolls++
	f.totalScrolls++
	return nil
}

func (f *fakeFetcher) Click(ctx context.Context, loc Locator, timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch loc.CSS {
	case "consent":
		f.consentVisible = false
		f.consentClicks++
		return true
	case "next":
		page, ok := f.pages[f.current]
		if !ok || page.next == "" {
			return false
		}
		f.current = page.next
		f.scrolls = 0
		f.nextClicks++
		return true
	}
	return false
}

func (f *fakeFetcher) IsVisible(ctx context.Context, loc Locator) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch loc.CSS {
	case "consent":
		return f.consentVisible
	case "next":
		page, ok := f.pages[f.current]
		return ok && page.next != ""
	}
	return false
}

func (f *fakeFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeExtractor reads comma separated ids; the token "noid" yields an entry
// without a link.
type fakeExtractor struct {
	details map[string]*models.ListingRecord
}

var _ Extractor = (*fakeExtractor)(nil)

func (x *fakeExtractor) ExtractListEntries(content, baseURL string) []*models.ListingRecord {
	if content == "" {
		return nil
	}
	var out []*models.ListingRecord
	for _, id := range strings.Split(content, ",") {
		if id == "noid" {
			out = append(out, &models.ListingRecord{Brand: "Unknown"})
			continue
		}
		out = append(out, &models.ListingRecord{Link: baseURL + "/ofertas/car-" + id})
	}
	return out
}

func (x *fakeExtractor) ExtractDetail(content string) *models.ListingRecord {
	if d, ok := x.details[content]; ok {
		cp := *d
		return &cp
	}
	return nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]*models.ListingRecord
	sets int
}

func (c *mapCache) Get(id string) (*models.ListingRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.data[id]
	return r, ok
}

func (c *mapCache) Set(id string, r *models.ListingRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = r
	c.sets++
	return nil
}
