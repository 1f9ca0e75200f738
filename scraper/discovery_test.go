package scraper

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-tracker/models"
	"listing-tracker/utils"
)

const startURL = "https://cat.test/profesionales/love-cars"

func testOptions() Options {
	opts := DefaultOptions(startURL)
	opts.Delay = 0
	opts.MaxPages = 6
	opts.ConsentLocators = []Locator{{CSS: "consent"}}
	opts.NextLocators = []Locator{{CSS: "next"}}
	return opts
}

func ids(records []*models.ListingRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ListingID)
	}
	return out
}

func discover(t *testing.T, f *fakeFetcher, opts Options) []*models.ListingRecord {
	t.Helper()
	e := NewEngine(f, &fakeExtractor{}, opts, utils.NewNopLogger())
	return e.Discover(context.Background())
}

func TestScrollStopsOnStagnation(t *testing.T) {
	f := newFakeFetcher(map[string]*fakePage{
		startURL: {frames: [][]string{
			{"100001", "100002", "100003"},
			{"100001", "100002", "100003", "100004", "100005"},
		}},
	})

	out := discover(t, f, testOptions())

	assert.Equal(t, []string{"100001", "100002", "100003", "100004", "100005"}, ids(out))
	// initial page: 2 growing scrolls + 3 stagnant; each sweep page: 2 stagnant
	assert.Equal(t, 5+2+2, f.totalScrolls)
	assert.Equal(t, []string{startURL, startURL + "?page=2", startURL + "?page=3"}, f.gotos)
}

func TestScrollRespectsMaxScrolls(t *testing.T) {
	frames := make([][]string, 0, 30)
	var cumulative []string
	for i := 0; i < 30; i++ {
		cumulative = append(cumulative, fmt.Sprintf("%06d", 200000+i))
		frames = append(frames, append([]string(nil), cumulative...))
	}
	f := newFakeFetcher(map[string]*fakePage{startURL: {frames: frames}})
	opts := testOptions()
	opts.MaxPages = 1

	out := discover(t, f, opts)

	assert.Len(t, out, 18, "one new entry per scroll, bounded by the initial scroll budget")
	assert.Equal(t, 18, f.totalScrolls)
}

func TestNextNavigationStopsWhenNoGrowth(t *testing.T) {
	p2 := startURL + "#p2"
	p3 := startURL + "#p3"
	p4 := startURL + "#p4"
	f := newFakeFetcher(map[string]*fakePage{
		startURL: {frames: [][]string{{"100001", "100002"}}, next: p2},
		p2:       {frames: [][]string{{"100002", "100003"}}, next: p3},
		p3:       {frames: [][]string{{"100003"}}, next: p4},
		p4:       {frames: [][]string{{"100004"}}},
	})
	opts := testOptions()
	opts.MaxPages = 1 + 4
	opts.SweepNoGrowthLimit = 1

	out := discover(t, f, opts)

	assert.Equal(t, []string{"100001", "100002", "100003"}, ids(out))
	assert.Equal(t, 2, f.nextClicks, "a next step adding nothing ends the strategy")
}

func TestNextNavigationBoundedByMaxPages(t *testing.T) {
	pages := map[string]*fakePage{}
	prev := startURL
	pages[startURL] = &fakePage{frames: [][]string{{"100000"}}}
	for i := 1; i <= 10; i++ {
		u := fmt.Sprintf("%s#p%d", startURL, i)
		pages[prev].next = u
		pages[u] = &fakePage{frames: [][]string{{fmt.Sprintf("%06d", 100000+i)}}}
		prev = u
	}
	f := newFakeFetcher(pages)
	opts := testOptions()
	opts.MaxPages = 3

	out := discover(t, f, opts)

	assert.Equal(t, 2, f.nextClicks)
	assert.Len(t, out, 3)
}

func TestSweepToleratesOneEmptyPage(t *testing.T) {
	f := newFakeFetcher(map[string]*fakePage{
		startURL:             {frames: [][]string{{"100001"}}},
		PageURL(startURL, 2): {frames: [][]string{{"100002"}}},
		PageURL(startURL, 4): {frames: [][]string{{"100004"}}},
		PageURL(startURL, 7): {frames: [][]string{{"100007"}}},
	})
	opts := testOptions()
	opts.MaxPages = 10

	out := discover(t, f, opts)

	assert.Equal(t, []string{"100001", "100002", "100004"}, ids(out))
	assert.NotContains(t, f.gotos, PageURL(startURL, 7), "two consecutive empty pages end the sweep")
	assert.Contains(t, f.gotos, PageURL(startURL, 6))
}

func TestSweepNavigationFailureCountsAsNoGrowth(t *testing.T) {
	f := newFakeFetcher(map[string]*fakePage{
		startURL:             {frames: [][]string{{"100001"}}},
		PageURL(startURL, 4): {frames: [][]string{{"100004"}}},
	})
	f.failGoto[PageURL(startURL, 2)] = true
	f.failGoto[PageURL(startURL, 3)] = true

	out := discover(t, f, testOptions())

	assert.Equal(t, []string{"100001"}, ids(out))
	assert.NotContains(t, f.gotos, PageURL(startURL, 4))
}

func TestInitialNavigationFailureDegrades(t *testing.T) {
	f := newFakeFetcher(map[string]*fakePage{
		PageURL(startURL, 2): {frames: [][]string{{"100002"}}, next: startURL + "#never"},
	})
	f.failGoto[startURL] = true

	out := discover(t, f, testOptions())

	assert.Equal(t, []string{"100002"}, ids(out))
	assert.Equal(t, 0, f.nextClicks, "next strategy needs the initial page")
}

func TestDiscoveryDedupAndMissingIDs(t *testing.T) {
	f := newFakeFetcher(map[string]*fakePage{
		startURL:             {frames: [][]string{{"100001", "noid", "100001", "100002"}}},
		PageURL(startURL, 2): {frames: [][]string{{"100002", "100001", "100003"}}},
	})

	out := discover(t, f, testOptions())

	require.Equal(t, []string{"100001", "100002", "100003"}, ids(out))
	seen := map[string]bool{}
	for _, r := range out {
		assert.False(t, seen[r.ListingID], "duplicate %s", r.ListingID)
		seen[r.ListingID] = true
		assert.NotEmpty(t, r.Link)
	}
}

func TestConsentDismissedOnce(t *testing.T) {
	f := newFakeFetcher(map[string]*fakePage{startURL: {frames: [][]string{{"100001"}}}})
	f.consentVisible = true

	discover(t, f, testOptions())

	assert.Equal(t, 1, f.consentClicks)
}

func TestDiscoverStopsOnCancelledContext(t *testing.T) {
	f := newFakeFetcher(map[string]*fakePage{startURL: {frames: [][]string{{"100001"}}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewEngine(f, &fakeExtractor{}, testOptions(), utils.NewNopLogger()).Discover(ctx)

	assert.Empty(t, out)
	assert.Len(t, f.gotos, 1)
}

func TestPageURL(t *testing.T) {
	assert.Equal(t, "https://x/p?page=2", PageURL("https://x/p", 2))
	assert.Equal(t, "https://x/p?page=5&sort=price", PageURL("https://x/p?page=3&sort=price", 5))
}
