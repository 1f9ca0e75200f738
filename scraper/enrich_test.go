package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-tracker/models"
	"listing-tracker/utils"
)

type sessionPool struct {
	mu       sync.Mutex
	pages    map[string]*fakePage
	failGoto map[string]bool
	opened   []*fakeFetcher
	fail     bool
}

func (p *sessionPool) open(ctx context.Context) (PageFetcher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, errors.New("browser unavailable")
	}
	f := newFakeFetcher(p.pages)
	for k, v := range p.failGoto {
		f.failGoto[k] = v
	}
	p.opened = append(p.opened, f)
	return f, nil
}

func link(id string) string {
	return "https://cat.test/ofertas/car-" + id
}

// detailFixture builds n records whose detail pages render "detail-<id>".
func detailFixture(n int) ([]*models.ListingRecord, map[string]*fakePage, map[string]*models.ListingRecord) {
	records := make([]*models.ListingRecord, 0, n)
	pages := map[string]*fakePage{}
	details := map[string]*models.ListingRecord{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%06d", 300000+i)
		records = append(records, &models.ListingRecord{ListingID: id, Link: link(id), Brand: "Seat", Fuel: "Gasolina"})
		pages[link(id)] = &fakePage{frames: [][]string{{"detail-" + id}}}
		power := 85 + i
		details["detail-"+id] = &models.ListingRecord{Fuel: "Diésel", PowerKW: &power, VATNote: "IVA deducible"}
	}
	return records, pages, details
}

func enrichOpts(workers int) EnrichOptions {
	return EnrichOptions{Workers: workers, Retries: 1}
}

func TestEnrichOverlaysNonEmptyFields(t *testing.T) {
	records, pages, details := detailFixture(1)
	pool := &sessionPool{pages: pages}
	en := NewEnricher(pool.open, &fakeExtractor{details: details}, nil, enrichOpts(1), utils.NewNopLogger())

	applied := en.Enrich(context.Background(), records)

	assert.Equal(t, 1, applied)
	r := records[0]
	assert.Equal(t, "Seat", r.Brand, "empty detail fields keep the discovered value")
	assert.Equal(t, "Diésel", r.Fuel)
	assert.Equal(t, "IVA deducible", r.VATNote)
	require.NotNil(t, r.PowerKW)
	assert.Equal(t, 85, *r.PowerKW)
	assert.Equal(t, "300000", r.ListingID)
}

func TestEnrichWorkersOwnOneSessionEach(t *testing.T) {
	records, pages, details := detailFixture(5)
	pool := &sessionPool{pages: pages}
	en := NewEnricher(pool.open, &fakeExtractor{details: details}, nil, enrichOpts(2), utils.NewNopLogger())

	applied := en.Enrich(context.Background(), records)

	assert.Equal(t, 5, applied)
	assert.LessOrEqual(t, len(pool.opened), 2)
	visits := 0
	for _, s := range pool.opened {
		assert.True(t, s.closed)
		visits += len(s.gotos)
	}
	assert.Equal(t, 5, visits, "every record visited exactly once")
	for i, r := range records {
		assert.Equal(t, 85+i, *r.PowerKW)
	}
}

func TestEnrichHonorsLimit(t *testing.T) {
	records, pages, details := detailFixture(4)
	pool := &sessionPool{pages: pages}
	opts := enrichOpts(3)
	opts.Limit = 2
	en := NewEnricher(pool.open, &fakeExtractor{details: details}, nil, opts, utils.NewNopLogger())

	applied := en.Enrich(context.Background(), records)

	assert.Equal(t, 2, applied)
	assert.Nil(t, records[2].PowerKW)
	assert.Nil(t, records[3].PowerKW)
	assert.Equal(t, "Gasolina", records[3].Fuel)
}

func TestEnrichSkipsFailedDetailPages(t *testing.T) {
	records, pages, details := detailFixture(3)
	pool := &sessionPool{pages: pages, failGoto: map[string]bool{link("300001"): true}}
	en := NewEnricher(pool.open, &fakeExtractor{details: details}, nil, enrichOpts(1), utils.NewNopLogger())

	applied := en.Enrich(context.Background(), records)

	assert.Equal(t, 2, applied)
	assert.Nil(t, records[1].PowerKW)
	assert.Equal(t, "Gasolina", records[1].Fuel)
	assert.NotNil(t, records[2].PowerKW)
}

func TestEnrichUsesCache(t *testing.T) {
	records, pages, details := detailFixture(2)
	cachedPower := 300
	cache := &mapCache{data: map[string]*models.ListingRecord{
		"300000": {PowerKW: &cachedPower},
	}}
	pool := &sessionPool{pages: pages}
	en := NewEnricher(pool.open, &fakeExtractor{details: details}, cache, enrichOpts(1), utils.NewNopLogger())

	applied := en.Enrich(context.Background(), records)

	assert.Equal(t, 2, applied)
	assert.Equal(t, 300, *records[0].PowerKW)
	assert.Equal(t, 86, *records[1].PowerKW)
	assert.Equal(t, 1, cache.sets)
	require.Len(t, pool.opened, 1)
	assert.Equal(t, []string{link("300001")}, pool.opened[0].gotos)
}

func TestEnrichCacheNeverSuppliesPrice(t *testing.T) {
	records, pages, details := detailFixture(2)
	cardPrice := 11990.0
	records[0].Price = &cardPrice
	stalePrice := 12990.0
	cachedPower := 300
	cache := &mapCache{data: map[string]*models.ListingRecord{
		"300000": {PowerKW: &cachedPower, Price: &stalePrice},
	}}
	detailPrice := 8500.0
	details["detail-300001"].Price = &detailPrice
	pool := &sessionPool{pages: pages}
	en := NewEnricher(pool.open, &fakeExtractor{details: details}, cache, enrichOpts(1), utils.NewNopLogger())

	en.Enrich(context.Background(), records)

	require.NotNil(t, records[0].Price)
	assert.Equal(t, 11990.0, *records[0].Price, "card price survives a cached overlay")
	assert.Equal(t, 300, *records[0].PowerKW)

	require.NotNil(t, records[1].Price)
	assert.Equal(t, 8500.0, *records[1].Price, "a freshly fetched detail page still sets the price")
	require.Contains(t, cache.data, "300001")
	assert.Nil(t, cache.data["300001"].Price, "prices are not cached")
	assert.Equal(t, 86, *cache.data["300001"].PowerKW)
}

func TestEnrichWithoutSessionLeavesRecords(t *testing.T) {
	records, pages, details := detailFixture(2)
	pool := &sessionPool{pages: pages, fail: true}
	en := NewEnricher(pool.open, &fakeExtractor{details: details}, nil, enrichOpts(2), utils.NewNopLogger())

	applied := en.Enrich(context.Background(), records)

	assert.Zero(t, applied)
	assert.Equal(t, "Gasolina", records[0].Fuel)
}
