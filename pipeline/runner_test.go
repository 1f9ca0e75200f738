package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-tracker/models"
	"listing-tracker/scraper"
	"listing-tracker/scraper/autoscout"
	"listing-tracker/services"
	"listing-tracker/storage"
	"listing-tracker/utils"
)

const (
	origin   = "https://cat.test"
	startURL = origin + "/profesionales/love-cars"
)

// site serves fixed HTML per URL to every session it opens.
type site struct {
	mu     sync.Mutex
	pages  map[string]string
	opened int
	closed int
	fail   bool
}

func (s *site) open(ctx context.Context) (scraper.PageFetcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("chrome not found")
	}
	s.opened++
	return &sitePage{site: s}, nil
}

type sitePage struct {
	site    *site
	current string
}

func (p *sitePage) Goto(ctx context.Context, url string, timeout time.Duration) (string, error) {
	p.current = url
	return p.Content(ctx)
}

func (p *sitePage) Content(ctx context.Context) (string, error) {
	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	return p.site.pages[p.current], nil
}

func (p *sitePage) Wait(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func (p *sitePage) ScrollToBottom(ctx context.Context) error {
	return nil
}

func (p *sitePage) IsVisible(ctx context.Context, loc scraper.Locator) bool {
	return false
}

func (p *sitePage) Click(ctx context.Context, loc scraper.Locator, timeout time.Duration) bool {
	return false
}

func (p *sitePage) Close() error {
	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	p.site.closed++
	return nil
}

type card struct {
	id    string
	title string
	price int
}

func (s *site) publish(cards ...card) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("<html><body>")
	for _, c := range cards {
		link := "/ofertas/car-" + c.id
		fmt.Fprintf(&b, `<article><a data-item-name="detail-page-link" href="%s">%s</a>`, link, c.title)
		fmt.Fprintf(&b, `<span data-testid="price-label">%d €</span></article>`, c.price)
		s.pages[origin+link] = `<html><body><p>85 kW (116 CV)</p><p>IVA deducible</p></body></html>`
	}
	b.WriteString("</body></html>")
	s.pages[startURL] = b.String()
}

type recordingSink struct {
	mu     sync.Mutex
	dates  []string
	events int
	closed bool
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) WriteSnapshot(ctx context.Context, date string, entries []*models.TrackerEntry, events []models.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dates = append(s.dates, date)
	s.events += len(events)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, events []models.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []models.LifecycleEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.LifecycleEventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type countingMedia struct{ calls int }

func (m *countingMedia) Sync(ctx context.Context, store models.TrackerStore, ids []string) int {
	m.calls++
	return 0
}

type fixture struct {
	dir       string
	site      *site
	sink      *recordingSink
	publisher *recordingPublisher
	media     *countingMedia
	now       time.Time
	runner    *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:       t.TempDir(),
		site:      &site{pages: map[string]string{}},
		sink:      &recordingSink{},
		publisher: &recordingPublisher{},
		media:     &countingMedia{},
		now:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	csv, err := storage.NewCSVWriter(f.dir, "test")
	require.NoError(t, err)

	opts := scraper.DefaultOptions(startURL)
	opts.Delay = 0
	opts.MaxPages = 3
	logger := utils.NewNopLogger()

	f.runner = NewRunner(Deps{
		Sessions:   f.site.open,
		Extractor:  autoscout.NewExtractor(logger),
		Discovery:  opts,
		Enrich:     &scraper.EnrichOptions{Workers: 2, Retries: 1},
		Repository: storage.NewJSONStore(f.dir),
		Exporter:   csv,
		Sinks:      []storage.SnapshotSink{f.sink},
		Publisher:  f.publisher,
		Media:      f.media,
		Location:   time.UTC,
		Now:        func() time.Time { return f.now },
		Logger:     logger,
	})
	return f
}

func TestRunnerFirstRun(t *testing.T) {
	f := newFixture(t)
	f.site.publish(card{"12345678", "Seat Ibiza FR", 12990}, card{"87654321", "Renault Trafic Furgón", 21500})

	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	require.True(t, res.OK, res.Error)
	assert.Equal(t, "2024-03-01", res.Date)
	assert.Equal(t, 2, res.ItemsCollected)
	assert.Equal(t, models.RunCounts{Active: 2, Added: 2}, res.Counts)
	for _, p := range []string{res.MasterCSV, res.SnapshotCSV, res.EventsCSV} {
		assert.FileExists(t, p)
	}
	assert.Equal(t, filepath.Join(f.dir, "test_consolidado_2024-03-01.csv"), res.SnapshotCSV)

	store, err := storage.NewJSONStore(f.dir).Load()
	require.NoError(t, err)
	require.Contains(t, store, "12345678")
	seat := store["12345678"]
	assert.Equal(t, 12990.0, *seat.LastPrice)
	assert.Equal(t, "IVA deducible", seat.VATNote, "detail overlay reached the store")
	assert.Equal(t, 85, *seat.PowerKW)
	assert.Equal(t, services.CategoryIndustrial, store["87654321"].Category)

	require.NotNil(t, res.Insights)
	assert.Equal(t, 2, res.Insights.TotalListings)

	assert.Equal(t, []string{"2024-03-01"}, f.sink.dates)
	assert.Equal(t, []models.LifecycleEventType{models.EventAdded, models.EventAdded}, f.publisher.types())
	assert.Equal(t, 1, f.media.calls)
	assert.Equal(t, f.site.opened, f.site.closed, "every session is closed")

	st := f.runner.Status().Snapshot()
	assert.False(t, st.Running)
	require.NotNil(t, st.LastResult)
	assert.True(t, st.LastResult.OK)
}

func TestRunnerSecondRunDetectsChanges(t *testing.T) {
	f := newFixture(t)
	f.site.publish(card{"12345678", "Seat Ibiza FR", 12990}, card{"87654321", "Renault Trafic Furgón", 21500})
	_, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 1)
	f.site.publish(card{"12345678", "Seat Ibiza FR", 11990})
	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	require.True(t, res.OK)
	assert.Equal(t, models.RunCounts{Active: 1, Added: 0, Removed: 1, PriceEvents: 1}, res.Counts)
	assert.Equal(t, 1, f.sink.events)

	events, err := os.ReadFile(res.EventsCSV)
	require.NoError(t, err)
	assert.Contains(t, string(events), "2024-03-02,12345678,Seat Ibiza FR,12990,11990,-1000,")

	store, err := storage.NewJSONStore(f.dir).Load()
	require.NoError(t, err)
	assert.Equal(t, models.StatusRemoved, store["87654321"].Status)
	assert.Equal(t, "2024-03-02", store["87654321"].RemovedOn)
	assert.Len(t, store["12345678"].PriceHistory, 2)

	assert.Contains(t, f.publisher.types(), models.EventRemoved)
	assert.Contains(t, f.publisher.types(), models.EventPriceChange)
}

func TestRunnerCorruptStoreWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.site.publish(card{"12345678", "Seat Ibiza FR", 12990})
	storePath := filepath.Join(f.dir, storage.StoreFileName)
	require.NoError(t, os.WriteFile(storePath, []byte("{not json"), 0o644))

	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.MasterCSV)
	assert.NoFileExists(t, filepath.Join(f.dir, "test_tracker_master.csv"))
	assert.Empty(t, f.sink.dates)
	assert.Empty(t, f.publisher.types())

	data, err := os.ReadFile(storePath)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data), "corrupt store is left untouched")

	st := f.runner.Status().Snapshot()
	assert.False(t, st.Running)
	assert.Contains(t, st.Message, "failed")
}

func TestRunnerCancelledRunKeepsStore(t *testing.T) {
	f := newFixture(t)
	f.site.publish(card{"12345678", "Seat Ibiza FR", 12990}, card{"87654321", "Renault Trafic Furgón", 21500})
	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.OK)

	storePath := filepath.Join(f.dir, storage.StoreFileName)
	before, err := os.ReadFile(storePath)
	require.NoError(t, err)
	sinkCalls := len(f.sink.dates)
	published := len(f.publisher.types())

	f.now = f.now.AddDate(0, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err = f.runner.Run(ctx)
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "interrupted")
	after, err := os.ReadFile(storePath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "no listing is marked removed")
	assert.NoFileExists(t, filepath.Join(f.dir, "test_consolidado_2024-03-02.csv"))
	assert.Len(t, f.sink.dates, sinkCalls)
	assert.Len(t, f.publisher.types(), published)
	assert.Equal(t, f.site.opened, f.site.closed)
}

func TestRunnerSessionFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	f.site.fail = true

	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.NoFileExists(t, filepath.Join(f.dir, storage.StoreFileName))
}

func TestRunnerRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.runner.Status().TryBegin("held by test"))

	_, err := f.runner.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.False(t, f.runner.Start(context.Background()))
}

func TestRunnerStartRunsInBackground(t *testing.T) {
	f := newFixture(t)
	f.site.publish(card{"12345678", "Seat Ibiza FR", 12990})

	require.True(t, f.runner.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := f.runner.Status().Snapshot()
		return !st.Running && st.LastResult != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.runner.Status().Snapshot().LastResult.OK)
}

func TestRunnerSinkFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("db down")
	f.site.publish(card{"12345678", "Seat Ibiza FR", 12990})

	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.FileExists(t, res.MasterCSV)
}

func TestRunnerClose(t *testing.T) {
	f := newFixture(t)
	f.runner.Close()
	assert.True(t, f.sink.closed)
}
