package pipeline

import (
	"context"
	"errors"
	"time"

	"listing-tracker/models"
	trackererrors "listing-tracker/pkg/errors"
	"listing-tracker/scraper"
	"listing-tracker/services"
	"listing-tracker/storage"
	"listing-tracker/utils"
)

// ErrRunInProgress is returned when a run is requested while another holds
// the status record.
var ErrRunInProgress = errors.New("run in progress")

// MediaSyncer downloads listing images into the output directory.
type MediaSyncer interface {
	Sync(ctx context.Context, store models.TrackerStore, ids []string) int
}

// Deps wires a Runner. Optional collaborators may be left nil.
type Deps struct {
	Sessions   scraper.SessionFactory
	Extractor  scraper.Extractor
	Discovery  scraper.Options
	Enrich     *scraper.EnrichOptions
	Cache      storage.DetailCache
	Repository storage.TrackerRepository
	Exporter   *storage.CSVWriter
	Sinks      []storage.SnapshotSink
	Publisher  services.EventPublisher
	Media      MediaSyncer
	Status     *services.StatusRecord
	Location   *time.Location
	Now        func() time.Time
	Logger     *utils.Logger
}

// Runner executes one full discovery and reconciliation run.
type Runner struct {
	deps       Deps
	normalizer *services.Normalizer
	tracker    *services.Tracker
	insights   *services.InsightService
	logger     *utils.Logger
}

func NewRunner(deps Deps) *Runner {
	if deps.Status == nil {
		deps.Status = services.NewStatusRecord()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = utils.NewNopLogger()
	}
	logger := deps.Logger.Component("pipeline")
	return &Runner{
		deps:       deps,
		normalizer: services.NewNormalizer(deps.Logger.Component("normalizer")),
		tracker:    services.NewTracker(deps.Logger.Component("tracker")),
		insights:   services.NewInsightService(deps.Logger.Component("insights")),
		logger:     logger,
	}
}

func (r *Runner) Status() *services.StatusRecord {
	return r.deps.Status
}

// Run executes a run synchronously.
func (r *Runner) Run(ctx context.Context) (*models.RunResult, error) {
	if !r.deps.Status.TryBegin("starting") {
		return nil, ErrRunInProgress
	}
	result := r.execute(ctx)
	r.deps.Status.Finish(result)
	return result, nil
}

// Start launches a run in the background. It returns false when a run is
// already in progress.
func (r *Runner) Start(ctx context.Context) bool {
	if !r.deps.Status.TryBegin("starting") {
		return false
	}
	go func() {
		result := r.execute(ctx)
		r.deps.Status.Finish(result)
	}()
	return true
}

func (r *Runner) today() time.Time {
	t := r.deps.Now().In(r.deps.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (r *Runner) execute(ctx context.Context) *models.RunResult {
	today := r.today()
	date := models.FormatDate(today)
	result := &models.RunResult{Date: date, StartedAt: r.deps.Now()}
	fail := func(err error) *models.RunResult {
		r.logger.Error("Run %s failed: %v", date, err)
		result.OK = false
		result.Error = err.Error()
		result.FinishedAt = r.deps.Now()
		return result
	}

	r.logger.Info("=== Run %s starting ===", date)

	r.deps.Status.Progress("discovering listings")
	records, err := r.discover(ctx)
	if err != nil {
		return fail(err)
	}
	if err := interrupted(ctx, "discovery"); err != nil {
		return fail(err)
	}

	if r.deps.Enrich != nil && len(records) > 0 {
		r.deps.Status.Progress("enriching detail pages")
		enricher := scraper.NewEnricher(r.deps.Sessions, r.deps.Extractor, r.deps.Cache, *r.deps.Enrich, r.deps.Logger.Component("enrich"))
		enricher.Enrich(ctx, records)
	}
	if err := interrupted(ctx, "enrichment"); err != nil {
		return fail(err)
	}

	batch := r.normalizer.Normalize(records)
	result.ItemsCollected = len(batch)

	r.deps.Status.Progress("reconciling")
	store, err := r.deps.Repository.Load()
	if err != nil {
		return fail(err)
	}
	store, rec := r.tracker.Reconcile(batch, today, store)

	if r.deps.Media != nil {
		r.deps.Status.Progress("downloading images")
		ids := make([]string, 0, len(batch))
		for _, b := range batch {
			ids = append(ids, b.ListingID)
		}
		r.deps.Media.Sync(ctx, store, ids)
	}

	if err := r.deps.Repository.Save(store); err != nil {
		return fail(err)
	}

	entries := store.Entries()
	if r.deps.Exporter != nil {
		paths, err := r.deps.Exporter.Export(date, entries, rec.Events)
		if err != nil {
			r.logger.Error("%v", trackererrors.NewSink("csv", "export", err))
		} else {
			result.MasterCSV = paths.Master
			result.SnapshotCSV = paths.Snapshot
			result.EventsCSV = paths.Events
		}
	}

	for _, sink := range r.deps.Sinks {
		if err := sink.WriteSnapshot(ctx, date, entries, rec.Events); err != nil {
			r.logger.Error("%v", trackererrors.NewSink(sink.Name(), "write snapshot", err))
		}
	}

	if r.deps.Publisher != nil {
		if err := r.deps.Publisher.Publish(ctx, rec.Lifecycle); err != nil {
			r.logger.Error("%v", trackererrors.NewSink("publisher", "publish lifecycle events", err))
		}
	}

	result.Insights = r.insights.Generate(store, date, rec.Events, rec.Lifecycle)
	r.insights.Log(result.Insights)

	result.OK = true
	result.Counts = rec.Counts
	result.FinishedAt = r.deps.Now()
	r.logger.Info("=== Run %s done: %d collected | active %d | +%d | -%d | %d price events ===",
		date, result.ItemsCollected, rec.Counts.Active, rec.Counts.Added, rec.Counts.Removed, rec.Counts.PriceEvents)
	return result
}

// interrupted reports a cancelled run. A batch collected under a cancelled
// context is incomplete and must never reach the store.
func interrupted(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return trackererrors.NewFetch("run", stage+" interrupted", err)
	}
	return nil
}

// discover drives the discovery engine on one browser session. Failing to
// open the session fails the run.
func (r *Runner) discover(ctx context.Context) ([]*models.ListingRecord, error) {
	page, err := r.deps.Sessions(ctx)
	if err != nil {
		return nil, trackererrors.NewFetch("session", "open discovery session", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			r.logger.Debug("close discovery session: %v", err)
		}
	}()

	engine := scraper.NewEngine(page, r.deps.Extractor, r.deps.Discovery, r.deps.Logger.Component("discovery"))
	return engine.Discover(ctx), nil
}

// Close releases sinks and the publisher.
func (r *Runner) Close() {
	for _, sink := range r.deps.Sinks {
		if err := sink.Close(); err != nil {
			r.logger.Warn("close %s: %v", sink.Name(), err)
		}
	}
	if r.deps.Publisher != nil {
		if err := r.deps.Publisher.Close(); err != nil {
			r.logger.Warn("close publisher: %v", err)
		}
	}
}
