package scraper

import (
	"context"
	"time"

	"listing-tracker/models"
	trackererrors "listing-tracker/pkg/errors"
	"listing-tracker/storage"
	"listing-tracker/utils"
)

// SessionFactory opens an independent browser session.
type SessionFactory func(ctx context.Context) (PageFetcher, error)

// EnrichOptions configures detail-page enrichment.
type EnrichOptions struct {
	Workers    int
	Limit      int
	Delay      time.Duration
	NavTimeout time.Duration
	Retries    int
}

// Enricher visits detail pages and overlays the higher-fidelity fields they
// expose onto discovered records.
type Enricher struct {
	newSession SessionFactory
	extractor  Extractor
	cache      storage.DetailCache
	opts       EnrichOptions
	logger     *utils.Logger
}

// NewEnricher creates an Enricher. cache may be nil.
func NewEnricher(newSession SessionFactory, extractor Extractor, cache storage.DetailCache, opts EnrichOptions, logger *utils.Logger) *Enricher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Enricher{
		newSession: newSession,
		extractor:  extractor,
		cache:      cache,
		opts:       opts,
		logger:     logger,
	}
}

// Enrich overlays detail data onto records and returns how many records
// received an overlay. Each worker owns one session and a disjoint slice of
// the records; overlays are applied only after every worker has finished.
func (en *Enricher) Enrich(ctx context.Context, records []*models.ListingRecord) int {
	n := len(records)
	if en.opts.Limit > 0 && en.opts.Limit < n {
		n = en.opts.Limit
	}
	if n == 0 {
		return 0
	}

	workers := en.opts.Workers
	if workers > n {
		workers = n
	}

	overlays := make([]*models.ListingRecord, n)
	pool := utils.NewWorkerPool(workers, 0)
	for w := 0; w < workers; w++ {
		worker := w
		pool.Submit(ctx, func(ctx context.Context) {
			en.runWorker(ctx, worker, workers, records[:n], overlays)
		})
	}
	pool.Wait()

	applied := 0
	for i, ov := range overlays {
		if ov == nil {
			continue
		}
		records[i].Overlay(ov)
		applied++
	}
	en.logger.Info("[enrich] Enriched %d of %d listings", applied, n)
	return applied
}

// runWorker handles every index i with i % stride == offset.
func (en *Enricher) runWorker(ctx context.Context, offset, stride int, records []*models.ListingRecord, overlays []*models.ListingRecord) {
	var session PageFetcher
	defer func() {
		if session != nil {
			_ = session.Close()
		}
	}()

	retry := &utils.RetryConfig{
		MaxAttempts: en.opts.Retries,
		BaseDelay:   time.Second,
		Logger:      en.logger,
	}

	for i := offset; i < len(records); i += stride {
		if ctx.Err() != nil {
			return
		}
		r := records[i]
		if r.Link == "" {
			continue
		}

		if en.cache != nil {
			if cached, ok := en.cache.Get(r.ListingID); ok {
				overlays[i] = withoutPrice(cached)
				continue
			}
		}

		if session == nil {
			s, err := en.newSession(ctx)
			if err != nil {
				en.logger.Warn("[enrich] worker %d: %v", offset, trackererrors.NewFetch("session", "open browser session", err))
				return
			}
			session = s
		}

		var content string
		err := retry.Do(ctx, "detail "+r.ListingID, func(ctx context.Context) error {
			var err error
			content, err = session.Goto(ctx, r.Link, en.opts.NavTimeout)
			return err
		})
		if err != nil {
			en.logger.Warn("[enrich] %v", trackererrors.NewFetch("detail", r.Link, err))
			continue
		}
		if err := session.Wait(ctx, en.opts.Delay); err != nil {
			return
		}
		if rendered, err := session.Content(ctx); err == nil {
			content = rendered
		}

		detail := en.extractor.ExtractDetail(content)
		if detail == nil {
			en.logger.Debug("[enrich] %v", trackererrors.NewExtractionGap("detail", r.Link))
			continue
		}
		overlays[i] = detail

		if en.cache != nil {
			if err := en.cache.Set(r.ListingID, withoutPrice(detail)); err != nil {
				en.logger.Debug("[enrich] cache set %s: %v", r.ListingID, err)
			}
		}
	}
}

// withoutPrice copies a detail overlay for the cache. Prices always come
// from the current run, never from a cached page.
func withoutPrice(detail *models.ListingRecord) *models.ListingRecord {
	cp := *detail
	cp.Price = nil
	return &cp
}
