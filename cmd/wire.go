package cmd

import (
	"context"
	"sync"
	"time"

	"listing-tracker/config"
	"listing-tracker/pipeline"
	"listing-tracker/scraper"
	"listing-tracker/scraper/autoscout"
	"listing-tracker/scraper/chrome"
	"listing-tracker/services"
	"listing-tracker/storage"
	"listing-tracker/utils"
)

// lazyBrowser launches Chrome on the first session request and shares the
// process between every later session.
type lazyBrowser struct {
	bin    string
	logger *utils.Logger

	mu      sync.Mutex
	browser *chrome.Browser
}

func (l *lazyBrowser) NewPage(ctx context.Context) (scraper.PageFetcher, error) {
	l.mu.Lock()
	if l.browser == nil {
		b, err := chrome.NewBrowser(ctx, l.bin, l.logger)
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		l.browser = b
	}
	b := l.browser
	l.mu.Unlock()
	return b.NewPage(ctx)
}

func (l *lazyBrowser) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browser == nil {
		return nil
	}
	err := l.browser.Close()
	l.browser = nil
	return err
}

// app holds everything a command needs after wiring.
type app struct {
	cfg      *config.Config
	logger   *utils.Logger
	location *time.Location
	repo     *storage.JSONStore
	csv      *storage.CSVWriter
	runner   *pipeline.Runner
	browser  *lazyBrowser
	insights *services.InsightService
}

// buildApp wires the runner and its optional backends. Optional backends
// that cannot be reached are logged and left out.
func buildApp(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	csv, err := storage.NewCSVWriter(cfg.OutputDir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}
	repo := storage.NewJSONStore(cfg.OutputDir)
	browser := &lazyBrowser{bin: cfg.ChromeBin, logger: logger}

	deps := pipeline.Deps{
		Sessions:   browser.NewPage,
		Extractor:  autoscout.NewExtractor(logger.Component("extractor")),
		Discovery:  cfg.DiscoveryOptions(),
		Repository: repo,
		Exporter:   csv,
		Location:   loc,
		Logger:     logger,
	}

	if cfg.Enrich.Enabled {
		eo := cfg.EnrichOptions()
		deps.Enrich = &eo
	}

	if cfg.Media.Enabled {
		deps.Media = services.NewMediaDownloader(cfg.OutputDir, cfg.Media.RatePerSecond, logger.Component("media"))
	}

	if cfg.Memcache.Addr != "" {
		cache := storage.NewMemcacheDetailCache(cfg.Memcache.Addr, cfg.MemcacheTTL())
		if err := cache.Ping(); err != nil {
			logger.Warn("Memcache at %s unavailable, detail cache disabled: %v", cfg.Memcache.Addr, err)
		} else {
			deps.Cache = cache
		}
	}

	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresWriter(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, sink disabled: %v", err)
		} else {
			deps.Sinks = append(deps.Sinks, pg)
		}
	}

	if cfg.SQLite.Path != "" {
		lite, err := storage.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			logger.Warn("SQLite at %s unavailable, sink disabled: %v", cfg.SQLite.Path, err)
		} else {
			deps.Sinks = append(deps.Sinks, lite)
		}
	}

	if cfg.Redis.Addr != "" {
		pub := services.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Stream, cfg.Redis.MaxLen)
		if err := pub.Ping(ctx); err != nil {
			logger.Warn("Redis at %s unavailable, event stream disabled: %v", cfg.Redis.Addr, err)
			_ = pub.Close()
		} else {
			deps.Publisher = pub
		}
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		location: loc,
		repo:     repo,
		csv:      csv,
		runner:   pipeline.NewRunner(deps),
		browser:  browser,
		insights: services.NewInsightService(logger.Component("insights")),
	}, nil
}

func (a *app) Close() {
	a.runner.Close()
	if err := a.browser.Close(); err != nil {
		a.logger.Warn("close browser: %v", err)
	}
}
