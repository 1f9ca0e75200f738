package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"listing-tracker/models"
	"listing-tracker/services"
	"listing-tracker/storage"
	"listing-tracker/utils"
)

// RunStarter launches a pipeline run in the background.
type RunStarter interface {
	Start(ctx context.Context) bool
}

// SnapshotLister lists the dates of exported snapshots.
type SnapshotLister interface {
	SnapshotDates() ([]string, error)
}

// Auth configures HTTP basic auth. Empty credentials disable it.
type Auth struct {
	Username string
	Password string
	Realm    string
}

// Server exposes run status, run triggering and daily listing deltas.
type Server struct {
	runner    RunStarter
	status    *services.StatusRecord
	repo      storage.TrackerRepository
	snapshots SnapshotLister
	outputDir string
	auth      Auth
	now       func() time.Time
	logger    *utils.Logger

	// runCtx outlives the request that triggers a run
	runCtx context.Context
}

// Options wires a Server.
type Options struct {
	Runner    RunStarter
	Status    *services.StatusRecord
	Repo      storage.TrackerRepository
	Snapshots SnapshotLister
	OutputDir string
	Auth      Auth
	Location  *time.Location
	RunCtx    context.Context
	Logger    *utils.Logger
}

func New(opts Options) *Server {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	runCtx := opts.RunCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Server{
		runner:    opts.Runner,
		status:    opts.Status,
		repo:      opts.Repo,
		snapshots: opts.Snapshots,
		outputDir: opts.OutputDir,
		auth:      opts.Auth,
		now:       func() time.Time { return time.Now().In(loc) },
		logger:    logger.Component("server"),
		runCtx:    runCtx,
	}
}

// Handler returns the routed, auth-guarded handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.basicAuth(s.handleStatus))
	mux.HandleFunc("POST /update", s.basicAuth(s.handleUpdate))
	mux.HandleFunc("GET /days", s.basicAuth(s.handleDays))
	mux.HandleFunc("GET /bydate", s.basicAuth(s.handleByDate))

	fileServer := http.StripPrefix("/media/", http.FileServer(http.Dir(s.outputDir)))
	mux.Handle("GET /media/", s.basicAuthMiddlewareForStatic(fileServer))
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}
		next(w, r)
	}
}

func (s *Server) basicAuthMiddlewareForStatic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.auth.Username == "" && s.auth.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if ok && user == s.auth.Username && pass == s.auth.Password {
		return true
	}
	realm := s.auth.Realm
	if realm == "" {
		realm = "Restricted"
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`", charset="UTF-8"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.runner.Start(s.runCtx) {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": "run in progress"})
		return
	}
	s.logger.Info("Run triggered from %s", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDays(w http.ResponseWriter, r *http.Request) {
	days, err := s.availableDays()
	if err != nil {
		s.logger.Error("list days: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"days": days})
}

// availableDays lists snapshot dates, falling back to the dates recorded in
// the store and finally to today.
func (s *Server) availableDays() ([]string, error) {
	var days []string
	if s.snapshots != nil {
		dates, err := s.snapshots.SnapshotDates()
		if err == nil {
			days = dates
		} else {
			s.logger.Warn("snapshot dates: %v", err)
		}
	}

	if len(days) == 0 {
		store, err := s.repo.Load()
		if err != nil {
			return nil, err
		}
		seen := map[string]struct{}{}
		for _, e := range store {
			for _, d := range []string{e.FirstSeen, e.RemovedOn} {
				if d == "" {
					continue
				}
				if _, ok := seen[d]; !ok {
					seen[d] = struct{}{}
					days = append(days, d)
				}
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(days)))
	}

	if len(days) == 0 {
		days = []string{models.FormatDate(s.now())}
	}
	return days, nil
}

// Card is the dashboard view of one tracked listing.
type Card struct {
	ListingID string   `json:"listing_id"`
	Title     string   `json:"title"`
	Year      *int     `json:"year"`
	Km        *int     `json:"km"`
	Price     *float64 `json:"price"`
	Link      string   `json:"link"`
	FirstSeen string   `json:"first_seen"`
	LastSeen  string   `json:"last_seen"`
	RemovedOn string   `json:"removed_on"`
	Status    string   `json:"status"`
	Category  string   `json:"category"`
	Thumb     string   `json:"thumb"`
}

type dayCounts struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

type dayReport struct {
	Date    string    `json:"date"`
	Counts  dayCounts `json:"counts"`
	Added   []Card    `json:"added"`
	Removed []Card    `json:"removed"`
}

func (s *Server) handleByDate(w http.ResponseWriter, r *http.Request) {
	day := normalizeDay(r.URL.Query().Get("date"), s.now())

	store, err := s.repo.Load()
	if err != nil {
		s.logger.Error("load store: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	report := dayReport{Date: day, Added: []Card{}, Removed: []Card{}}
	for _, e := range store.Entries() {
		if e.FirstSeen == day {
			report.Added = append(report.Added, toCard(e))
		}
		if e.RemovedOn == day {
			report.Removed = append(report.Removed, toCard(e))
		}
	}
	report.Counts = dayCounts{Added: len(report.Added), Removed: len(report.Removed)}
	writeJSON(w, http.StatusOK, report)
}

var dayLayouts = []string{"2006-01-02", "02/01/2006", "02-01-2006", "2006/01/02"}

// normalizeDay accepts the supported date layouts and returns YYYY-MM-DD.
// Unparseable input is cut to its first ten runes.
func normalizeDay(raw string, now time.Time) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.FormatDate(now)
	}
	for _, layout := range dayLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return models.FormatDate(t)
		}
	}
	if runes := []rune(raw); len(runes) > 10 {
		return string(runes[:10])
	}
	return raw
}

func toCard(e *models.TrackerEntry) Card {
	price := e.LastPrice
	if price == nil {
		price = e.Price
	}
	thumb := e.ImageFile
	if thumb == "" {
		thumb = e.Image
	}
	if thumb != "" && !strings.HasPrefix(thumb, "http") {
		thumb = "/media/" + thumb
	}
	return Card{
		ListingID: e.ListingID,
		Title:     e.Title(),
		Year:      e.Year,
		Km:        e.Km,
		Price:     price,
		Link:      e.Link,
		FirstSeen: e.FirstSeen,
		LastSeen:  e.LastSeen,
		RemovedOn: e.RemovedOn,
		Status:    string(e.Status),
		Category:  e.Category,
		Thumb:     thumb,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
