// Package web exposes the scheduling engine over HTTP. Handlers stay
// thin: they decode, delegate and map errors onto status codes. All
// interval math happens in the configured reference timezone.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"smartcal/internal/config"
	"smartcal/internal/feed"
	"smartcal/internal/interval"
	"smartcal/internal/log"
	"smartcal/internal/materialize"
	"smartcal/internal/model"
	"smartcal/internal/recur"
	"smartcal/internal/session"
	"smartcal/internal/slots"
)

// ErrNoSelection is returned when a confirm request selects nothing.
var ErrNoSelection = errors.New("confirmation selected no proposals")

// Server wires the engine's pieces behind a ServeMux.
type Server struct {
	cfg      *config.Config
	loc      *time.Location
	store    materialize.Store
	mat      *materialize.Materializer
	searcher *slots.Searcher
	sessions *session.Store
	ingestor *feed.Ingestor
	mux      *http.ServeMux

	// Short-lived cache for the merged events view, so UI polling does
	// not hammer the external calendar.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache
}

type eventsCache struct {
	resp      eventsResponse
	key       string
	updatedAt time.Time
}

func NewServer(cfg *config.Config, loc *time.Location, store materialize.Store, mat *materialize.Materializer, sessions *session.Store, ingestor *feed.Ingestor) *Server {
	s := &Server{
		cfg:      cfg,
		loc:      loc,
		store:    store,
		mat:      mat,
		searcher: slots.NewSearcher(cfg.Scheduling, cfg.Scoring, loc),
		sessions: sessions,
		ingestor: ingestor,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/events/update", s.handleUpdateEvent)
	s.mux.HandleFunc("/api/events/delete", s.handleDeleteEvent)
	s.mux.HandleFunc("/api/presets", s.handlePresets)
	s.mux.HandleFunc("/api/propose", s.handlePropose)
	s.mux.HandleFunc("/api/confirm", s.handleConfirm)
	s.mux.HandleFunc("/api/ingest", s.handleIngest)
}

// Handler returns the served handler, wrapped in basic auth when
// credentials are configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		log.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.cfg.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware guards every route except /health, which stays
// open for liveness probes.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="smartcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeFailure maps engine errors onto HTTP status codes. Unknown
// errors become opaque 500s so store details never leak to clients.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, slots.ErrNoSlotsFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, ErrNoSelection), errors.Is(err, recur.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, materialize.ErrProtectedSource):
		writeError(w, http.StatusForbidden, err.Error())
	case materialize.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, materialize.ErrWriteFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Error("request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// busyNow lists the store and normalizes records into busy intervals
// for the given range. Always a fresh read: proposals must reflect the
// calendar as it is right now.
func (s *Server) busyNow(ctx context.Context, from, to time.Time) ([]model.BusyInterval, error) {
	records, err := s.store.List(ctx, from.AddDate(0, 0, -1), to.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	raw := make([]model.RawEvent, 0, len(records))
	for _, rec := range records {
		raw = append(raw, model.RawEvent{
			ID:         rec.ExternalID,
			Title:      rec.Title,
			Start:      rec.Start,
			End:        rec.End,
			AllDay:     rec.AllDay,
			Source:     rec.Source,
			SourceName: rec.SourceName,
		})
	}
	return interval.Normalize(raw, s.loc), nil
}
