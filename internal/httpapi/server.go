package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/broadcast"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/cache"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/engine"
	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/storage"
)

// Cache is the part of engine.Engine served over HTTP.
type Cache interface {
	Bind(ctx context.Context, userID string) error
	Teardown()
	UserID() string
	GetSync(p model.Period) ([]model.Session, bool)
	EnsureLoaded(ctx context.Context, p model.Period) ([]model.Session, error)
	Preload(ctx context.Context, anchor model.Period) error
	Mutate(ctx context.Context, id string, patch model.Patch) error
	Delete(ctx context.Context, id string, hint model.Period) error
	Invalidate(ctx context.Context, p model.Period) error
	Clear(ctx context.Context) error
	Stats() cache.Stats
	Subscriptions() []model.Period
}

type Server struct {
	srv   *http.Server
	cache Cache
	hub   *broadcast.Hub
}

// New builds the router. hub may be nil, in which case /ws is not served.
func New(addr string, c Cache, hub *broadcast.Hub) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	s := &Server{
		srv:   &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second},
		cache: c,
		hub:   hub,
	}

	r.Get("/user", s.getUser)
	r.Put("/user/{user}", s.bindUser)
	r.Delete("/user", s.unbindUser)

	r.Get("/periods/{period}", s.getPeriod)
	r.Post("/periods/{period}/preload", s.preload)
	r.Post("/periods/{period}/invalidate", s.invalidate)

	r.Patch("/sessions/{id}", s.mutate)
	r.Delete("/sessions/{id}", s.deleteSession)

	r.Delete("/cache", s.clear)
	r.Get("/stats", s.stats)

	if hub != nil {
		r.Get("/ws/{user}", func(w http.ResponseWriter, r *http.Request) {
			hub.ServeRoom(w, r, chi.URLParam(r, "user"))
		})
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

type periodResponse struct {
	Period  string          `json:"period"`
	Cached  bool            `json:"cached"`
	Records []model.Session `json:"records"`
}

func (s *Server) getPeriod(w http.ResponseWriter, r *http.Request) {
	p, ok := periodParam(w, r)
	if !ok {
		return
	}
	if recs, ok := s.cache.GetSync(p); ok {
		writeJSON(w, http.StatusOK, periodResponse{Period: p.String(), Cached: true, Records: recs})
		return
	}
	recs, err := s.cache.EnsureLoaded(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []model.Session{}
	}
	writeJSON(w, http.StatusOK, periodResponse{Period: p.String(), Records: recs})
}

func (s *Server) preload(w http.ResponseWriter, r *http.Request) {
	p, ok := periodParam(w, r)
	if !ok {
		return
	}
	if err := s.cache.Preload(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	p, ok := periodParam(w, r)
	if !ok {
		return
	}
	if err := s.cache.Invalidate(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request) {
	var patch model.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid patch: " + err.Error()})
		return
	}
	if patch.IsEmpty() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty patch"})
		return
	}
	if patch.Date != nil {
		if _, err := model.PeriodOf(*patch.Date); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
	}
	if err := s.cache.Mutate(r.Context(), chi.URLParam(r, "id"), patch); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	var hint model.Period
	if q := r.URL.Query().Get("period"); q != "" {
		p, err := model.ParsePeriod(q)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		hint = p
	}
	if err := s.cache.Delete(r.Context(), chi.URLParam(r, "id"), hint); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	cache.Stats
	UserID        string   `json:"userId"`
	Subscriptions []string `json:"subscriptions"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	subs := s.cache.Subscriptions()
	out := statsResponse{
		Stats:         s.cache.Stats(),
		UserID:        s.cache.UserID(),
		Subscriptions: make([]string, 0, len(subs)),
	}
	for _, p := range subs {
		out.Subscriptions = append(out.Subscriptions, p.String())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getUser(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"userId": s.cache.UserID()})
}

func (s *Server) bindUser(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Bind(r.Context(), chi.URLParam(r, "user")); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unbindUser(w http.ResponseWriter, _ *http.Request) {
	s.cache.Teardown()
	w.WriteHeader(http.StatusNoContent)
}

func periodParam(w http.ResponseWriter, r *http.Request) (model.Period, bool) {
	p, err := model.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return model.Period{}, false
	}
	return p, true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotBound):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case engine.IsRemoteFetchError(err):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		slog.Warn("httpapi: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) Start() error {
	slog.Info("httpapi: listening", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }
