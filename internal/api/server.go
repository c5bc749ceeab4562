// Package api is the operator HTTP surface: health, metrics, instance inspection, replay,
// cancellation and queue region health. It does not accept task submissions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"meridian/internal/domain"
	"meridian/internal/store"
)

// Store is the part of the task store the API reads and mutates.
type Store interface {
	Ping(ctx context.Context) error
	GetDefinition(ctx context.Context, id string) (domain.Definition, error)
	GetInstance(ctx context.Context, id string) (domain.Instance, error)
	ListInstances(ctx context.Context, f store.InstanceFilter) ([]domain.Instance, error)
	ListEvents(ctx context.Context, instanceID string) ([]domain.Event, error)
	Replay(ctx context.Context, id string) (domain.Instance, error)
	RequestCancel(ctx context.Context, id string) (domain.Instance, error)
}

// Regions reads and flips queue region health.
type Regions interface {
	Healthy(ctx context.Context, region string) (bool, error)
	SetHealthy(ctx context.Context, region string, healthy bool) error
}

type Options struct {
	// Regions lists the known regions; health changes for other names are rejected.
	Regions []string
	Metrics http.Handler
	Debug   bool
}

type Server struct {
	store   Store
	regions Regions
	known   map[string]bool
	names   []string
}

func NewServer(s Store, regions Regions, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	srv := &Server{store: s, regions: regions, known: map[string]bool{}, names: opts.Regions}
	for _, name := range opts.Regions {
		srv.known[name] = true
	}

	r.Get("/healthz", srv.health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/definitions/{id}", srv.getDefinition)
		r.Get("/instances", srv.listInstances)
		r.Get("/instances/{id}", srv.getInstance)
		r.Get("/instances/{id}/events", srv.listEvents)
		r.Post("/instances/{id}/replay", srv.replay)
		r.Post("/instances/{id}/cancel", srv.cancel)
		r.Get("/regions", srv.listRegions)
		r.Put("/regions/{region}/health", srv.setRegionHealth)
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.InstanceFilter{
		Region:       q.Get("region"),
		DefinitionID: q.Get("definition_id"),
	}
	if raw := q.Get("status"); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Status = st
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	out, err := s.store.ListInstances(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetInstance(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	log.Info().Str("instance_id", inst.ID).Msg("instance replayed by operator")
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.RequestCancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	code := http.StatusOK
	if !inst.Status.Terminal() {
		// the worker holding the lease observes the flag at its next checkpoint
		code = http.StatusAccepted
	}
	writeJSON(w, code, inst)
}

type regionHealth struct {
	Region  string `json:"region"`
	Healthy bool   `json:"healthy"`
}

func (s *Server) listRegions(w http.ResponseWriter, r *http.Request) {
	out := make([]regionHealth, 0, len(s.names))
	for _, name := range s.names {
		ok, err := s.regions.Healthy(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, regionHealth{Region: name, Healthy: ok})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setRegionHealth(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	if !s.known[region] {
		http.Error(w, "unknown region", http.StatusNotFound)
		return
	}
	var req struct {
		Healthy *bool `json:"healthy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Healthy == nil {
		http.Error(w, "healthy is required", http.StatusBadRequest)
		return
	}
	if err := s.regions.SetHealthy(r.Context(), region, *req.Healthy); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Warn().Str("region", region).Bool("healthy", *req.Healthy).Msg("queue region health changed")
	writeJSON(w, http.StatusOK, regionHealth{Region: region, Healthy: *req.Healthy})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
