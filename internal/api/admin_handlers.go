package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scraper-coordinator/internal/auth"
	"github.com/JakeFAU/scraper-coordinator/internal/dispatcher"
)

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	// Job IDs are always server-assigned on this route.
	req.ID = ""
	res, err := s.dispatcher.CreateJob(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.dispatcher.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.leases.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.registry.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if runners == nil {
		runners = []auth.RunnerView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": runners})
}

func (s *Server) registerRunner(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	reg, err := s.registry.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) revokeRunner(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Revoke(r.Context(), name); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "revoked": true})
}
