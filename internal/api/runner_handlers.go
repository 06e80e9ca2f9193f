package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scraper-coordinator/internal/auth"
	"github.com/JakeFAU/scraper-coordinator/internal/lease"
	"github.com/JakeFAU/scraper-coordinator/internal/results"
)

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.Poll(r.Context(), runnerFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var beat lease.Beat
	if err := decodeJSON(r, &beat); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ack, err := s.leases.Heartbeat(r.Context(), runnerFrom(r.Context()), beat)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	var c lease.Completion
	if err := decodeJSON(r, &c); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	job, err := s.leases.Complete(r.Context(), runnerFrom(r.Context()), chi.URLParam(r, "job_id"), c)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// callback accepts only runner API keys, so it sits outside the runner
// middleware group.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	identity, err := s.results.Authenticate(r.Context(), r.Header.Get(auth.HeaderAPIKey))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var p results.Payload
	if err := decodeJSON(r, &p); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ack, err := s.results.Callback(r.Context(), identity, p)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}
