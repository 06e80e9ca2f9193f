package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scraper-coordinator/internal/configs"
	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
)

type publishRequest struct {
	ChangeSummary string `json:"change_summary"`
}

type rollbackRequest struct {
	TargetVersionID string `json:"target_version_id"`
	Reason          string `json:"reason"`
}

type testRunRequest struct {
	SKUs []string `json:"skus"`
}

func (s *Server) createConfig(w http.ResponseWriter, r *http.Request) {
	var req configs.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	view, err := s.configs.CreateConfig(r.Context(), req, principalFrom(r.Context()).Subject)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	view, err := s.configs.Get(r.Context(), chi.URLParam(r, "config_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.configs.ListVersions(r.Context(), chi.URLParam(r, "config_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if versions == nil {
		versions = []coordinator.ConfigVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// saveDraft accepts JSON, YAML, or TOML keyed off the Content-Type header.
func (s *Server) saveDraft(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	version, err := s.configs.SaveDraft(
		r.Context(),
		chi.URLParam(r, "config_id"),
		body,
		configs.FormatFromContentType(r.Header.Get("Content-Type")),
		principalFrom(r.Context()).Subject,
	)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) validateConfig(w http.ResponseWriter, r *http.Request) {
	version, err := s.configs.Validate(r.Context(), chi.URLParam(r, "config_id"), principalFrom(r.Context()).Subject)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) publishConfig(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out, err := s.configs.Publish(
		r.Context(),
		chi.URLParam(r, "config_id"),
		principalFrom(r.Context()).Subject,
		req.ChangeSummary,
	)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) rollbackConfig(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out, err := s.configs.Rollback(
		r.Context(),
		chi.URLParam(r, "config_id"),
		req.TargetVersionID,
		req.Reason,
		principalFrom(r.Context()).Subject,
	)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) startTestRun(w http.ResponseWriter, r *http.Request) {
	var req testRunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	run, err := s.results.StartTestRun(
		r.Context(),
		chi.URLParam(r, "config_id"),
		req.SKUs,
		principalFrom(r.Context()).Subject,
	)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) getTestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.results.Get(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if run.ScraperID != chi.URLParam(r, "config_id") {
		writeError(w, http.StatusNotFound, "Test run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
