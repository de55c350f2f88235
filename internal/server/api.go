// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bodaay/datafetch/pkg/datafetch"
)

// ModeResponse describes the resolved mode.
type ModeResponse struct {
	Mode     string               `json:"mode"`
	Source   string               `json:"source"`
	Origin   string               `json:"origin"`
	Settings string               `json:"settingsFile"`
	Config   datafetch.ModeConfig `json:"config"`
}

// ModeRequest is the body of POST /api/mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Mode     string                  `json:"mode"`
	Verified bool                    `json:"verified"`
	Ready    bool                    `json:"ready"`
	Datasets []datafetch.StatusEntry `json:"datasets"`
	Unpinned []string                `json:"unpinned,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.config.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleGetMode returns the mode a fetch without an explicit mode would use.
func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve("")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Mode resolution failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ModeResponse{
		Mode:     res.Config.Mode.String(),
		Source:   string(res.Source),
		Origin:   res.Origin,
		Settings: s.settings.Path(),
		Config:   res.Config,
	})
}

// handleSetMode stores the default mode in the settings file.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	m, err := datafetch.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mode", err.Error())
		return
	}
	if err := s.settings.SaveMode(m); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save settings", err.Error())
		return
	}
	s.logger.Info("mode saved", "mode", m.String(), "path", s.settings.Path())
	s.handleGetMode(w, r)
}

// handleListDatasets returns the registry.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets := s.registry.All()
	writeJSON(w, http.StatusOK, map[string]any{
		"datasets": datasets,
		"count":    len(datasets),
	})
}

// handleStatus reports local state. ?verify=1 re-hashes every artifact;
// ?mode= overrides the resolved mode; ?ids=a,b limits the report.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.resolve(q.Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mode", err.Error())
		return
	}

	descs := s.registry.All()
	if ids := splitIDs(q.Get("ids")); len(ids) > 0 {
		var errs []error
		descs, errs = s.registry.Select(ids)
		if len(errs) > 0 {
			writeError(w, http.StatusBadRequest, "Unknown dataset", errors.Join(errs...).Error())
			return
		}
	}

	verify, _ := strconv.ParseBool(q.Get("verify"))
	var entries []datafetch.StatusEntry
	if verify {
		entries, err = s.orch.Verify(r.Context(), descs, res.Config)
	} else {
		entries, err = datafetch.NewReporter(s.config.DataDir, s.logger).Status(r.Context(), descs, res.Config, datafetch.StatusOptions{})
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Status failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Mode:     res.Config.Mode.String(),
		Verified: verify,
		Ready:    datafetch.Ready(entries),
		Datasets: entries,
		Unpinned: datafetch.Unpinned(descs, res.Config),
	})
}

// handleStartFetch starts a new fetch job.
func (s *Server) handleStartFetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}
	}

	// Create and start the job (or return existing if duplicate)
	job, wasExisting, err := s.jobs.CreateJob(req)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			writeError(w, http.StatusBadRequest, "Invalid fetch request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create job", err.Error())
		return
	}

	if wasExisting {
		writeJSON(w, http.StatusOK, map[string]any{
			"job":     job,
			"message": "Fetch already in progress",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleListJobs returns all jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob returns a specific job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob cancels a job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.jobs.GetJob(id); !ok {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return
	}
	if !s.jobs.CancelJob(id) {
		writeError(w, http.StatusConflict, "Job is not running", "")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Job cancelled",
	})
}

// --- Helpers ---

func splitIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
