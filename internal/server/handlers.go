package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jonathan/collagent/internal/registry"
	"github.com/jonathan/collagent/internal/report"
	"github.com/jonathan/collagent/internal/types"
)

const heartbeatInterval = 15 * time.Second

// JobRequest is the request body for POST /jobs
type JobRequest struct {
	Profile            string   `json:"profile" validate:"required"`
	FocusAreas         []string `json:"focus_areas,omitempty" validate:"dive,required"`
	Region             string   `json:"region,omitempty"`
	Mode               string   `json:"mode,omitempty" validate:"omitempty,oneof=broad targeted"`
	Institution        string   `json:"institution,omitempty"`
	MaxInstitutions    int      `json:"max_institutions,omitempty" validate:"gte=0,lte=50"`
	TotalTurns         *int     `json:"total_turns,omitempty" validate:"omitempty,gte=0"`
	TopN               *int     `json:"top_n,omitempty" validate:"omitempty,gte=0"`
	SearchProvider     string   `json:"search_provider,omitempty"`
	ProcessingProvider string   `json:"processing_provider,omitempty"`
}

// JobResponse is returned when a job is accepted
type JobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	EventsURL string `json:"events_url"`
}

// ModelsResponse lists configured providers
type ModelsResponse struct {
	Available []registry.Provider `json:"available"`
	Absent    []registry.Absent   `json:"absent"`
}

// toConfig builds a job config, filling unset limits from the server defaults.
func (s *Server) toConfig(req JobRequest) types.JobConfig {
	cfg := types.JobConfig{
		Profile: types.ResearchProfile{
			Text:       req.Profile,
			FocusAreas: req.FocusAreas,
			Region:     req.Region,
		},
		Mode:               types.Mode(req.Mode),
		Institution:        req.Institution,
		MaxInstitutions:    req.MaxInstitutions,
		TotalTurns:         s.defaults.TotalTurns,
		TopN:               req.TopN,
		SearchProvider:     req.SearchProvider,
		ProcessingProvider: req.ProcessingProvider,
	}
	if req.TotalTurns != nil {
		cfg.TotalTurns = *req.TotalTurns
	}
	if cfg.MaxInstitutions == 0 {
		cfg.MaxInstitutions = s.defaults.MaxInstitutions
	}
	if cfg.TopN == nil {
		n := s.defaults.TopN
		cfg.TopN = &n
	}
	return cfg
}

func (s *Server) validateRequest(req JobRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return &ErrValidation{Field: f.Field(), Message: "failed " + f.Tag()}
	}
	return &ErrValidation{Field: "body", Message: err.Error()}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleModels lists available and absent providers
func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, ModelsResponse{
		Available: s.reg.Providers(),
		Absent:    s.reg.AbsentEntries(),
	})
}

// handleCreateJob queues a new search job
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ErrValidation{Field: "body", Message: err.Error()})
		return
	}
	if err := s.validateRequest(req); err != nil {
		s.errorResponse(w, err)
		return
	}

	id, err := s.jobs.Submit(s.toConfig(req))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.log.Info("job accepted", zap.String("job_id", id))
	s.jsonResponse(w, http.StatusAccepted, JobResponse{
		JobID:     id,
		Status:    "pending",
		EventsURL: "/jobs/" + id + "/events",
	})
}

// handleGetJob returns a job's status
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, st)
}

// handleCancelJob requests cancellation of a job
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.jobs.Cancel(id); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

// handleJobEvents streams a job's events, replaying the retained log first
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, r.PathValue("id"), false)
}

// handleSearch submits a job from query parameters and streams it.
// Closing the stream cancels the job.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := searchRequest(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.validateRequest(req); err != nil {
		s.errorResponse(w, err)
		return
	}
	id, err := s.jobs.Submit(s.toConfig(req))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.stream(w, r, id, true)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, id string, owned bool) {
	events, err := s.jobs.Subscribe(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if owned && r.Context().Err() != nil {
					s.log.Info("stream closed, cancelling job", zap.String("job_id", id))
					_ = s.jobs.Cancel(id)
				}
				return
			}
			if err := sse.WriteJobEvent(ev); err != nil {
				s.log.Debug("event write failed", zap.String("job_id", id), zap.Error(err))
			}
		case <-heartbeat.C:
			_ = sse.Heartbeat()
		}
	}
}

func searchRequest(r *http.Request) (JobRequest, error) {
	q := r.URL.Query()
	req := JobRequest{
		Profile:            q.Get("profile"),
		Region:             q.Get("region"),
		Mode:               q.Get("mode"),
		Institution:        q.Get("institution"),
		SearchProvider:     q.Get("search_provider"),
		ProcessingProvider: q.Get("processing_provider"),
	}
	for _, f := range strings.Split(q.Get("focus"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			req.FocusAreas = append(req.FocusAreas, f)
		}
	}

	ints := []struct {
		name string
		dst  **int
	}{
		{"turns", &req.TotalTurns},
		{"top", &req.TopN},
	}
	for _, p := range ints {
		n, err := queryInt(q, p.name)
		if err != nil {
			return req, err
		}
		*p.dst = n
	}
	maxInst, err := queryInt(q, "max_institutions")
	if err != nil {
		return req, err
	}
	if maxInst != nil {
		req.MaxInstitutions = *maxInst
	}
	return req, nil
}

// queryInt parses an optional integer parameter; nil means it was not given.
func queryInt(q url.Values, name string) (*int, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, &ErrValidation{Field: name, Message: "must be an integer"}
	}
	return &n, nil
}

// handleResults returns a finished report as JSON or as a download
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	rep, err := s.jobs.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	format := r.URL.Query().Get("download")
	var (
		body        []byte
		contentType string
	)
	switch format {
	case "":
		s.jsonResponse(w, http.StatusOK, rep)
		return
	case "md":
		body, contentType = []byte(report.Markdown(rep)), "text/markdown; charset=utf-8"
	case "html":
		html, err := report.HTML(rep)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		body, contentType = []byte(html), "text/html; charset=utf-8"
	case "pdf":
		html, err := report.HTML(rep)
		if err == nil {
			body, err = report.PDF(r.Context(), html, s.pdfTimeout)
		}
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		contentType = "application/pdf"
	default:
		s.errorResponse(w, &ErrUnknownFormat{Format: format})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+report.Filename(rep, format)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.log.Debug("download write failed", zap.Error(err))
	}
}
