package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/orchestrator"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
)

type validateRequest struct {
	DSLContent string `json:"dsl_content"`
	Strict     bool   `json:"strict"`
}

type validateResponse struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

type renderRequest struct {
	DSLContent string          `json:"dsl_content"`
	Options    json.RawMessage `json:"options"`
}

type pngResult struct {
	Base64Data  string          `json:"base64_data,omitempty"`
	URL         string          `json:"url"`
	ContentHash string          `json:"content_hash"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	FileSize    int             `json:"file_size"`
	FromCache   bool            `json:"from_cache"`
	BlobURI     string          `json:"blob_uri,omitempty"`
	Metadata    render.Metadata `json:"metadata"`
}

type renderResponse struct {
	Success        bool       `json:"success"`
	JobID          string     `json:"job_id"`
	PNGResult      *pngResult `json:"png_result"`
	Warnings       []string   `json:"warnings,omitempty"`
	ProcessingTime float64    `json:"processing_time"`
}

type asyncResponse struct {
	JobID     string      `json:"job_id"`
	Status    jobs.Status `json:"status"`
	StatusURL string      `json:"status_url"`
	EventsURL string      `json:"events_url"`
	Warnings  []string    `json:"warnings,omitempty"`
}

type jobResponse struct {
	JobID       string          `json:"job_id"`
	Status      jobs.Status     `json:"status"`
	Progress    int             `json:"progress"`
	Stage       jobs.Stage      `json:"stage"`
	ContentHash string          `json:"content_hash,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Warnings    []string        `json:"warnings,omitempty"`
	Result      *pngResult      `json:"result,omitempty"`
	Error       *jobs.ErrorInfo `json:"error,omitempty"`
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.validator.Validate([]byte(req.DSLContent), req.Strict)
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:       res.Valid,
		Errors:      nonNil(res.Errors),
		Warnings:    nonNil(res.Warnings),
		Suggestions: nonNil(res.Suggestions),
	})
}

func (s *Server) renderSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	raw, opts, ok := s.decodeRender(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncTimeout)
	defer cancel()

	sub, err := s.jobs.Submit(ctx, raw, opts, jobs.ModeSync)
	if err != nil {
		var details map[string]any
		if sub.JobID != "" {
			details = map[string]any{"job_id": sub.JobID}
		}
		s.writeFailure(w, r, err, details)
		return
	}
	writeJSON(w, http.StatusOK, renderResponse{
		Success:        true,
		JobID:          sub.JobID,
		PNGResult:      toPNGResult(sub.Result, true),
		Warnings:       sub.Warnings,
		ProcessingTime: time.Since(start).Seconds(),
	})
}

func (s *Server) renderAsync(w http.ResponseWriter, r *http.Request) {
	raw, opts, ok := s.decodeRender(w, r)
	if !ok {
		return
	}
	sub, err := s.jobs.Submit(r.Context(), raw, opts, jobs.ModeAsync)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, asyncResponse{
		JobID:     sub.JobID,
		Status:    sub.Status,
		StatusURL: "/api/v1/jobs/" + sub.JobID,
		EventsURL: "/api/v1/jobs/" + sub.JobID + "/events",
		Warnings:  sub.Warnings,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Stage:       job.Stage,
		ContentHash: job.ContentHash,
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		Warnings:    job.Warnings,
		Result:      toPNGResult(job.Result, r.URL.Query().Get("include_data") == "true"),
		Error:       job.Error,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		s.writeFailure(w, r, err, map[string]any{"job_id": jobID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(jobs.StatusCancelled)})
}

func (s *Server) getPNG(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(chi.URLParam(r, "hash"))
	if !validHash(hash) {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "hash must be 64 hex characters", nil)
		return
	}
	etag := `"` + hash + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if s.cache == nil {
		writeError(w, r, http.StatusNotFound, codeNotFound, "image not found", nil)
		return
	}
	res, ok, err := s.cache.Lookup(r.Context(), hash)
	if err != nil {
		s.logger.Warn("png lookup failed", zap.String("content_hash", hash), zap.Error(err))
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, codeNotFound, "image not found", nil)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.PNG); err != nil {
		s.logger.Debug("png write failed", zap.Error(err))
	}
}

// decode reads a JSON body into dst, reporting failures as 400.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, codeBadRequest, "request body too large", nil)
			return false
		}
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid JSON", nil)
		return false
	}
	return true
}

func (s *Server) decodeRender(w http.ResponseWriter, r *http.Request) ([]byte, render.Options, bool) {
	var req renderRequest
	if !s.decode(w, r, &req) {
		return nil, render.Options{}, false
	}
	if strings.TrimSpace(req.DSLContent) == "" {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "dsl_content is required", nil)
		return nil, render.Options{}, false
	}
	opts, err := render.DecodeOptionsWith(req.Options, s.cfg.RenderDefaults)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, orchestrator.CodeValidation, err.Error(), nil)
		return nil, render.Options{}, false
	}
	return []byte(req.DSLContent), opts, true
}

func toPNGResult(res *render.Result, withData bool) *pngResult {
	if res == nil {
		return nil
	}
	out := &pngResult{
		URL:         "/api/v1/png/" + res.ContentHash,
		ContentHash: res.ContentHash,
		Width:       res.Width,
		Height:      res.Height,
		FileSize:    res.FileSize,
		FromCache:   res.FromCache,
		BlobURI:     res.BlobURI,
		Metadata:    res.Metadata,
	}
	if withData {
		out.Base64Data = base64.StdEncoding.EncodeToString(res.PNG)
	}
	return out
}

func validHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
