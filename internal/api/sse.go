package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/events"
)

// streamEvents handles GET /api/v1/jobs/{job_id}/events. The first event
// describes the job's current state; the stream ends after the terminal
// event or when the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetStatus(ctx, jobID)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || s.events == nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "streaming unsupported", nil)
		return
	}
	s.events.Seed(events.StateFromJob(job))
	sub, err := s.events.Subscribe(ctx, jobID)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With(zap.String("job_id", jobID), zap.String("subscription_id", sub.ID))
	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, events.ErrStreamEnded) && ctx.Err() == nil {
				logger.Debug("event stream closed", zap.Error(err))
			}
			return
		}
		if err := writeSSE(w, evt, s.cfg.SSERetry.Milliseconds()); err != nil {
			logger.Debug("event write failed", zap.Error(err))
			return
		}
		flusher.Flush()
		if evt.Terminal() {
			return
		}
	}
}

// writeSSE frames one event. Heartbeats carry no id so they never move the
// client's Last-Event-ID, and they repeat the reconnect hint.
func writeSSE(w io.Writer, evt events.Event, retryMS int64) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var frame string
	if evt.Type == events.TypeHeartbeat {
		frame = fmt.Sprintf("retry: %d\nevent: %s\ndata: %s\n\n", retryMS, evt.Type, data)
	} else {
		frame = fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
	}
	if _, err := io.WriteString(w, frame); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
