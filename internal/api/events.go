package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/real2ai/contract-cli/internal/store"
)

const eventBuffer = 64

// handleEvents streams progress events as server-sent events until the run
// completes or the client goes away. For a run that is not executing in this
// process, a single "run" event with the stored summary is sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	// Subscribe before checking activity so run_completed cannot slip
	// between the two.
	events, cancel := s.deps.Events.Subscribe(runID, eventBuffer)
	defer cancel()

	if !s.isActive(runID) {
		run, err := s.deps.Store.GetRun(r.Context(), runID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "run not found")
				return
			}
			s.internalError(w, "get run", err)
			return
		}
		sse := newEventWriter(w)
		_ = sse.send("run", run)
		return
	}

	sse := newEventWriter(w)
	sse.comment("subscribed " + runID)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.send(string(ev.Kind), ev); err != nil {
				zap.L().Debug("api: event stream closed", zap.String("run_id", runID), zap.Error(err))
				return
			}
		}
	}
}

type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &eventWriter{w: w, rc: http.NewResponseController(w)}
}

func (e *eventWriter) comment(text string) {
	fmt.Fprintf(e.w, ": %s\n\n", text)
	_ = e.rc.Flush()
}

func (e *eventWriter) send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	return e.rc.Flush()
}
