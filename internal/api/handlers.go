package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/real2ai/contract-cli/internal/model"
	"github.com/real2ai/contract-cli/internal/store"
)

const maxBodyBytes = 10 << 20

type submitResponse struct {
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
}

type nodesResponse struct {
	RunID string                      `json:"run_id"`
	Nodes []model.NodeExecutionRecord `json:"nodes"`
}

// handleSubmit accepts an AnalysisContext and starts the run in the
// background. Configuration problems are reported before the run starts.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var actx model.AnalysisContext
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&actx); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Runner.Preflight(actx); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	runID := s.deps.NewID()
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("document_id", actx.DocumentID),
		zap.String("subject", Subject(r.Context())),
	)

	s.start(runID)
	go func() {
		defer s.finish(runID)
		result, err := s.deps.Runner.Run(s.deps.RunContext, runID, actx)
		if result == nil {
			log.Error("api: run aborted", zap.Error(err))
			return
		}
		if err != nil {
			log.Warn("api: run ended early", zap.String("status", string(result.Status)), zap.Error(err))
			return
		}
		log.Info("api: run finished",
			zap.String("status", string(result.Status)),
			zap.Bool("coherent", result.Validation.OverallCoherence),
			zap.Float64("cost_usd", result.CostUSD),
		)
	}()

	w.Header().Set("Location", "/v1/analyses/"+runID)
	WriteJSON(w, http.StatusAccepted, submitResponse{RunID: runID, Status: model.RunStatusRunning})
}

// handleResult returns the stored result, or 202 with the run summary while
// the run is still going.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	res, err := s.deps.Store.GetResult(r.Context(), runID)
	if err == nil {
		WriteJSON(w, http.StatusOK, res)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.internalError(w, "get result", err)
		return
	}

	run, err := s.deps.Store.GetRun(r.Context(), runID)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusAccepted, run)
	case !errors.Is(err, store.ErrNotFound):
		s.internalError(w, "get run", err)
	case s.isActive(runID):
		WriteJSON(w, http.StatusAccepted, submitResponse{RunID: runID, Status: model.RunStatusRunning})
	default:
		WriteError(w, http.StatusNotFound, "run not found")
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	recs, err := s.deps.Store.ListNodeRecords(r.Context(), runID)
	if err != nil {
		s.internalError(w, "list node records", err)
		return
	}
	if len(recs) == 0 {
		if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "run not found")
				return
			}
			s.internalError(w, "get run", err)
			return
		}
		recs = []model.NodeExecutionRecord{}
	}
	WriteJSON(w, http.StatusOK, nodesResponse{RunID: runID, Nodes: recs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		WriteError(w, http.StatusServiceUnavailable, "monitoring is not configured")
		return
	}
	hours := s.deps.LookbackHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	snap, err := s.deps.Stats.Collect(r.Context(), hours)
	if err != nil {
		s.internalError(w, "collect stats", err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	WriteError(w, http.StatusInternalServerError, "internal error")
}

// parseRunFilter reads status, document_id, since (RFC 3339), limit and
// offset query parameters.
func parseRunFilter(r *http.Request) (store.RunFilter, error) {
	q := r.URL.Query()
	var f store.RunFilter

	if v := q.Get("status"); v != "" {
		st := model.RunStatus(v)
		switch st {
		case model.RunStatusRunning, model.RunStatusCompleted, model.RunStatusCancelled, model.RunStatusFailed:
			f.Status = st
		default:
			return f, errors.New("unknown status " + strconv.Quote(v))
		}
	}
	f.DocumentID = q.Get("document_id")
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be an RFC 3339 timestamp")
		}
		f.CreatedAfter = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return f, errors.New("limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must not be negative")
		}
		f.Offset = n
	}
	return f, nil
}
