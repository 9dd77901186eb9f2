package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"stresslab/internal/report"
	"stresslab/internal/runner"
	"stresslab/internal/storage"
)

const maxBodyBytes = 1 << 20

type startResponse struct {
	RunID     string    `json:"test_id"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "stresslab",
		"status":      "ok",
		"active_runs": len(s.manager.Active()),
		"kill_switch": s.manager.KillSwitch(),
	})
}

func (s *Server) decodeSpec(w http.ResponseWriter, r *http.Request) (runner.RunSpec, bool) {
	var spec runner.RunSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return spec, false
	}
	return spec, true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.decodeSpec(w, r)
	if !ok {
		return
	}
	run, err := s.manager.Start(spec)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{RunID: run.ID, StartedAt: run.StartedAt})
}

// handleRunSync starts a run and answers with its final summary. A client
// that goes away does not cancel the run.
func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.decodeSpec(w, r)
	if !ok {
		return
	}
	run, err := s.manager.Start(spec)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if err := run.Wait(r.Context()); err != nil {
		return
	}
	writeJSON(w, http.StatusOK, run.Summary())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sum, err := s.manager.Status(mux.Vars(r)["id"])
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Cancel(mux.Vars(r)["id"]); err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	sum, err := s.manager.Status(mux.Vars(r)["id"])
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var buf bytes.Buffer
	if err := report.Write(&buf, format, sum); err != nil {
		s.log.Error().Err(err).Msg("render report")
		writeError(w, http.StatusInternalServerError, "render report")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, []storage.RunRecord{})
		return
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list runs")
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "no history store")
		return
	}
	detail, err := s.history.GetRun(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "test not found")
	case err != nil:
		s.log.Error().Err(err).Msg("get run")
		writeError(w, http.StatusInternalServerError, "history unavailable")
	default:
		writeJSON(w, http.StatusOK, detail)
	}
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "enabled must be true or false")
		return
	}
	s.manager.SetKillSwitch(enabled)
	s.log.Warn().Bool("enabled", enabled).Msg("kill switch changed")
	writeJSON(w, http.StatusOK, map[string]bool{"kill_switch": enabled})
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runner.ErrNotFound):
		writeError(w, http.StatusNotFound, "test not found")
	case errors.Is(err, runner.ErrKillSwitch):
		writeError(w, http.StatusServiceUnavailable, "service temporarily disabled")
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
