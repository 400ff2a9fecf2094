package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"oxsets/internal/domain"
)

const serviceName = "3OX SETS Viewer Backend"

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code,omitempty"`
}

type actionResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
	PID     int    `json:"pid,omitempty"`
	Message string `json:"message"`
}

type statusResponse struct {
	AgentID   string          `json:"agent_id"`
	Status    domain.RunState `json:"status"`
	PID       int             `json:"pid,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": s.opts.Version,
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.List())
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	n, err := s.agents.Rescan(r.Context())
	if err != nil {
		s.logger.Error("rescan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to scan agents: "+err.Error(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "scanned", "count": n})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.agents.Get(r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.agents.Verify(r.Context(), id)
	if err != nil {
		s.writeAgentError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "verification": result})
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, err := s.agents.Launch(r.Context(), id)
	if err != nil {
		s.writeAgentError(w, err, "Failed to launch agent: ")
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{
		Status:  "launched",
		AgentID: id,
		PID:     h.PID,
		Message: "Agent launched successfully",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, err := s.agents.Stop(r.Context(), id)
	if err != nil {
		s.writeAgentError(w, err, "Failed to stop agent: ")
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{
		Status:  "stopped",
		AgentID: id,
		PID:     h.PID,
		Message: "Agent stopped successfully",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.agents.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAgentError(w, err, "")
		return
	}
	resp := statusResponse{AgentID: report.AgentID, Status: report.Status}
	if report.Handle != nil {
		started := report.Handle.StartedAt
		resp.PID = report.Handle.PID
		resp.StartedAt = &started
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, err := s.agents.Logs(id)
	if err != nil {
		s.writeAgentError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "logs": lines})
}

// writeAgentError maps registry errors onto status codes. Anything not
// recognised is a 500 whose message starts with failurePrefix.
func (s *Server) writeAgentError(w http.ResponseWriter, err error, failurePrefix string) {
	code := domain.ErrorCodeOf(err)
	switch code {
	case domain.CodeAgentNotFound, domain.CodeNotFound:
		writeError(w, http.StatusNotFound, "Agent not found", err)
	case domain.CodeAgentNotRunning, domain.CodeNotRunning:
		writeError(w, http.StatusNotFound, "Agent not running", err)
	case domain.CodeAgentDuplicate:
		writeError(w, http.StatusConflict, "Agent already running", err)
	case domain.CodeAgentBusy:
		writeError(w, http.StatusConflict, "Agent is busy", err)
	default:
		s.logger.Error("agent request failed", "error", err, "code", string(code))
		if failurePrefix == "" {
			failurePrefix = "Request failed: "
		}
		writeError(w, http.StatusInternalServerError, failurePrefix+err.Error(), err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := errorResponse{Error: msg}
	if code := domain.ErrorCodeOf(err); code != domain.CodeUnknown {
		resp.Code = code
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
