package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sells-group/contact-dispatch/internal/dispatch"
	"github.com/sells-group/contact-dispatch/internal/model"
)

// Wire types of the worker protocol.
type (
	RegisterRequest struct {
		AgentName    string             `json:"agent_name"`
		Capabilities model.Capabilities `json:"capabilities"`
		HostIP       string             `json:"host_ip"`
	}
	RegisterResponse struct {
		AgentID           string            `json:"agent_id"`
		Platform          string            `json:"platform"`
		PollingIntervalMs int64             `json:"polling_interval_ms"`
		Status            model.AgentStatus `json:"status"`
	}

	HeartbeatRequest struct {
		AgentID string         `json:"agent_id"`
		Metrics map[string]any `json:"metrics,omitempty"`
	}
	HeartbeatResponse struct {
		Status    model.AgentStatus `json:"status"`
		Timestamp time.Time         `json:"timestamp"`
	}

	ClaimRequest struct {
		AgentID string `json:"agent_id"`
	}
	ClaimedJob struct {
		ID         string              `json:"id"`
		Type       model.JobType       `json:"type"`
		Parameters json.RawMessage     `json:"parameters"`
		Payload    model.EnrichmentJob `json:"payload"`
		SessionID  string              `json:"session_id"`
	}
	ClaimResponse struct {
		Job *ClaimedJob `json:"job"`
	}

	ReportRequest struct {
		AgentID    string          `json:"agent_id"`
		JobID      string          `json:"job_id"`
		Status     model.JobStatus `json:"status"`
		DurationMs int64           `json:"duration_ms"`
		ErrorMsg   string          `json:"error_msg,omitempty"`
		Results    json.RawMessage `json:"results,omitempty"`
	}
	ReportResponse struct {
		Status    string          `json:"status"`
		JobID     string          `json:"job_id"`
		JobStatus model.JobStatus `json:"job_status"`
	}
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	reg, err := s.deps.Registry.Register(r.Context(), req.AgentName, req.Capabilities, req.HostIP)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{
		AgentID:           reg.AgentID,
		Platform:          reg.Platform,
		PollingIntervalMs: reg.PollingInterval.Milliseconds(),
		Status:            reg.Status,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.deps.Registry.Heartbeat(r.Context(), req.AgentID, req.Metrics)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{Status: agent.Status, Timestamp: agent.LastHeartbeat})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	claim, err := s.deps.Dispatcher.Claim(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if claim == nil {
		writeJSON(w, http.StatusOK, ClaimResponse{})
		return
	}
	params, err := claim.Job.ParamsJSON()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{Job: &ClaimedJob{
		ID:         claim.Job.ID,
		Type:       claim.Job.Type,
		Parameters: params,
		Payload:    *claim.Job,
		SessionID:  claim.Session.ID,
	}})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Reporter.Report(r.Context(), dispatch.Report{
		AgentID:      req.AgentID,
		JobID:        req.JobID,
		Status:       req.Status,
		DurationMs:   req.DurationMs,
		ErrorMessage: req.ErrorMsg,
		Results:      req.Results,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{Status: "ok", JobID: job.ID, JobStatus: job.Status})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []model.WorkerAgent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
