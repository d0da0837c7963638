package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/vitamin33/agent-poi/internal/apperror"
	"github.com/vitamin33/agent-poi/internal/logging"
	"github.com/vitamin33/agent-poi/internal/protocol"
	"github.com/vitamin33/agent-poi/internal/registry"
)

type RegistryHandler struct {
	service *registry.Service
}

func NewRegistryHandler(svc *registry.Service) *RegistryHandler {
	return &RegistryHandler{service: svc}
}

func (h *RegistryHandler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/agents", h.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", h.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{id}", h.handleGetAgent)
	mux.HandleFunc("POST /v1/agents/{id}/reputation", h.handleAdjustReputation)
	mux.HandleFunc("GET /v1/agents/{id}/audit/summary", h.handleAuditSummary)
	mux.HandleFunc("GET /v1/agents/{id}/audit/roots", h.handleListAuditRoots)
	mux.HandleFunc("GET /v1/agents/{id}/audit/roots/{index}", h.handleGetAuditRoot)
	mux.HandleFunc("POST /v1/audit/roots", h.handleSubmitRoot)
	return mux
}

func (h *RegistryHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "health")
	writeJSON(w, http.StatusOK, h.service.Health(r.Context()))
}

func (h *RegistryHandler) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apperror.BadRequest("BAD_REQUEST", err.Error()))
		return
	}
	rec, err := h.service.RegisterAgent(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "register_agent")
	logging.AddField(r.Context(), "agent_id", rec.AgentID)
	writeJSON(w, http.StatusCreated, rec)
}

func (h *RegistryHandler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListAgents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_agents")
	logging.AddField(r.Context(), "agent_count", len(agents))
	writeJSON(w, http.StatusOK, protocol.AgentListResponse{Agents: agents})
}

func (h *RegistryHandler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_agent")
	logging.AddField(r.Context(), "agent_id", rec.AgentID)
	writeJSON(w, http.StatusOK, rec)
}

func (h *RegistryHandler) handleAdjustReputation(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReputationAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apperror.BadRequest("BAD_REQUEST", err.Error()))
		return
	}
	agentID := r.PathValue("id")
	reputation, err := h.service.AdjustReputation(r.Context(), agentID, req.Delta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "adjust_reputation")
	logging.AddField(r.Context(), "agent_id", agentID)
	logging.AddField(r.Context(), "delta", req.Delta)
	logging.AddField(r.Context(), "reason", req.Reason)
	writeJSON(w, http.StatusOK, protocol.ReputationAdjustResponse{
		AgentID:    agentID,
		Reputation: reputation,
	})
}

func (h *RegistryHandler) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.AuditSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "audit_summary")
	logging.AddField(r.Context(), "agent_id", summary.AgentID)
	logging.AddField(r.Context(), "total_batches", summary.TotalBatches)
	writeJSON(w, http.StatusOK, summary)
}

func (h *RegistryHandler) handleListAuditRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := h.service.ListAuditRoots(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_audit_roots")
	logging.AddField(r.Context(), "root_count", len(roots))
	writeJSON(w, http.StatusOK, map[string]any{"roots": roots})
}

func (h *RegistryHandler) handleGetAuditRoot(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, r, apperror.BadRequest("BAD_REQUEST", "invalid batch index"))
		return
	}
	root, err := h.service.GetAuditRoot(r.Context(), r.PathValue("id"), index)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_audit_root")
	logging.AddField(r.Context(), "batch_index", index)
	writeJSON(w, http.StatusOK, root)
}

func (h *RegistryHandler) handleSubmitRoot(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get("X-PoI-Write-Token"))
	if !h.service.VerifyWriteToken(token) {
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: protocol.ErrorBody{Code: "UNAUTHORIZED", Message: "invalid write token", Retryable: false}})
		return
	}
	var req protocol.SubmitRootRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apperror.BadRequest("BAD_REQUEST", err.Error()))
		return
	}
	resp, err := h.service.SubmitRoot(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "submit_root")
	logging.AddField(r.Context(), "agent_id", resp.AgentID)
	logging.AddField(r.Context(), "batch_index", resp.BatchIndex)
	logging.AddField(r.Context(), "tx_id", resp.TxID)
	writeJSON(w, http.StatusOK, resp)
}
