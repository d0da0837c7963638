package api

import (
	"net/http"

	"github.com/vitamin33/agent-poi/internal/agent"
	"github.com/vitamin33/agent-poi/internal/apperror"
	"github.com/vitamin33/agent-poi/internal/logging"
	"github.com/vitamin33/agent-poi/internal/protocol"
)

type AgentHandler struct {
	service *agent.Service
}

func NewAgentHandler(svc *agent.Service) *AgentHandler {
	return &AgentHandler{service: svc}
}

func (h *AgentHandler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", h.handleHealth)
	mux.HandleFunc("POST /v1/challenge", h.handleChallenge)
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/activity", h.handleActivity)
	mux.HandleFunc("GET /v1/evaluations", h.handleEvaluations)
	mux.HandleFunc("GET /v1/audit/stats", h.handleAuditStats)
	mux.HandleFunc("GET /v1/audit/proof/{hash}", h.handleProof)
	return mux
}

func (h *AgentHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "health")
	writeJSON(w, http.StatusOK, h.service.Health())
}

func (h *AgentHandler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req protocol.PeerChallengeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apperror.BadRequest("BAD_REQUEST", err.Error()))
		return
	}
	resp, err := h.service.RespondChallenge(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "challenge")
	logging.AddField(r.Context(), "challenger", req.Challenger)
	logging.AddField(r.Context(), "matches", resp.Matches)
	writeJSON(w, http.StatusOK, resp)
}

func (h *AgentHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "status")
	writeJSON(w, http.StatusOK, h.service.Status())
}

func (h *AgentHandler) handleActivity(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "activity")
	writeJSON(w, http.StatusOK, h.service.Activity(50))
}

func (h *AgentHandler) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "evaluations")
	writeJSON(w, http.StatusOK, h.service.Evaluations())
}

func (h *AgentHandler) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "audit_stats")
	writeJSON(w, http.StatusOK, h.service.AuditStats())
}

func (h *AgentHandler) handleProof(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	bundle, err := h.service.ProofForEntry(hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "audit_proof")
	logging.AddField(r.Context(), "entry_hash", hash)
	writeJSON(w, http.StatusOK, bundle)
}
