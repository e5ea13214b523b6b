package gavel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// PrincipalResolver turns the authenticated caller's identifier into a
// Principal with permissions, limits and territories. Plugged in by the
// host platform; StaticPrincipalResolver covers tests and demos.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, principalID string) (Principal, error)
}

type StaticPrincipalResolver map[string]Principal

func (r StaticPrincipalResolver) ResolvePrincipal(_ context.Context, principalID string) (Principal, error) {
	principal, ok := r[principalID]
	if !ok {
		return Principal{}, ErrUnauthenticated
	}

	return principal, nil
}

type Server struct {
	engine     *Engine
	monitor    *Monitor
	principals PrincipalResolver
}

func NewServer(engine *Engine, monitor *Monitor, principals PrincipalResolver) *Server {
	return &Server{
		engine:     engine,
		monitor:    monitor,
		principals: principals,
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	// Definitions
	mux.HandleFunc("POST /api/definitions", s.handleRegisterDefinition)

	// Workflow instances
	mux.HandleFunc("POST /api/workflows", s.handleStartWorkflow)
	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/events", s.handleGetEvents)
	mux.HandleFunc("POST /api/instances/{id}/cancel", s.handleCancel)

	// Step decisions
	mux.HandleFunc("POST /api/instances/{id}/steps/{stepID}/decision", s.handleDecide)
	mux.HandleFunc("POST /api/instances/{id}/steps/{stepID}/reassign", s.handleReassign)

	// Approver inbox and statistics
	mux.HandleFunc("GET /api/approvers/{id}/pending", s.handleGetPending)
	mux.HandleFunc("GET /api/stats", s.handleGetStats)

	return mux
}

func (s *Server) handleRegisterDefinition(w http.ResponseWriter, r *http.Request) {
	var def WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.engine.RegisterDefinition(r.Context(), &def); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, def)
}

type startWorkflowRequest struct {
	TenantID    string     `json:"tenant_id"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Amount      *float64   `json:"amount,omitempty"`
	Territories []string   `json:"territories,omitempty"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	entity := EntityRef{ID: req.EntityID, Amount: req.Amount, Territories: req.Territories}

	instance, err := s.engine.StartForEntity(ctx, req.TenantID, req.EntityType, entity, principal)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	instances, err := s.monitor.ListInstances(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	instance, err := s.monitor.GetInstance(r.Context(), instanceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	instanceID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := s.monitor.GetEvents(r.Context(), instanceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

type decisionRequest struct {
	Decision Decision `json:"decision"`
	Notes    *string  `json:"notes,omitempty"`
}

type decisionResponse struct {
	Step     *StepInstance     `json:"step"`
	Instance *WorkflowInstance `json:"instance"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	instanceID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stepID, err := pathID(r, "stepID")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	principal, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Decision != DecisionApproved && req.Decision != DecisionRejected {
		http.Error(w, fmt.Sprintf("unknown decision %q", req.Decision), http.StatusBadRequest)
		return
	}

	step, instance, err := s.engine.Decide(ctx, instanceID, stepID, principal, req.Decision, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decisionResponse{Step: step, Instance: instance})
}

type reassignRequest struct {
	NewApprover string `json:"new_approver"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	instanceID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stepID, err := pathID(r, "stepID")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	principal, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req reassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.NewApprover == "" {
		http.Error(w, "new_approver is required", http.StatusBadRequest)
		return
	}

	step, err := s.engine.Reassign(ctx, instanceID, stepID, req.NewApprover, req.Reason, principal)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, step)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	instanceID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	principal, err := s.principal(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	instance, err := s.engine.Cancel(ctx, instanceID, principal.ID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	approverID := r.PathValue("id")
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	pending, err := s.monitor.GetPendingForApprover(r.Context(), tenantID, approverID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	stats, err := s.monitor.GetSummaryStats(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) principal(r *http.Request) (Principal, error) {
	principalID := r.Header.Get("X-Principal-ID")
	if principalID == "" {
		return Principal{}, ErrUnauthenticated
	}

	return s.principals.ResolvePrincipal(r.Context(), principalID)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}

	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP statuses. A lost
// compare-and-set race surfaces as a conflict, an authority failure as
// forbidden, never the other way around.
func writeError(w http.ResponseWriter, err error) {
	var limitErr *LimitExceededError

	switch {
	case errors.Is(err, ErrUnauthenticated):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, ErrInsufficientPermission),
		errors.Is(err, ErrOutOfTerritory),
		errors.As(err, &limitErr):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrInstanceNotFound),
		errors.Is(err, ErrStepNotFound),
		errors.Is(err, ErrNoDefinition):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrDecisionTooLate),
		errors.Is(err, ErrStepNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidDefinition):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
