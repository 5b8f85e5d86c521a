package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/repository"
	"github.com/safee-analytics/be-approvals/internal/workflow"
)

// ApprovalHandler handles approval request and configuration endpoints.
type ApprovalHandler struct {
	engine    *workflow.Engine
	workflows *repository.WorkflowRepository
	rules     *repository.RulesRepository
	audit     *repository.AuditRepository
	log       zerolog.Logger
}

// NewApprovalHandler creates a new ApprovalHandler.
func NewApprovalHandler(
	engine *workflow.Engine,
	workflows *repository.WorkflowRepository,
	rules *repository.RulesRepository,
	audit *repository.AuditRepository,
	log zerolog.Logger,
) *ApprovalHandler {
	return &ApprovalHandler{
		engine:    engine,
		workflows: workflows,
		rules:     rules,
		audit:     audit,
		log:       log,
	}
}

// ── Request lifecycle ─────────────────────────────────────────────────────────

// SubmitForApproval handles POST /api/v1/approvals/submit.
func (h *ApprovalHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string                 `json:"organization_id"`
		EntityType     string                 `json:"entity_type"`
		EntityID       string                 `json:"entity_id"`
		Attributes     map[string]interface{} `json:"attributes"`
		SubmittedBy    string                 `json:"submitted_by"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrganizationID == "" || req.EntityType == "" || req.EntityID == "" {
		writeError(w, apperrors.InvalidInput("entity", "organization_id, entity_type and entity_id are required"))
		return
	}

	request, err := h.engine.SubmitForApproval(r.Context(),
		req.OrganizationID, req.EntityType, req.EntityID, req.Attributes, req.SubmittedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	if request == nil {
		// No rule matched; the entity proceeds without approval.
		writeJSON(w, http.StatusOK, map[string]interface{}{"workflow_triggered": false})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"workflow_triggered": true,
		"request":            request,
	})
}

// ApproveStep handles POST /api/v1/approvals/approve.
func (h *ApprovalHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	h.actOnStep(w, r, true)
}

// RejectStep handles POST /api/v1/approvals/reject.
func (h *ApprovalHandler) RejectStep(w http.ResponseWriter, r *http.Request) {
	h.actOnStep(w, r, false)
}

func (h *ApprovalHandler) actOnStep(w http.ResponseWriter, r *http.Request, approve bool) {
	var req struct {
		RequestID string  `json:"request_id"`
		StepID    string  `json:"step_id"`
		ActorID   string  `json:"actor_id"`
		Comments  *string `json:"comments"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		request *repository.ApprovalRequest
		err     error
	)
	if approve {
		request, err = h.engine.ApproveStep(r.Context(), req.RequestID, req.StepID, req.ActorID, req.Comments)
	} else {
		if req.Comments == nil || *req.Comments == "" {
			writeError(w, apperrors.InvalidInput("comments", "rejection reason is required"))
			return
		}
		request, err = h.engine.RejectStep(r.Context(), req.RequestID, req.StepID, req.ActorID, req.Comments)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

// DelegateStep handles POST /api/v1/approvals/delegate.
func (h *ApprovalHandler) DelegateStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID   string `json:"request_id"`
		StepID      string `json:"step_id"`
		DelegatedBy string `json:"delegated_by"`
		DelegatedTo string `json:"delegated_to"`
		Reason      string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, apperrors.InvalidInput("reason", "delegation reason is required"))
		return
	}

	err := h.engine.DelegateStep(r.Context(), req.RequestID, req.StepID, req.DelegatedBy, req.DelegatedTo, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delegated"})
}

// CancelRequest handles POST /api/v1/approvals/cancel.
func (h *ApprovalHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID   string `json:"request_id"`
		CancelledBy string `json:"cancelled_by"`
		Reason      string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	request, err := h.engine.CancelRequest(r.Context(), req.RequestID, req.CancelledBy, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest handles GET /api/v1/approvals/get?id=.
func (h *ApprovalHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, apperrors.InvalidInput("id", "request id is required"))
		return
	}

	request, err := h.engine.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	steps, err := h.engine.GetRequestSteps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request": request,
		"steps":   steps,
	})
}

// GetPendingApprovals handles GET /api/v1/approvals/pending?organization_id=&user_id=.
func (h *ApprovalHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	organizationID := r.URL.Query().Get("organization_id")
	userID := r.URL.Query().Get("user_id")
	if organizationID == "" || userID == "" {
		writeError(w, apperrors.InvalidInput("query", "organization_id and user_id are required"))
		return
	}

	steps, err := h.engine.GetPendingForUser(r.Context(), organizationID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// GetHistory handles GET /api/v1/approvals/history. The trail is addressable
// either by request (?request_id=) or by entity
// (?organization_id=&entity_type=&entity_id=).
func (h *ApprovalHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if requestID := r.URL.Query().Get("request_id"); requestID != "" {
		events, err := h.audit.GetByRequestID(r.Context(), requestID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
		return
	}

	organizationID := r.URL.Query().Get("organization_id")
	entityType := r.URL.Query().Get("entity_type")
	entityID := r.URL.Query().Get("entity_id")
	if organizationID == "" || entityType == "" || entityID == "" {
		writeError(w, apperrors.InvalidInput("query", "organization_id, entity_type and entity_id are required"))
		return
	}

	events, err := h.audit.GetByEntity(r.Context(), organizationID, entityType, entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ── Configuration ─────────────────────────────────────────────────────────────

// CreateWorkflow handles POST /api/v1/workflows.
func (h *ApprovalHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		Name           string `json:"name"`
		EntityType     string `json:"entity_type"`
		Steps          []struct {
			StepOrder         int    `json:"step_order"`
			StepType          string `json:"step_type"`
			ApproverType      string `json:"approver_type"`
			ApproverRef       string `json:"approver_ref"`
			MinApprovals      int    `json:"min_approvals"`
			RequiredApprovers int    `json:"required_approvers"`
		} `json:"steps"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	wf := &repository.ApprovalWorkflow{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		EntityType:     req.EntityType,
		IsActive:       true,
	}
	for _, s := range req.Steps {
		wf.Steps = append(wf.Steps, &repository.ApprovalWorkflowStep{
			StepOrder:         s.StepOrder,
			StepType:          s.StepType,
			ApproverType:      s.ApproverType,
			ApproverRef:       s.ApproverRef,
			MinApprovals:      s.MinApprovals,
			RequiredApprovers: s.RequiredApprovers,
		})
	}

	if err := workflow.ValidateSteps(wf.Steps); err != nil {
		writeError(w, err)
		return
	}
	if err := h.workflows.Create(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// ListWorkflows handles GET /api/v1/workflows?organization_id=&entity_type=.
func (h *ApprovalHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	organizationID := r.URL.Query().Get("organization_id")
	if organizationID == "" {
		writeError(w, apperrors.InvalidInput("organization_id", "organization_id is required"))
		return
	}

	var entityType *string
	if et := r.URL.Query().Get("entity_type"); et != "" {
		entityType = &et
	}

	workflows, err := h.workflows.List(r.Context(), organizationID, entityType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": workflows})
}

// SetWorkflowActive handles POST /api/v1/workflows/activate.
func (h *ApprovalHandler) SetWorkflowActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
		IsActive       bool   `json:"is_active"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.workflows.SetActive(r.Context(), req.ID, req.OrganizationID, req.IsActive); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": req.ID, "is_active": req.IsActive})
}

// CreateRule handles POST /api/v1/rules.
func (h *ApprovalHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string          `json:"organization_id"`
		EntityType     string          `json:"entity_type"`
		Name           string          `json:"name"`
		Condition      json.RawMessage `json:"condition"`
		Priority       int             `json:"priority"`
		WorkflowID     string          `json:"workflow_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := workflow.ParseCondition(req.Condition); err != nil {
		writeError(w, err)
		return
	}

	rule := repository.ApprovalRule{
		OrganizationID: req.OrganizationID,
		EntityType:     req.EntityType,
		Name:           req.Name,
		Condition:      req.Condition,
		Priority:       req.Priority,
		WorkflowID:     req.WorkflowID,
		IsActive:       true,
	}

	if err := h.rules.Create(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /api/v1/rules?organization_id=.
func (h *ApprovalHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	organizationID := r.URL.Query().Get("organization_id")
	if organizationID == "" {
		writeError(w, apperrors.InvalidInput("organization_id", "organization_id is required"))
		return
	}

	rules, err := h.rules.List(r.Context(), organizationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

// UpdateRule handles POST /api/v1/rules/update.
func (h *ApprovalHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string          `json:"id"`
		OrganizationID string          `json:"organization_id"`
		Name           string          `json:"name"`
		Condition      json.RawMessage `json:"condition"`
		Priority       int             `json:"priority"`
		WorkflowID     string          `json:"workflow_id"`
		IsActive       bool            `json:"is_active"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := workflow.ParseCondition(req.Condition); err != nil {
		writeError(w, err)
		return
	}

	rule, err := h.rules.GetByID(r.Context(), req.ID, req.OrganizationID)
	if err != nil {
		writeError(w, err)
		return
	}
	rule.Name = req.Name
	rule.Condition = req.Condition
	rule.Priority = req.Priority
	rule.WorkflowID = req.WorkflowID
	rule.IsActive = req.IsActive

	if err := h.rules.Update(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule handles POST /api/v1/rules/delete.
func (h *ApprovalHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.rules.Delete(r.Context(), req.ID, req.OrganizationID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
