package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
)

// ApprovalService Описываем, что нам нужно от менеджера согласований
type ApprovalService interface {
	GetRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	GetPendingRequests(ctx context.Context, approverID, organizationID string) ([]*domain.ApprovalRequest, error)
	Approve(ctx context.Context, id, approverID, reason string) (*domain.ApprovalRequest, error)
	Reject(ctx context.Context, id, approverID, reason string) (*domain.ApprovalRequest, error)
	Escalate(ctx context.Context, id, reason string) (*domain.ApprovalRequest, error)
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

// requestInOrg загружает запрос из URL. Запрос чужой организации доступен только admin.
func (h *ApprovalHandler) requestInOrg(r *http.Request) (*domain.ApprovalRequest, error) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		return nil, domain.ErrUnauthorizedApprover
	}
	req, err := h.service.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if !claims.CanAccessOrg(req.OrganizationID) {
		return nil, domain.ErrUnauthorizedApprover
	}
	return req, nil
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	req, err := h.requestInOrg(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// List: очередь PENDING организации из токена. ?org= с другой организацией разрешён только admin.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, domain.ErrUnauthorizedApprover)
		return
	}
	org := r.URL.Query().Get("org")
	if org == "" {
		org = claims.OrganizationID
	}
	if !claims.CanAccessOrg(org) {
		writeError(w, domain.ErrUnauthorizedApprover)
		return
	}

	list, err := h.service.GetPendingRequests(r.Context(), claims.UserID, org)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type DecideRequest struct {
	Reason string `json:"reason"`
}

func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Approve)
}

func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Reject)
}

func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, approverID, reason string) (*domain.ApprovalRequest, error)) {
	var body DecideRequest
	if err := decodeOptional(r, &body); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	// approver_id: только из проверенного токена, не из тела запроса
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok || claims.UserID == "" {
		badRequest(w, "approver identity is required")
		return
	}

	if _, err := h.requestInOrg(r); err != nil {
		writeError(w, err)
		return
	}

	req, err := fn(r.Context(), chi.URLParam(r, "id"), claims.UserID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *ApprovalHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	var body DecideRequest
	if err := decodeOptional(r, &body); err != nil || body.Reason == "" {
		badRequest(w, "escalation reason is required")
		return
	}
	if _, err := h.requestInOrg(r); err != nil {
		writeError(w, err)
		return
	}
	req, err := h.service.Escalate(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
