package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// PolicyService: то, что нужно от движка политик
type PolicyService interface {
	ListPolicies() []domain.Policy
	GetPolicy(id string) (domain.Policy, bool)
	SavePolicy(ctx context.Context, p domain.Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// PolicyDocument: JSON-представление политики вместе с условиями
type PolicyDocument struct {
	domain.Policy
	Enabled    *bool                      `json:"enabled,omitempty"`
	Conditions []domain.ConditionDocument `json:"conditions"`
}

func toDocument(p domain.Policy) PolicyDocument {
	enabled := p.Enabled
	doc := PolicyDocument{Policy: p, Enabled: &enabled, Conditions: make([]domain.ConditionDocument, 0, len(p.Conditions))}
	for _, c := range p.Conditions {
		doc.Conditions = append(doc.Conditions, domain.ConditionToDocument(c))
	}
	return doc
}

func (d PolicyDocument) toPolicy() domain.Policy {
	p := d.Policy
	p.Enabled = d.Enabled == nil || *d.Enabled
	p.Conditions = nil
	for _, c := range d.Conditions {
		p.Conditions = append(p.Conditions, c.ToCondition())
	}
	return p
}

type PolicyHandler struct {
	service PolicyService
}

func NewPolicyHandler(s PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// Get возвращает детали конкретной политики по её ID.
// GET /v1/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.service.GetPolicy(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, domain.ErrPolicyNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toDocument(p))
}

// List возвращает все политики кэша движка
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.service.ListPolicies()
	out := make([]PolicyDocument, 0, len(list))
	for _, p := range list {
		out = append(out, toDocument(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// Put создаёт или обновляет политику. PUT /v1/policies/{id}
func (h *PolicyHandler) Put(w http.ResponseWriter, r *http.Request) {
	var doc PolicyDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	doc.ID = chi.URLParam(r, "id")
	if doc.Effect != domain.EffectAllow && doc.Effect != domain.EffectDeny {
		badRequest(w, "effect must be ALLOW or DENY")
		return
	}
	if doc.Name == "" {
		doc.Name = doc.ID
	}

	p := doc.toPolicy()
	if err := h.service.SavePolicy(r.Context(), p); err != nil {
		// Кэш уже обновлён, не доставлен только сигнал остальным инстансам
		writeError(w, err)
		return
	}
	saved, _ := h.service.GetPolicy(p.ID)
	writeJSON(w, http.StatusOK, toDocument(saved))
}

func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
