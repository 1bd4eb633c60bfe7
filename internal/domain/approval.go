package domain

import (
	"errors"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "PENDING"
	StatusApproved  ApprovalStatus = "APPROVED"
	StatusRejected  ApprovalStatus = "REJECTED"
	StatusExpired   ApprovalStatus = "EXPIRED"
	StatusEscalated ApprovalStatus = "ESCALATED" // Боковая ветка: запрос всё ещё можно решить
)

// Ошибки инвариантов HITL-процесса. Порядок проверок в менеджере:
// not found -> expired -> already decided -> self-approval -> unauthorized.
var (
	ErrApprovalNotFound       = errors.New("approval request not found")
	ErrApprovalExpired        = errors.New("approval request expired")
	ErrAlreadyDecided         = errors.New("approval request already decided")
	ErrSelfApprovalNotAllowed = errors.New("self-approval is not allowed")
	ErrUnauthorizedApprover   = errors.New("approver is not authorized for this request")
	ErrDuplicateApprover      = errors.New("approver has already approved this request")
	// ErrApprovalConflict: запрос изменён другим процессом после чтения
	ErrApprovalConflict = errors.New("approval request was modified concurrently")
)

// DecisionKind: тип решения конкретного апрувера
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
)

// ApprovalDecision неизменяемая запись, живёт только внутри ApprovalRequest
type ApprovalDecision struct {
	ApproverID string                 `json:"approver_id"`
	Decision   DecisionKind           `json:"decision"`
	Reason     string                 `json:"reason,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	DecidedAt  time.Time              `json:"decided_at"`
}

type ApprovalRequest struct {
	ID                string `json:"id"`
	ExternalAgentID   string `json:"external_agent_id"`
	OrganizationID    string `json:"organization_id"`
	RequestedByUserID string `json:"requested_by_user_id"`
	RequestedByTeamID string `json:"requested_by_team_id,omitempty"`

	TriggerReason   string   `json:"trigger_reason"`
	PayloadSummary  string   `json:"payload_summary"` // Что именно хочет сделать агент (усечённо)
	EstimatedCost   *float64 `json:"estimated_cost,omitempty"`
	EstimatedTokens *int     `json:"estimated_tokens,omitempty"`

	RequiredApprovals int                `json:"required_approvals"`
	Approvals         []ApprovalDecision `json:"approvals"`
	Rejections        []ApprovalDecision `json:"rejections"`

	Status           ApprovalStatus `json:"status"`
	EscalationReason string         `json:"escalation_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Version растёт на каждом сохранении, хранилище отклоняет запись устаревшей версии
	Version int `json:"version"`
}

// IsApproved: кворум набран
func (a *ApprovalRequest) IsApproved() bool {
	return len(a.Approvals) >= a.RequiredApprovals
}

// IsExpired не зависит от статуса: просроченный запрос просрочен всегда
func (a *ApprovalRequest) IsExpired() bool {
	return a.IsExpiredAt(time.Now())
}

func (a *ApprovalRequest) IsExpiredAt(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// IsOpen: запрос ещё принимает решения (PENDING или эскалирован)
func (a *ApprovalRequest) IsOpen() bool {
	return a.Status == StatusPending || a.Status == StatusEscalated
}

// HasApprovalFrom проверяет, голосовал ли уже этот апрувер "за"
func (a *ApprovalRequest) HasApprovalFrom(approverID string) bool {
	for _, d := range a.Approvals {
		if d.ApproverID == approverID {
			return true
		}
	}
	return false
}

// Clone возвращает глубокую копию, чтобы in-memory хранилище не делило слайсы с вызывающим
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	if a == nil {
		return nil
	}
	c := *a
	c.Approvals = append([]ApprovalDecision(nil), a.Approvals...)
	c.Rejections = append([]ApprovalDecision(nil), a.Rejections...)
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	if a.EstimatedCost != nil {
		v := *a.EstimatedCost
		c.EstimatedCost = &v
	}
	if a.EstimatedTokens != nil {
		v := *a.EstimatedTokens
		c.EstimatedTokens = &v
	}
	return &c
}

// ApprovalTrigger: сработавший триггер HITL
type ApprovalTrigger string

const (
	TriggerCostThreshold   ApprovalTrigger = "cost_threshold"
	TriggerAgentPolicy     ApprovalTrigger = "agent_requires_approval"
	TriggerPayloadKeyword  ApprovalTrigger = "payload_keyword"
	TriggerManualEscalated ApprovalTrigger = "manual_escalation"
)

// ApprovalRequirement: результат CheckApprovalRequired
type ApprovalRequirement struct {
	Required bool              `json:"required"`
	Triggers []ApprovalTrigger `json:"triggers"`
	Reason   string            `json:"reason"`
}
