// Package notify доставляет события жизненного цикла согласований апруверам и инициаторам
// через подключаемые адаптеры каналов (email, Slack, Teams, generic webhook).
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// Channel: вид канала доставки
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelTeams   Channel = "teams"
	ChannelWebhook Channel = "webhook"
)

// ApproverInfo: контактные данные апрувера (или инициатора)
type ApproverInfo struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Email             string    `json:"email,omitempty"`
	SlackUserID       string    `json:"slack_user_id,omitempty"`
	Roles             []string  `json:"roles,omitempty"`
	PreferredChannels []Channel `json:"preferred_channels"`
}

// ChannelAdapter: общий контракт адаптеров. Каждый адаптер сам владеет транспортом
// и не должен паниковать; сервис всё равно изолирует вызовы.
type ChannelAdapter interface {
	Channel() Channel
	SendApprovalRequest(ctx context.Context, req *domain.ApprovalRequest, approver ApproverInfo) error
	SendDecisionNotification(ctx context.Context, req *domain.ApprovalRequest, decision domain.ApprovalStatus, reason string, recipient ApproverInfo) error
}

// ThrottleError: получатель попросил подождать (429 + Retry-After)
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// approvalMessage: человекочитаемый текст для всех каналов
func approvalMessage(req *domain.ApprovalRequest) (subject, body string) {
	subject = fmt.Sprintf("Approval required: agent %s", req.ExternalAgentID)
	body = fmt.Sprintf("Request %s from user %s (org %s) needs approval.\nReason: %s\nPayload: %s",
		req.ID, req.RequestedByUserID, req.OrganizationID, req.TriggerReason, req.PayloadSummary)
	if req.EstimatedCost != nil {
		body += fmt.Sprintf("\nEstimated cost: $%.2f", *req.EstimatedCost)
	}
	if req.ExpiresAt != nil {
		body += "\nExpires at: " + req.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if req.Status == domain.StatusEscalated {
		body += "\nESCALATED: " + req.EscalationReason
	}
	return subject, body
}

func decisionMessage(req *domain.ApprovalRequest, decision domain.ApprovalStatus, reason string) (subject, body string) {
	subject = fmt.Sprintf("Approval request %s: %s", req.ID, decision)
	body = fmt.Sprintf("Your request to invoke agent %s was %s.", req.ExternalAgentID, decision)
	if reason != "" {
		body += "\nReason: " + reason
	}
	return subject, body
}
