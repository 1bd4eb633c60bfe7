package audit

import "time"

// DecisionEvent: одна запись журнала решений governance
type DecisionEvent struct {
	ID      string `json:"id"`       // UUID события
	TraceID string `json:"trace_id"` // Сквозной ID вызова (invocation_id)

	// Кто вызывал
	AgentID        string `json:"agent_id"`
	OrganizationID string `json:"organization_id"`
	TeamID         string `json:"team_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Action         string `json:"action,omitempty"`

	// Результат
	Stage           string   `json:"stage"` // policy | rate_limit | budget | approval | allowed
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason"`
	MatchedPolicies []string `json:"matched_policies,omitempty"`
	ApprovalID      string   `json:"approval_id,omitempty"`
	EstimatedCost   *float64 `json:"estimated_cost,omitempty"`
	DegradedMode    bool     `json:"degraded_mode,omitempty"`

	Timestamp  time.Time `json:"timestamp"`
	DurationMs float64   `json:"duration_ms"`
}
