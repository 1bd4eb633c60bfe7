package domain

import (
	"strings"
	"time"
)

// EnforcementMode: hard блокирует, soft только помечает degraded
type EnforcementMode string

const (
	EnforcementHard EnforcementMode = "hard"
	EnforcementSoft EnforcementMode = "soft"
)

// BudgetScope: композитный ключ гранулярности бюджета (org -> team -> user -> agent)
type BudgetScope struct {
	OrganizationID string `json:"organization_id"`
	TeamID         string `json:"team_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
}

// Key детерминирован: одинаковые поля дают одинаковый ключ.
// Формат: org:<id>[:team:<id>][:user:<id>][:agent:<id>]
func (s BudgetScope) Key() string {
	var b strings.Builder
	b.WriteString("org:")
	b.WriteString(s.OrganizationID)
	if s.TeamID != "" {
		b.WriteString(":team:")
		b.WriteString(s.TeamID)
	}
	if s.UserID != "" {
		b.WriteString(":user:")
		b.WriteString(s.UserID)
	}
	if s.AgentID != "" {
		b.WriteString(":agent:")
		b.WriteString(s.AgentID)
	}
	return b.String()
}

// ExternalAgentBudget: состояние бюджета агента на период
type ExternalAgentBudget struct {
	ExternalAgentID       string          `json:"external_agent_id"`
	MonthlyBudgetUSD      float64         `json:"monthly_budget_usd"`
	MonthlySpentUSD       float64         `json:"monthly_spent_usd"`
	DailyBudgetUSD        *float64        `json:"daily_budget_usd,omitempty"` // nil = без лимита
	DailySpentUSD         float64         `json:"daily_spent_usd"`
	MonthlyExecutionLimit int             `json:"monthly_execution_limit"`
	MonthlyExecutionCount int             `json:"monthly_execution_count"`
	EnforcementMode       EnforcementMode `json:"enforcement_mode"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Clone: копия для безопасной передачи из in-memory хранилища
func (b *ExternalAgentBudget) Clone() *ExternalAgentBudget {
	if b == nil {
		return nil
	}
	c := *b
	if b.DailyBudgetUSD != nil {
		v := *b.DailyBudgetUSD
		c.DailyBudgetUSD = &v
	}
	return &c
}

// BudgetUsageRecord: неизменяемый факт расхода (append-only)
type BudgetUsageRecord struct {
	InvocationID string                 `json:"invocation_id"`
	AgentID      string                 `json:"agent_id"`
	Scope        BudgetScope            `json:"scope"`
	Cost         float64                `json:"cost"`
	Success      bool                   `json:"success"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// BudgetCheckResult: read-only результат проверки, не персистится
type BudgetCheckResult struct {
	Allowed                 bool     `json:"allowed"`
	Reason                  string   `json:"reason"`
	RemainingBudgetUSD      float64  `json:"remaining_budget_usd"`
	RemainingDailyBudgetUSD *float64 `json:"remaining_daily_budget_usd,omitempty"`
	RemainingExecutions     int      `json:"remaining_executions"`
	UsagePercentage         float64  `json:"usage_percentage"`
	DailyUsagePercentage    *float64 `json:"daily_usage_percentage,omitempty"`
	DegradedMode            bool     `json:"degraded_mode"`
	WarningTriggered        bool     `json:"warning_triggered"`
}

// BudgetStatus: срез для дашборда/статуса
type BudgetStatus struct {
	AgentID              string      `json:"agent_id"`
	Scope                BudgetScope `json:"scope"`
	CostUsed             float64     `json:"cost_used"`
	CostLimit            float64     `json:"cost_limit"`
	CostRemaining        float64     `json:"cost_remaining"`
	InvocationsUsed      int         `json:"invocations_used"`
	InvocationsLimit     int         `json:"invocations_limit"`
	InvocationsRemaining int         `json:"invocations_remaining"`
	CostPercentage       float64     `json:"cost_percentage"`
	InvocationPercentage float64     `json:"invocation_percentage"`
	WarningTriggered     bool        `json:"warning_triggered"`
	LimitExceeded        bool        `json:"limit_exceeded"`
	PeriodStart          time.Time   `json:"period_start"`
	PeriodEnd            time.Time   `json:"period_end"`
}

// PeriodUsage: агрегат расхода за интервал
type PeriodUsage struct {
	TotalCost       float64 `json:"total_cost"`
	Invocations     int     `json:"invocations"`
	SuccessfulCalls int     `json:"successful_calls"`
	FailedCalls     int     `json:"failed_calls"`
}

// MonthBounds возвращает [начало месяца, начало следующего) в UTC
func MonthBounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
