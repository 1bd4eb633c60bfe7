package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/governance"
)

// GovernanceService: путь вызова внешнего агента
type GovernanceService interface {
	Gate(ctx context.Context, req governance.InvocationRequest) governance.Decision
	RecordInvocationCost(ctx context.Context, agentID string, scope domain.BudgetScope, actualCost float64,
		success bool, metadata map[string]interface{}, invocationID string) (*domain.ExternalAgentBudget, bool)
	RecordRateLimitInvocation(ctx context.Context, scope domain.RateLimitScope) error
	GetGovernanceStatus(ctx context.Context, q governance.StatusQuery) governance.Status
}

// BudgetConfigurer: администрирование лимитов
type BudgetConfigurer interface {
	ConfigureBudget(ctx context.Context, agentID string, scope domain.BudgetScope, limits domain.ExternalAgentBudget) (*domain.ExternalAgentBudget, error)
}

type GovernanceHandler struct {
	service GovernanceService
	budgets BudgetConfigurer
}

func NewGovernanceHandler(s GovernanceService, b BudgetConfigurer) *GovernanceHandler {
	return &GovernanceHandler{service: s, budgets: b}
}

// CheckRequest: тело POST /v1/governance/check
type CheckRequest struct {
	InvocationID    string                 `json:"invocation_id"`
	Principal       domain.Principal       `json:"principal"`
	Action          string                 `json:"action"`
	Resource        string                 `json:"resource"`
	IPAddress       string                 `json:"ip_address"`
	Attributes      map[string]interface{} `json:"attributes"`
	Payload         string                 `json:"payload"`
	EstimatedCost   *float64               `json:"estimated_cost"`
	EstimatedTokens *int                   `json:"estimated_tokens"`
}

type CheckResponse struct {
	InvocationID string `json:"invocation_id"`
	governance.Decision
}

// Check: 200 при разрешении, 202 если ждём человека, 403 при отказе
func (h *GovernanceHandler) Check(w http.ResponseWriter, r *http.Request) {
	var body CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if body.Principal.ExternalAgentID == "" {
		badRequest(w, "principal.external_agent_id is required")
		return
	}
	if body.InvocationID == "" {
		body.InvocationID = uuid.NewString()
	}

	ip := body.IPAddress
	if ip == "" {
		ip = clientIP(r)
	}

	d := h.service.Gate(r.Context(), governance.InvocationRequest{
		InvocationID:    body.InvocationID,
		Principal:       body.Principal,
		Action:          body.Action,
		Resource:        body.Resource,
		IPAddress:       ip,
		Attributes:      body.Attributes,
		Payload:         body.Payload,
		EstimatedCost:   body.EstimatedCost,
		EstimatedTokens: body.EstimatedTokens,
	})

	status := http.StatusOK
	switch {
	case d.PendingApproval != nil:
		status = http.StatusAccepted
	case !d.Allowed:
		status = http.StatusForbidden
	}
	writeJSON(w, status, CheckResponse{InvocationID: body.InvocationID, Decision: d})
}

// clientIP: адрес из RemoteAddr без порта. middleware.RealIP подменяет RemoteAddr
// голым IP только при заголовках прокси, иначе там host:port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UsageRequest: тело POST /v1/governance/usage
type UsageRequest struct {
	InvocationID   string                 `json:"invocation_id"`
	AgentID        string                 `json:"agent_id"`
	OrganizationID string                 `json:"organization_id"`
	TeamID         string                 `json:"team_id"`
	UserID         string                 `json:"user_id"`
	ActualCost     float64                `json:"actual_cost"`
	Success        bool                   `json:"success"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type UsageResponse struct {
	Recorded bool                        `json:"recorded"`
	Budget   *domain.ExternalAgentBudget `json:"budget,omitempty"`
}

// RecordUsage: пост-учёт после фактического вызова: окно rate limit и стоимость
func (h *GovernanceHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var body UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if body.AgentID == "" || body.ActualCost < 0 {
		badRequest(w, "agent_id and non-negative actual_cost are required")
		return
	}

	rl := domain.RateLimitScope{AgentID: body.AgentID, UserID: body.UserID, TeamID: body.TeamID, OrganizationID: body.OrganizationID}
	if err := h.service.RecordRateLimitInvocation(r.Context(), rl); err != nil {
		writeError(w, err)
		return
	}

	scope := domain.BudgetScope{OrganizationID: body.OrganizationID, TeamID: body.TeamID, UserID: body.UserID, AgentID: body.AgentID}
	b, ok := h.service.RecordInvocationCost(r.Context(), body.AgentID, scope, body.ActualCost, body.Success, body.Metadata, body.InvocationID)
	writeJSON(w, http.StatusOK, UsageResponse{Recorded: ok, Budget: b})
}

// Status: GET /v1/governance/status?agent_id=&org_id=&team_id=&user_id=
func (h *GovernanceHandler) Status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("agent_id") == "" {
		badRequest(w, "agent_id is required")
		return
	}
	writeJSON(w, http.StatusOK, h.service.GetGovernanceStatus(r.Context(), governance.StatusQuery{
		AgentID:        q.Get("agent_id"),
		OrganizationID: q.Get("org_id"),
		TeamID:         q.Get("team_id"),
		UserID:         q.Get("user_id"),
	}))
}

// BudgetRequest: лимиты для PUT /v1/budgets/{agent_id}
type BudgetRequest struct {
	OrganizationID        string                 `json:"organization_id"`
	TeamID                string                 `json:"team_id"`
	UserID                string                 `json:"user_id"`
	MonthlyBudgetUSD      float64                `json:"monthly_budget_usd"`
	DailyBudgetUSD        *float64               `json:"daily_budget_usd"`
	MonthlyExecutionLimit int                    `json:"monthly_execution_limit"`
	EnforcementMode       domain.EnforcementMode `json:"enforcement_mode"`
}

func (h *GovernanceHandler) ConfigureBudget(w http.ResponseWriter, r *http.Request) {
	var body BudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if body.MonthlyBudgetUSD < 0 {
		badRequest(w, "monthly_budget_usd must be non-negative")
		return
	}
	switch body.EnforcementMode {
	case "", domain.EnforcementHard, domain.EnforcementSoft:
	default:
		badRequest(w, "enforcement_mode must be hard or soft")
		return
	}

	agentID := chi.URLParam(r, "agent_id")
	scope := domain.BudgetScope{OrganizationID: body.OrganizationID, TeamID: body.TeamID, UserID: body.UserID, AgentID: agentID}
	b, err := h.budgets.ConfigureBudget(r.Context(), agentID, scope, domain.ExternalAgentBudget{
		MonthlyBudgetUSD:      body.MonthlyBudgetUSD,
		DailyBudgetUSD:        body.DailyBudgetUSD,
		MonthlyExecutionLimit: body.MonthlyExecutionLimit,
		EnforcementMode:       body.EnforcementMode,
		UpdatedAt:             time.Now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
