// Package governance, единая точка входа для пути вызова внешнего агента.
// Оркестрирует Policy Engine, Rate Limiter, Budget Enforcer и Approval Manager,
// собственного состояния не держит.
package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/approval"
	"github.com/xela07ax/spaceai-governance/internal/audit"
	"github.com/xela07ax/spaceai-governance/internal/budget"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/policy"
	"github.com/xela07ax/spaceai-governance/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/xela07ax/spaceai-governance/internal/governance")

// Stage: на какой стадии принято решение
type Stage string

const (
	StagePolicy    Stage = "policy"
	StageRateLimit Stage = "rate_limit"
	StageBudget    Stage = "budget"
	StageApproval  Stage = "approval"
	StageAllowed   Stage = "allowed"
)

// InvocationRequest: всё, что путь вызова знает о предстоящем вызове
type InvocationRequest struct {
	InvocationID    string
	Principal       domain.Principal
	Action          string
	Resource        string
	IPAddress       string
	Attributes      map[string]interface{}
	Payload         string
	EstimatedCost   *float64
	EstimatedTokens *int
	Time            time.Time // нулевое = сейчас
}

// Decision: агрегированный вердикт Gate
type Decision struct {
	Allowed         bool                           `json:"allowed"`
	Stage           Stage                          `json:"stage"`
	Reason          string                         `json:"reason"`
	DegradedMode    bool                           `json:"degraded_mode"`
	Policy          *domain.PolicyEvaluationResult `json:"policy,omitempty"`
	RateLimit       *domain.RateLimitCheckResult   `json:"rate_limit,omitempty"`
	Budget          *domain.BudgetCheckResult      `json:"budget,omitempty"`
	Approval        *domain.ApprovalRequirement    `json:"approval,omitempty"`
	PendingApproval *domain.ApprovalRequest        `json:"pending_approval,omitempty"`
}

// Deps: собранные сервисы. Approvals и Auditor опциональны.
type Deps struct {
	Policy    *policy.Engine
	Limiter   *ratelimit.Limiter
	Budget    *budget.Enforcer
	Approvals *approval.Manager
	Auditor   audit.Auditor
	Metrics   *Metrics
}

type Service struct {
	policy    *policy.Engine
	limiter   *ratelimit.Limiter
	budget    *budget.Enforcer
	approvals *approval.Manager
	auditor   audit.Auditor
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(deps Deps, logger *zap.Logger) *Service {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Service{
		policy:    deps.Policy,
		limiter:   deps.Limiter,
		budget:    deps.Budget,
		approvals: deps.Approvals,
		auditor:   deps.Auditor,
		metrics:   deps.Metrics,
		logger:    logger.Named("governance"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Initialize подключает бэкенд счётчиков. Остальным сервисам асинхронная настройка не нужна.
func (s *Service) Initialize(ctx context.Context) {
	s.limiter.Initialize(ctx)
	s.logger.Info("governance initialized", zap.Bool("distributed_rate_limit", s.limiter.Distributed()))
}

func (s *Service) Close() {
	s.limiter.Close()
}

func (s *Service) EvaluatePolicy(ctx context.Context, pctx domain.PolicyContext) domain.PolicyEvaluationResult {
	defer s.observe(StagePolicy, time.Now())
	return s.policy.Evaluate(ctx, pctx)
}

func (s *Service) CheckRateLimit(ctx context.Context, scope domain.RateLimitScope) domain.RateLimitCheckResult {
	defer s.observe(StageRateLimit, time.Now())
	return s.limiter.Check(ctx, scope)
}

func (s *Service) CheckBudget(ctx context.Context, agentID string, scope domain.BudgetScope, estimatedCost float64, estimatedTokens int) domain.BudgetCheckResult {
	defer s.observe(StageBudget, time.Now())
	return s.budget.CheckAgentBudget(ctx, agentID, scope, estimatedCost, estimatedTokens)
}

// CheckApprovalRequired без настроенного менеджера согласование не требуется
func (s *Service) CheckApprovalRequired(ctx context.Context, agentID, payload, userID, organizationID string, estimatedCost *float64) domain.ApprovalRequirement {
	if s.approvals == nil {
		return domain.ApprovalRequirement{Triggers: []domain.ApprovalTrigger{}, Reason: "Approval workflow not configured"}
	}
	defer s.observe(StageApproval, time.Now())
	return s.approvals.CheckApprovalRequired(ctx, agentID, payload, userID, organizationID, estimatedCost)
}

// RecordInvocationCost: пост-учёт на каждом настроенном уровне скоупа. Агент без бюджета не учитывается (nil, false).
func (s *Service) RecordInvocationCost(
	ctx context.Context,
	agentID string,
	scope domain.BudgetScope,
	actualCost float64,
	success bool,
	metadata map[string]interface{},
	invocationID string,
) (*domain.ExternalAgentBudget, bool) {
	b, ok := s.budget.RecordScopedUsage(ctx, agentID, scope, actualCost, success, metadata, invocationID)
	if !ok {
		s.logger.Debug("no budget configured, cost not recorded", zap.String("agent_id", agentID))
		return nil, false
	}
	s.metrics.BudgetSpend.WithLabelValues(agentID).Add(actualCost)
	return b, true
}

func (s *Service) RecordRateLimitInvocation(ctx context.Context, scope domain.RateLimitScope) error {
	return s.limiter.Record(ctx, scope)
}

// StatusQuery: для какого агента и в каком скоупе собрать статус
type StatusQuery struct {
	AgentID        string
	OrganizationID string
	TeamID         string
	UserID         string
}

type RateLimitStatus struct {
	Distributed bool                   `json:"distributed"`
	Usage       map[string]int         `json:"usage"`
	Limits      domain.RateLimitConfig `json:"limits"`
}

type PolicyStatus struct {
	TotalPolicies   int                               `json:"total_policies"`
	EnabledPolicies int                               `json:"enabled_policies"`
	FailClosed      bool                              `json:"fail_closed"`
	Strategy        domain.ConflictResolutionStrategy `json:"strategy"`
}

// Status: сводный документ: budget, rate_limit, policy, timestamp
type Status struct {
	Budget    domain.BudgetStatus `json:"budget"`
	RateLimit RateLimitStatus     `json:"rate_limit"`
	Policy    PolicyStatus        `json:"policy"`
	Timestamp time.Time           `json:"timestamp"`
}

func (s *Service) GetGovernanceStatus(ctx context.Context, q StatusQuery) Status {
	rlScope := rateLimitScope(q.AgentID, q.UserID, q.TeamID, q.OrganizationID)

	usage, err := s.limiter.Status(ctx, rlScope)
	if err != nil {
		s.logger.Warn("rate limit status unavailable", zap.String("agent_id", q.AgentID), zap.Error(err))
		usage = map[string]int{}
	}

	policies := s.policy.ListPolicies()
	enabled := 0
	for _, p := range policies {
		if p.Enabled {
			enabled++
		}
	}
	opts := s.policy.Settings()

	return Status{
		Budget: s.budget.GetBudgetStatus(ctx, q.AgentID, budgetScope(q.AgentID, q.UserID, q.TeamID, q.OrganizationID)),
		RateLimit: RateLimitStatus{
			Distributed: s.limiter.Distributed(),
			Usage:       usage,
			Limits:      s.limiter.LimitsFor(q.AgentID),
		},
		Policy: PolicyStatus{
			TotalPolicies:   len(policies),
			EnabledPolicies: enabled,
			FailClosed:      opts.FailClosed,
			Strategy:        opts.Strategy,
		},
		Timestamp: s.now(),
	}
}

// Gate прогоняет вызов через policy -> rate limit -> budget -> approval.
// Первая отказавшая стадия определяет решение. Проверки ничего не списывают:
// учёт делается отдельно через Record* после фактического вызова.
func (s *Service) Gate(ctx context.Context, req InvocationRequest) (d Decision) {
	p := req.Principal
	ctx, span := tracer.Start(ctx, "governance.gate",
		trace.WithAttributes(
			attribute.String("agent.id", p.ExternalAgentID),
			attribute.String("org.id", p.OrganizationID),
			attribute.String("invocation.id", req.InvocationID),
		))
	start := time.Now()

	defer func() {
		span.SetAttributes(
			attribute.String("governance.stage", string(d.Stage)),
			attribute.Bool("governance.allowed", d.Allowed),
		)
		if !d.Allowed {
			span.SetStatus(codes.Error, d.Reason)
		}
		span.End()
		s.record(req, d, time.Since(start))
	}()

	// 1. Policy
	pres := s.EvaluatePolicy(ctx, domain.PolicyContext{
		Principal:  p,
		Action:     req.Action,
		Resource:   req.Resource,
		IPAddress:  req.IPAddress,
		Time:       req.Time,
		Attributes: req.Attributes,
	})
	d.Policy = &pres
	if !pres.Allowed() {
		d.Stage, d.Reason = StagePolicy, pres.Reason
		return d
	}

	// 2. Rate limit
	rl := s.CheckRateLimit(ctx, rateLimitScope(p.ExternalAgentID, p.UserID, p.TeamID, p.OrganizationID))
	d.RateLimit = &rl
	if !rl.Allowed {
		d.Stage = StageRateLimit
		d.Reason = fmt.Sprintf("Rate limit exceeded: %s (retry after %ds)", rl.LimitExceeded, rl.RetryAfterSeconds)
		return d
	}

	// 3. Budget
	cost, tokens := 0.0, 0
	if req.EstimatedCost != nil {
		cost = *req.EstimatedCost
	}
	if req.EstimatedTokens != nil {
		tokens = *req.EstimatedTokens
	}
	bres := s.CheckBudget(ctx, p.ExternalAgentID, budgetScope(p.ExternalAgentID, p.UserID, p.TeamID, p.OrganizationID), cost, tokens)
	d.Budget = &bres
	d.DegradedMode = bres.DegradedMode
	if !bres.Allowed {
		d.Stage, d.Reason = StageBudget, bres.Reason
		return d
	}

	// 4. Approval
	if s.approvals != nil {
		areq := s.CheckApprovalRequired(ctx, p.ExternalAgentID, req.Payload, p.UserID, p.OrganizationID, req.EstimatedCost)
		d.Approval = &areq
		if areq.Required {
			d.Stage = StageApproval
			pending, err := s.approvals.CreateRequest(ctx, approval.CreateParams{
				AgentID:         p.ExternalAgentID,
				OrganizationID:  p.OrganizationID,
				UserID:          p.UserID,
				TeamID:          p.TeamID,
				TriggerReason:   areq.Reason,
				Payload:         req.Payload,
				EstimatedCost:   req.EstimatedCost,
				EstimatedTokens: req.EstimatedTokens,
			})
			if err != nil {
				// Не смогли завести запрос, пропускать вызов без согласования нельзя
				s.logger.Error("approval request creation failed", zap.String("agent_id", p.ExternalAgentID), zap.Error(err))
				span.RecordError(err)
				d.Reason = "Approval required but request could not be created"
				return d
			}
			s.metrics.ApprovalsPending.Inc()
			d.PendingApproval = pending
			d.Reason = "Pending approval: " + areq.Reason
			return d
		}
	}

	d.Allowed, d.Stage = true, StageAllowed
	d.Reason = bres.Reason
	return d
}

// SweepExpired: один проход тикера: истекшие запросы в EXPIRED, gauge по фактическому числу ожидающих
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	if s.approvals == nil {
		return 0, nil
	}
	expired, err := s.approvals.ProcessExpiredRequests(ctx)
	if err != nil {
		return 0, err
	}
	if pending, err := s.approvals.GetPendingRequests(ctx, "", ""); err == nil {
		s.metrics.ApprovalsPending.Set(float64(len(pending)))
	}
	return len(expired), nil
}

func (s *Service) observe(stage Stage, start time.Time) {
	s.metrics.CheckDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func (s *Service) record(req InvocationRequest, d Decision, elapsed time.Duration) {
	outcome := "denied"
	switch {
	case d.PendingApproval != nil:
		outcome = "pending"
	case d.Allowed && d.DegradedMode:
		outcome = "degraded"
	case d.Allowed:
		outcome = "allowed"
	}
	s.metrics.Decisions.WithLabelValues(string(d.Stage), outcome).Inc()

	fields := []zap.Field{
		zap.String("agent_id", req.Principal.ExternalAgentID),
		zap.String("invocation_id", req.InvocationID),
		zap.String("stage", string(d.Stage)),
		zap.String("outcome", outcome),
		zap.String("reason", d.Reason),
	}
	if d.Allowed {
		s.logger.Debug("invocation allowed", fields...)
	} else {
		s.logger.Info("invocation blocked", fields...)
	}

	if s.auditor == nil {
		return
	}
	ev := audit.DecisionEvent{
		TraceID:        req.InvocationID,
		AgentID:        req.Principal.ExternalAgentID,
		OrganizationID: req.Principal.OrganizationID,
		TeamID:         req.Principal.TeamID,
		UserID:         req.Principal.UserID,
		Action:         req.Action,
		Stage:          string(d.Stage),
		Allowed:        d.Allowed,
		Reason:         d.Reason,
		EstimatedCost:  req.EstimatedCost,
		DegradedMode:   d.DegradedMode,
		DurationMs:     float64(elapsed.Microseconds()) / 1000,
	}
	if d.Policy != nil {
		ev.MatchedPolicies = d.Policy.MatchedPolicies
	}
	if d.PendingApproval != nil {
		ev.ApprovalID = d.PendingApproval.ID
	}
	s.auditor.Log(ev)
}

func rateLimitScope(agentID, userID, teamID, orgID string) domain.RateLimitScope {
	return domain.RateLimitScope{AgentID: agentID, UserID: userID, TeamID: teamID, OrganizationID: orgID}
}

func budgetScope(agentID, userID, teamID, orgID string) domain.BudgetScope {
	return domain.BudgetScope{OrganizationID: orgID, TeamID: teamID, UserID: userID, AgentID: agentID}
}
