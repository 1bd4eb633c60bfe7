package budget

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

type Config struct {
	WarningThreshold      float64
	DegradationThreshold  float64
	AlertThresholds       []float64
	RolloverEnabled       bool
	MaxRolloverPercentage float64
}

func DefaultConfig() Config {
	return Config{
		WarningThreshold:      0.8,
		DegradationThreshold:  0.9,
		AlertThresholds:       []float64{0.5, 0.75, 0.9, 1.0},
		MaxRolloverPercentage: 0.25,
	}
}

// Alerter получает пересечения порогов расхода (webhook/чат). Вызывается максимум раз на порог за период.
type Alerter interface {
	BudgetThresholdCrossed(ctx context.Context, agentID string, scope domain.BudgetScope, threshold, usage float64)
}

// Enforcer: pre-invocation проверка бюджета и post-invocation учёт расходов.
type Enforcer struct {
	store   Store
	cfg     Config
	alerter Alerter
	logger  *zap.Logger

	mu      sync.Mutex
	alerted map[string]map[float64]bool // agentID@scope -> сработавшие пороги текущего периода

	now func() time.Time
}

func NewEnforcer(store Store, cfg Config, logger *zap.Logger) *Enforcer {
	thresholds := append([]float64(nil), cfg.AlertThresholds...)
	sort.Float64s(thresholds)
	cfg.AlertThresholds = thresholds

	return &Enforcer{
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("budget"),
		alerted: make(map[string]map[float64]bool),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetAlerter подключает внешний канал алертов (опционально)
func (e *Enforcer) SetAlerter(a Alerter) {
	e.alerter = a
}

func pct(spent, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return spent / limit
}

// CheckBudget: чистая функция над снимком бюджета. Порядок нарушений:
// месячный лимит, дневной лимит, лимит вызовов. Первое нарушение определяет результат.
func (e *Enforcer) CheckBudget(b *domain.ExternalAgentBudget, estimatedCost float64, estimatedTokens int) domain.BudgetCheckResult {
	monthlyPct := pct(b.MonthlySpentUSD, b.MonthlyBudgetUSD)
	remainingMonthly := b.MonthlyBudgetUSD - b.MonthlySpentUSD

	res := domain.BudgetCheckResult{
		RemainingBudgetUSD:  remainingMonthly,
		RemainingExecutions: -1, // лимит вызовов не задан
		UsagePercentage:     monthlyPct,
	}

	var remainingDaily *float64
	if b.DailyBudgetUSD != nil {
		rd := *b.DailyBudgetUSD - b.DailySpentUSD
		dp := pct(b.DailySpentUSD, *b.DailyBudgetUSD)
		remainingDaily = &rd
		res.RemainingDailyBudgetUSD = &rd
		res.DailyUsagePercentage = &dp
	}
	if b.MonthlyExecutionLimit > 0 {
		res.RemainingExecutions = b.MonthlyExecutionLimit - b.MonthlyExecutionCount
	}

	var violation string
	switch {
	case estimatedCost > remainingMonthly:
		violation = fmt.Sprintf("Monthly budget exceeded: estimated cost $%.2f exceeds remaining $%.2f", estimatedCost, remainingMonthly)
	case remainingDaily != nil && estimatedCost > *remainingDaily:
		violation = fmt.Sprintf("Daily budget exceeded: estimated cost $%.2f exceeds remaining $%.2f", estimatedCost, *remainingDaily)
	case b.MonthlyExecutionLimit > 0 && res.RemainingExecutions <= 0:
		violation = fmt.Sprintf("Monthly execution limit reached (%d executions)", b.MonthlyExecutionLimit)
	}

	if violation != "" {
		if b.EnforcementMode == domain.EnforcementSoft {
			// soft никогда не блокирует, только помечает
			res.Allowed = true
			res.DegradedMode = true
			res.Reason = violation + " (soft enforcement, degraded mode)"
			return res
		}
		res.Allowed = false
		res.Reason = violation
		return res
	}

	res.Allowed = true
	if e.cfg.DegradationThreshold > 0 && monthlyPct >= e.cfg.DegradationThreshold {
		res.DegradedMode = true
		res.WarningTriggered = true
		res.Reason = fmt.Sprintf("Budget usage at %.1f%%, operating in degraded mode", monthlyPct*100)
		return res
	}
	if e.cfg.WarningThreshold > 0 && monthlyPct >= e.cfg.WarningThreshold {
		res.WarningTriggered = true
		res.Reason = fmt.Sprintf("Within budget (warning: %.1f%% used)", monthlyPct*100)
		return res
	}
	res.Reason = "Within budget"
	return res
}

// GetBudget: ошибки чтения трактуются как "бюджета нет", чтобы не ронять путь вызова
func (e *Enforcer) GetBudget(ctx context.Context, agentID string, scope domain.BudgetScope) *domain.ExternalAgentBudget {
	b, err := e.store.GetBudget(ctx, agentID, scope)
	if err != nil {
		e.logger.Warn("budget read failed, treating as unconfigured",
			zap.String("agent_id", agentID), zap.String("scope", scope.Key()), zap.Error(err))
		return nil
	}
	return b
}

// scopeChain раскладывает скоуп на уровни иерархии: org, org+team, полный скоуп с пользователем.
// Пустые уровни пропускаются.
func scopeChain(s domain.BudgetScope) []domain.BudgetScope {
	chain := []domain.BudgetScope{{OrganizationID: s.OrganizationID, AgentID: s.AgentID}}
	if s.TeamID != "" {
		chain = append(chain, domain.BudgetScope{OrganizationID: s.OrganizationID, TeamID: s.TeamID, AgentID: s.AgentID})
	}
	if s.UserID != "" {
		chain = append(chain, s)
	}
	return chain
}

type levelBudget struct {
	scope  domain.BudgetScope
	budget *domain.ExternalAgentBudget
}

// resolve возвращает настроенные бюджеты по цепочке скоупов, от организации к пользователю
func (e *Enforcer) resolve(ctx context.Context, agentID string, scope domain.BudgetScope) []levelBudget {
	var out []levelBudget
	for _, level := range scopeChain(scope) {
		b := e.GetBudget(ctx, agentID, level)
		if b == nil {
			continue
		}
		if b.ExternalAgentID == "" {
			b.ExternalAgentID = agentID
		}
		out = append(out, levelBudget{scope: level, budget: b})
	}
	return out
}

func severity(r domain.BudgetCheckResult) int {
	switch {
	case !r.Allowed:
		return 3
	case r.DegradedMode:
		return 2
	case r.WarningTriggered:
		return 1
	}
	return 0
}

// CheckAgentBudget проверяет каждый настроенный уровень иерархии, побеждает самый строгий результат.
// Нет бюджета ни на одном уровне = разрешено.
func (e *Enforcer) CheckAgentBudget(ctx context.Context, agentID string, scope domain.BudgetScope, estimatedCost float64, estimatedTokens int) domain.BudgetCheckResult {
	levels := e.resolve(ctx, agentID, scope)
	if len(levels) == 0 {
		return domain.BudgetCheckResult{
			Allowed:             true,
			Reason:              "No budget configured",
			RemainingBudgetUSD:  -1,
			RemainingExecutions: -1,
		}
	}

	out := e.CheckBudget(levels[0].budget, estimatedCost, estimatedTokens)
	for _, l := range levels[1:] {
		res := e.CheckBudget(l.budget, estimatedCost, estimatedTokens)
		sr, so := severity(res), severity(out)
		if sr > so || (sr == so && res.RemainingBudgetUSD < out.RemainingBudgetUSD) {
			out = res
		}
	}
	return out
}

// ConfigureBudget создаёт или обновляет лимиты. Текущие счётчики периода сохраняются.
func (e *Enforcer) ConfigureBudget(ctx context.Context, agentID string, scope domain.BudgetScope, limits domain.ExternalAgentBudget) (*domain.ExternalAgentBudget, error) {
	if limits.EnforcementMode == "" {
		limits.EnforcementMode = domain.EnforcementHard
	}
	if limits.EnforcementMode != domain.EnforcementHard && limits.EnforcementMode != domain.EnforcementSoft {
		return nil, fmt.Errorf("invalid enforcement mode %q", limits.EnforcementMode)
	}

	existing, err := e.store.GetBudget(ctx, agentID, scope)
	if err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}

	b := limits.Clone()
	b.ExternalAgentID = agentID
	if existing != nil {
		b.MonthlySpentUSD = existing.MonthlySpentUSD
		b.DailySpentUSD = existing.DailySpentUSD
		b.MonthlyExecutionCount = existing.MonthlyExecutionCount
	}
	b.UpdatedAt = e.now()

	if err := e.store.UpdateBudget(ctx, agentID, scope, b); err != nil {
		return nil, fmt.Errorf("save budget: %w", err)
	}
	e.logger.Info("budget configured",
		zap.String("agent_id", agentID),
		zap.String("scope", scope.Key()),
		zap.Float64("monthly_budget_usd", b.MonthlyBudgetUSD),
		zap.String("mode", string(b.EnforcementMode)))
	return b, nil
}

// RecordUsage списывает фактическую стоимость с бюджета одного скоупа. Стоимость учитывается и при
// неуспешном вызове. Инкремент выполняет хранилище, b нужен только если строки ещё нет.
// Ошибки хранилища логируются и не возвращаются: учёт не должен ломать успешный путь вызывающего.
func (e *Enforcer) RecordUsage(
	ctx context.Context,
	scope domain.BudgetScope,
	b *domain.ExternalAgentBudget,
	actualCost float64,
	success bool,
	metadata map[string]interface{},
	invocationID string,
) *domain.ExternalAgentBudget {
	now := e.now()
	agentID := b.ExternalAgentID

	updated, err := e.store.IncrementUsage(ctx, agentID, scope, actualCost, now)
	switch {
	case err != nil:
		e.logger.Error("budget increment failed", zap.String("agent_id", agentID), zap.Error(err))
		updated = applyUsage(b, actualCost, now)
	case updated == nil:
		updated = applyUsage(b, actualCost, now)
		if err := e.store.UpdateBudget(ctx, agentID, scope, updated); err != nil {
			e.logger.Error("budget update failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	if invocationID == "" {
		invocationID = uuid.New().String()
	}
	rec := domain.BudgetUsageRecord{
		InvocationID: invocationID,
		AgentID:      agentID,
		Scope:        scope,
		Cost:         actualCost,
		Success:      success,
		Metadata:     metadata,
		Timestamp:    now,
	}
	if err := e.store.RecordUsage(ctx, rec); err != nil {
		e.logger.Error("usage record failed",
			zap.String("agent_id", agentID), zap.String("invocation_id", invocationID), zap.Error(err))
	}

	e.checkAndTriggerAlerts(ctx, agentID, scope, pct(updated.MonthlySpentUSD, updated.MonthlyBudgetUSD))
	return updated
}

func applyUsage(b *domain.ExternalAgentBudget, cost float64, at time.Time) *domain.ExternalAgentBudget {
	b.MonthlySpentUSD += cost
	b.DailySpentUSD += cost
	b.MonthlyExecutionCount++
	b.UpdatedAt = at
	return b
}

// RecordScopedUsage списывает стоимость на каждом настроенном уровне иерархии.
// Возвращает бюджет самого глубокого уровня; false, если бюджета нет нигде.
func (e *Enforcer) RecordScopedUsage(
	ctx context.Context,
	agentID string,
	scope domain.BudgetScope,
	actualCost float64,
	success bool,
	metadata map[string]interface{},
	invocationID string,
) (*domain.ExternalAgentBudget, bool) {
	levels := e.resolve(ctx, agentID, scope)
	if len(levels) == 0 {
		return nil, false
	}
	if invocationID == "" {
		invocationID = uuid.New().String()
	}
	var leaf *domain.ExternalAgentBudget
	for _, l := range levels {
		leaf = e.RecordUsage(ctx, l.scope, l.budget, actualCost, success, metadata, invocationID)
	}
	return leaf, true
}

// checkAndTriggerAlerts: каждый порог срабатывает не больше одного раза за период
func (e *Enforcer) checkAndTriggerAlerts(ctx context.Context, agentID string, scope domain.BudgetScope, usage float64) {
	var crossed []float64

	key := storeKey(agentID, scope)
	e.mu.Lock()
	seen := e.alerted[key]
	for _, t := range e.cfg.AlertThresholds {
		if t > usage || seen[t] {
			continue
		}
		if seen == nil {
			seen = make(map[float64]bool)
			e.alerted[key] = seen
		}
		seen[t] = true
		crossed = append(crossed, t)
	}
	e.mu.Unlock()

	for _, t := range crossed {
		e.logger.Warn("budget threshold crossed",
			zap.String("agent_id", agentID),
			zap.String("scope", scope.Key()),
			zap.Float64("threshold", t),
			zap.Float64("usage", usage))
		if e.alerter != nil {
			e.alerter.BudgetThresholdCrossed(ctx, agentID, scope, t, usage)
		}
	}
}

// GetBudgetStatus: срез текущего периода по самому глубокому настроенному уровню скоупа.
// Если бюджета нет, возвращается нулевой статус.
func (e *Enforcer) GetBudgetStatus(ctx context.Context, agentID string, scope domain.BudgetScope) domain.BudgetStatus {
	start, end := domain.MonthBounds(e.now())
	status := domain.BudgetStatus{
		AgentID:     agentID,
		Scope:       scope,
		PeriodStart: start,
		PeriodEnd:   end,
	}

	levels := e.resolve(ctx, agentID, scope)
	if len(levels) == 0 {
		return status
	}
	leaf := levels[len(levels)-1]
	b := leaf.budget
	status.Scope = leaf.scope

	status.CostUsed = b.MonthlySpentUSD
	status.CostLimit = b.MonthlyBudgetUSD
	status.CostRemaining = math.Max(0, b.MonthlyBudgetUSD-b.MonthlySpentUSD)
	status.InvocationsUsed = b.MonthlyExecutionCount
	status.InvocationsLimit = b.MonthlyExecutionLimit
	if b.MonthlyExecutionLimit > 0 {
		status.InvocationsRemaining = max(0, b.MonthlyExecutionLimit-b.MonthlyExecutionCount)
	}
	status.CostPercentage = pct(b.MonthlySpentUSD, b.MonthlyBudgetUSD)
	status.InvocationPercentage = pct(float64(b.MonthlyExecutionCount), float64(b.MonthlyExecutionLimit))
	status.WarningTriggered = status.CostPercentage >= e.cfg.WarningThreshold ||
		status.InvocationPercentage >= e.cfg.WarningThreshold
	status.LimitExceeded = status.CostPercentage >= 1.0 || status.InvocationPercentage >= 1.0
	return status
}

// GetPeriodUsage: агрегат записей расхода за [start, end)
func (e *Enforcer) GetPeriodUsage(ctx context.Context, agentID string, scope domain.BudgetScope, start, end time.Time) (domain.PeriodUsage, error) {
	u, err := e.store.GetPeriodUsage(ctx, agentID, scope, start, end)
	if err != nil {
		return domain.PeriodUsage{}, fmt.Errorf("period usage: %w", err)
	}
	return u, nil
}

// ResetPeriod закрывает период: обнуляет счётчики, переносит неиспользованный остаток
// (не больше budget*MaxRolloverPercentage) и сбрасывает сработавшие алерты.
func (e *Enforcer) ResetPeriod(ctx context.Context, agentID string, scope domain.BudgetScope) error {
	b, err := e.store.GetBudget(ctx, agentID, scope)
	if err != nil {
		return fmt.Errorf("load budget: %w", err)
	}

	if err := e.store.ResetPeriodUsage(ctx, agentID, scope); err != nil {
		return fmt.Errorf("reset period usage: %w", err)
	}

	if b != nil && e.cfg.RolloverEnabled {
		unused := math.Max(0, b.MonthlyBudgetUSD-b.MonthlySpentUSD)
		credit := math.Min(unused, b.MonthlyBudgetUSD*e.cfg.MaxRolloverPercentage)
		if credit > 0 {
			b.MonthlyBudgetUSD += credit
			b.MonthlySpentUSD = 0
			b.DailySpentUSD = 0
			b.MonthlyExecutionCount = 0
			b.UpdatedAt = e.now()
			if err := e.store.UpdateBudget(ctx, agentID, scope, b); err != nil {
				return fmt.Errorf("apply rollover: %w", err)
			}
			e.logger.Info("budget rollover applied",
				zap.String("agent_id", agentID), zap.Float64("credit_usd", credit))
		}
	}

	e.mu.Lock()
	delete(e.alerted, storeKey(agentID, scope))
	e.mu.Unlock()
	return nil
}

// ResetDaily обнуляет дневной расход. Месячные счётчики не трогаются.
func (e *Enforcer) ResetDaily(ctx context.Context, agentID string, scope domain.BudgetScope) error {
	b, err := e.store.GetBudget(ctx, agentID, scope)
	if err != nil {
		return fmt.Errorf("load budget: %w", err)
	}
	if b == nil {
		return nil
	}
	b.DailySpentUSD = 0
	b.UpdatedAt = e.now()
	if err := e.store.UpdateBudget(ctx, agentID, scope, b); err != nil {
		return fmt.Errorf("reset daily: %w", err)
	}
	return nil
}
