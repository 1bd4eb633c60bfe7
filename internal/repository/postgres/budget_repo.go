package postgres

/*
Файл budget_repo.go - долговременное хранилище бюджетов внешних агентов.
Счётчики лежат в agent_budgets (одна строка на агента и скоуп), факты расхода
append-only в budget_usage. Расход прибавляется в самом UPDATE (IncrementUsage):
конкурентные списания из разных процессов сериализуются блокировкой строки.
UpdateBudget пишет абсолютные значения и нужен только для настройки лимитов и rollover.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

type BudgetRepo struct {
	db *sql.DB
}

func NewBudgetRepo(db *sql.DB) *BudgetRepo {
	return &BudgetRepo{db: db}
}

const budgetColumns = `agent_id, monthly_budget_usd, monthly_spent_usd, daily_budget_usd, daily_spent_usd,
		       monthly_execution_limit, monthly_execution_count, enforcement_mode, updated_at`

func scanBudget(row *sql.Row) (*domain.ExternalAgentBudget, error) {
	var (
		b     domain.ExternalAgentBudget
		daily sql.NullFloat64
		mode  string
	)
	err := row.Scan(
		&b.ExternalAgentID,
		&b.MonthlyBudgetUSD,
		&b.MonthlySpentUSD,
		&daily,
		&b.DailySpentUSD,
		&b.MonthlyExecutionLimit,
		&b.MonthlyExecutionCount,
		&mode,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if daily.Valid {
		v := daily.Float64
		b.DailyBudgetUSD = &v
	}
	b.EnforcementMode = domain.EnforcementMode(mode)
	return &b, nil
}

func (r *BudgetRepo) GetBudget(ctx context.Context, agentID string, scope domain.BudgetScope) (*domain.ExternalAgentBudget, error) {
	query := `SELECT ` + budgetColumns + `
		FROM agent_budgets
		WHERE agent_id = $1 AND scope_key = $2`

	b, err := scanBudget(r.db.QueryRowContext(ctx, query, agentID, scope.Key()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Бюджет не настроен
		}
		return nil, fmt.Errorf("postgres: failed to get budget: %w", err)
	}
	return b, nil
}

// IncrementUsage: атомарное списание, база сама складывает счётчики
func (r *BudgetRepo) IncrementUsage(ctx context.Context, agentID string, scope domain.BudgetScope, cost float64, at time.Time) (*domain.ExternalAgentBudget, error) {
	query := `
		UPDATE agent_budgets SET
			monthly_spent_usd = agent_budgets.monthly_spent_usd + $3,
			daily_spent_usd = agent_budgets.daily_spent_usd + $3,
			monthly_execution_count = agent_budgets.monthly_execution_count + 1,
			updated_at = $4
		WHERE agent_id = $1 AND scope_key = $2
		RETURNING ` + budgetColumns

	b, err := scanBudget(r.db.QueryRowContext(ctx, query, agentID, scope.Key(), cost, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to increment budget usage: %w", err)
	}
	return b, nil
}

// UpdateBudget: upsert всей строки бюджета (лимиты, rollover, первая запись)
func (r *BudgetRepo) UpdateBudget(ctx context.Context, agentID string, scope domain.BudgetScope, b *domain.ExternalAgentBudget) error {
	query := `
		INSERT INTO agent_budgets (
			agent_id, scope_key, organization_id, team_id, user_id,
			monthly_budget_usd, monthly_spent_usd, daily_budget_usd, daily_spent_usd,
			monthly_execution_limit, monthly_execution_count, enforcement_mode, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (agent_id, scope_key) DO UPDATE SET
			monthly_budget_usd = EXCLUDED.monthly_budget_usd,
			monthly_spent_usd = EXCLUDED.monthly_spent_usd,
			daily_budget_usd = EXCLUDED.daily_budget_usd,
			daily_spent_usd = EXCLUDED.daily_spent_usd,
			monthly_execution_limit = EXCLUDED.monthly_execution_limit,
			monthly_execution_count = EXCLUDED.monthly_execution_count,
			enforcement_mode = EXCLUDED.enforcement_mode,
			updated_at = EXCLUDED.updated_at`

	var daily sql.NullFloat64
	if b.DailyBudgetUSD != nil {
		daily = sql.NullFloat64{Float64: *b.DailyBudgetUSD, Valid: true}
	}
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		agentID, scope.Key(), scope.OrganizationID, scope.TeamID, scope.UserID,
		b.MonthlyBudgetUSD, b.MonthlySpentUSD, daily, b.DailySpentUSD,
		b.MonthlyExecutionLimit, b.MonthlyExecutionCount, string(b.EnforcementMode), updated,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert budget: %w", err)
	}
	return nil
}

func (r *BudgetRepo) RecordUsage(ctx context.Context, rec domain.BudgetUsageRecord) error {
	query := `
		INSERT INTO budget_usage (invocation_id, agent_id, scope_key, cost, success, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal usage metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query,
		rec.InvocationID, rec.AgentID, rec.Scope.Key(), rec.Cost, rec.Success, meta, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: failed to record usage: %w", err)
	}
	return nil
}

// GetPeriodUsage агрегирует расход за [start, end) одним запросом
func (r *BudgetRepo) GetPeriodUsage(ctx context.Context, agentID string, scope domain.BudgetScope, start, end time.Time) (domain.PeriodUsage, error) {
	query := `
		SELECT COALESCE(SUM(cost), 0),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE success)
		FROM budget_usage
		WHERE agent_id = $1 AND scope_key = $2 AND created_at >= $3 AND created_at < $4`

	var u domain.PeriodUsage
	err := r.db.QueryRowContext(ctx, query, agentID, scope.Key(), start, end).Scan(
		&u.TotalCost, &u.Invocations, &u.SuccessfulCalls,
	)
	if err != nil {
		return domain.PeriodUsage{}, fmt.Errorf("postgres: failed to aggregate usage: %w", err)
	}
	u.FailedCalls = u.Invocations - u.SuccessfulCalls
	return u, nil
}

func (r *BudgetRepo) ResetPeriodUsage(ctx context.Context, agentID string, scope domain.BudgetScope) error {
	query := `
		UPDATE agent_budgets
		SET monthly_spent_usd = 0, daily_spent_usd = 0, monthly_execution_count = 0, updated_at = NOW()
		WHERE agent_id = $1 AND scope_key = $2`

	if _, err := r.db.ExecContext(ctx, query, agentID, scope.Key()); err != nil {
		return fmt.Errorf("postgres: failed to reset budget period: %w", err)
	}
	return nil
}
