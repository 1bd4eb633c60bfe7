package budget

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// Store: узкий интерфейс хранилища бюджетов. GetBudget возвращает nil, nil если бюджета нет.
type Store interface {
	GetBudget(ctx context.Context, agentID string, scope domain.BudgetScope) (*domain.ExternalAgentBudget, error)
	UpdateBudget(ctx context.Context, agentID string, scope domain.BudgetScope, b *domain.ExternalAgentBudget) error
	// IncrementUsage атомарно прибавляет расход к счётчикам и возвращает обновлённую строку.
	// Если бюджета нет, возвращает nil, nil и ничего не создаёт.
	IncrementUsage(ctx context.Context, agentID string, scope domain.BudgetScope, cost float64, at time.Time) (*domain.ExternalAgentBudget, error)
	RecordUsage(ctx context.Context, rec domain.BudgetUsageRecord) error
	GetPeriodUsage(ctx context.Context, agentID string, scope domain.BudgetScope, start, end time.Time) (domain.PeriodUsage, error)
	ResetPeriodUsage(ctx context.Context, agentID string, scope domain.BudgetScope) error
}

func storeKey(agentID string, scope domain.BudgetScope) string {
	return agentID + "@" + scope.Key()
}

// MemoryStore реализует Store в памяти. Только для одного процесса и тестов.
type MemoryStore struct {
	mu      sync.RWMutex
	budgets map[string]*domain.ExternalAgentBudget
	usage   []domain.BudgetUsageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets: make(map[string]*domain.ExternalAgentBudget),
	}
}

func (s *MemoryStore) GetBudget(_ context.Context, agentID string, scope domain.BudgetScope) (*domain.ExternalAgentBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// копия, чтобы мутации снаружи не шли мимо блокировки
	return s.budgets[storeKey(agentID, scope)].Clone(), nil
}

func (s *MemoryStore) UpdateBudget(_ context.Context, agentID string, scope domain.BudgetScope, b *domain.ExternalAgentBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[storeKey(agentID, scope)] = b.Clone()
	return nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, agentID string, scope domain.BudgetScope, cost float64, at time.Time) (*domain.ExternalAgentBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[storeKey(agentID, scope)]
	if !ok {
		return nil, nil
	}
	b.MonthlySpentUSD += cost
	b.DailySpentUSD += cost
	b.MonthlyExecutionCount++
	b.UpdatedAt = at
	return b.Clone(), nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, rec domain.BudgetUsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

// GetPeriodUsage агрегирует записи в полуинтервале [start, end)
func (s *MemoryStore) GetPeriodUsage(_ context.Context, agentID string, scope domain.BudgetScope, start, end time.Time) (domain.PeriodUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := scope.Key()
	var out domain.PeriodUsage
	for _, r := range s.usage {
		if r.AgentID != agentID || r.Scope.Key() != key {
			continue
		}
		if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			continue
		}
		out.TotalCost += r.Cost
		out.Invocations++
		if r.Success {
			out.SuccessfulCalls++
		} else {
			out.FailedCalls++
		}
	}
	return out, nil
}

// ResetPeriodUsage обнуляет счётчики периода. Лимиты и история не трогаются.
func (s *MemoryStore) ResetPeriodUsage(_ context.Context, agentID string, scope domain.BudgetScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.budgets[storeKey(agentID, scope)]; ok {
		b.MonthlySpentUSD = 0
		b.DailySpentUSD = 0
		b.MonthlyExecutionCount = 0
		b.UpdatedAt = time.Now().UTC()
	}
	return nil
}
