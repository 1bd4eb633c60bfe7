package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

var testScope = domain.BudgetScope{OrganizationID: "org-1", AgentID: "agent-1"}

func newTestEnforcer(store Store) *Enforcer {
	return NewEnforcer(store, DefaultConfig(), zap.NewNop())
}

func ptr(v float64) *float64 { return &v }

func TestMonthlyBudgetExhaustedAfterTenCalls(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newTestEnforcer(store)

	b, err := e.ConfigureBudget(ctx, "agent-1", testScope, domain.ExternalAgentBudget{
		MonthlyBudgetUSD:      50.0,
		MonthlyExecutionLimit: 1000,
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		res := e.CheckBudget(b, 5.0, 0)
		require.True(t, res.Allowed, "invocation %d", i)
		b = e.RecordUsage(ctx, testScope, b, 5.0, true, nil, "")
	}
	assert.Equal(t, 50.0, b.MonthlySpentUSD)

	res := e.CheckBudget(b, 5.0, 0)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0.0, res.RemainingBudgetUSD)
	assert.Contains(t, res.Reason, "budget")

	stored := e.GetBudget(ctx, "agent-1", testScope)
	require.NotNil(t, stored)
	assert.Equal(t, 50.0, stored.MonthlySpentUSD)
	assert.Equal(t, 10, stored.MonthlyExecutionCount)
}

func TestCheckBudget(t *testing.T) {
	tests := []struct {
		name         string
		budget       domain.ExternalAgentBudget
		cost         float64
		wantAllowed  bool
		wantDegraded bool
		wantWarning  bool
		wantReason   string
	}{
		{
			name:        "within budget",
			budget:      domain.ExternalAgentBudget{MonthlyBudgetUSD: 100, MonthlySpentUSD: 10},
			cost:        5,
			wantAllowed: true,
			wantReason:  "Within budget",
		},
		{
			name:        "warning threshold",
			budget:      domain.ExternalAgentBudget{MonthlyBudgetUSD: 100, MonthlySpentUSD: 85},
			cost:        1,
			wantAllowed: true,
			wantWarning: true,
			wantReason:  "warning",
		},
		{
			name:         "degradation threshold",
			budget:       domain.ExternalAgentBudget{MonthlyBudgetUSD: 100, MonthlySpentUSD: 92},
			cost:         1,
			wantAllowed:  true,
			wantDegraded: true,
			wantWarning:  true,
			wantReason:   "degraded",
		},
		{
			name:       "hard monthly",
			budget:     domain.ExternalAgentBudget{MonthlyBudgetUSD: 100, MonthlySpentUSD: 98, EnforcementMode: domain.EnforcementHard},
			cost:       5,
			wantReason: "Monthly budget exceeded",
		},
		{
			name:         "soft monthly",
			budget:       domain.ExternalAgentBudget{MonthlyBudgetUSD: 100, MonthlySpentUSD: 98, EnforcementMode: domain.EnforcementSoft},
			cost:         5,
			wantAllowed:  true,
			wantDegraded: true,
			wantReason:   "Monthly budget exceeded",
		},
		{
			name: "daily checked after monthly",
			budget: domain.ExternalAgentBudget{
				MonthlyBudgetUSD: 100, MonthlySpentUSD: 10,
				DailyBudgetUSD: ptr(10), DailySpentUSD: 8,
			},
			cost:       5,
			wantReason: "Daily budget exceeded",
		},
		{
			name: "monthly wins over daily",
			budget: domain.ExternalAgentBudget{
				MonthlyBudgetUSD: 100, MonthlySpentUSD: 99,
				DailyBudgetUSD: ptr(10), DailySpentUSD: 9,
			},
			cost:       5,
			wantReason: "Monthly budget exceeded",
		},
		{
			name: "execution limit",
			budget: domain.ExternalAgentBudget{
				MonthlyBudgetUSD: 100, MonthlySpentUSD: 10,
				MonthlyExecutionLimit: 3, MonthlyExecutionCount: 3,
			},
			cost:       1,
			wantReason: "execution limit",
		},
		{
			name:       "zero budget",
			budget:     domain.ExternalAgentBudget{},
			cost:       1,
			wantReason: "Monthly budget exceeded",
		},
	}

	e := newTestEnforcer(NewMemoryStore())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.budget
			res := e.CheckBudget(&b, tt.cost, 0)
			assert.Equal(t, tt.wantAllowed, res.Allowed)
			assert.Equal(t, tt.wantDegraded, res.DegradedMode)
			assert.Equal(t, tt.wantWarning, res.WarningTriggered)
			assert.Contains(t, res.Reason, tt.wantReason)
		})
	}
}

func TestCheckBudget_ZeroBudgetPercentage(t *testing.T) {
	e := newTestEnforcer(NewMemoryStore())
	res := e.CheckBudget(&domain.ExternalAgentBudget{MonthlySpentUSD: 5}, 0, 0)
	assert.Equal(t, 0.0, res.UsagePercentage)
}

func TestRecordUsage_CountsFailedCalls(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newTestEnforcer(store)

	b := &domain.ExternalAgentBudget{ExternalAgentID: "agent-1", MonthlyBudgetUSD: 100}
	costs := []float64{1.5, 2.5, 3}
	for i, c := range costs {
		b = e.RecordUsage(ctx, testScope, b, c, i%2 == 0, map[string]interface{}{"i": i}, "")
	}
	assert.InDelta(t, 7.0, b.MonthlySpentUSD, 1e-9)
	assert.InDelta(t, 7.0, b.DailySpentUSD, 1e-9)
	assert.Equal(t, 3, b.MonthlyExecutionCount)

	start, end := domain.MonthBounds(time.Now())
	u, err := e.GetPeriodUsage(ctx, "agent-1", testScope, start, end)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Invocations)
	assert.Equal(t, 2, u.SuccessfulCalls)
	assert.Equal(t, 1, u.FailedCalls)
	assert.InDelta(t, 7.0, u.TotalCost, 1e-9)
}

type failingStore struct{ *MemoryStore }

func (failingStore) GetBudget(context.Context, string, domain.BudgetScope) (*domain.ExternalAgentBudget, error) {
	return nil, errors.New("store down")
}

func (failingStore) UpdateBudget(context.Context, string, domain.BudgetScope, *domain.ExternalAgentBudget) error {
	return errors.New("store down")
}

func (failingStore) RecordUsage(context.Context, domain.BudgetUsageRecord) error {
	return errors.New("store down")
}

func TestStoreFailuresAreAbsorbed(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(failingStore{NewMemoryStore()})

	res := e.CheckAgentBudget(ctx, "agent-1", testScope, 100, 0)
	assert.True(t, res.Allowed)
	assert.Equal(t, "No budget configured", res.Reason)

	b := &domain.ExternalAgentBudget{ExternalAgentID: "agent-1", MonthlyBudgetUSD: 10}
	b = e.RecordUsage(ctx, testScope, b, 2, true, nil, "inv-1")
	assert.Equal(t, 2.0, b.MonthlySpentUSD)

	status := e.GetBudgetStatus(ctx, "agent-1", testScope)
	assert.Zero(t, status.CostLimit)
	assert.False(t, status.PeriodStart.IsZero())
}

type recordingAlerter struct {
	thresholds []float64
}

func (r *recordingAlerter) BudgetThresholdCrossed(_ context.Context, _ string, _ domain.BudgetScope, threshold, _ float64) {
	r.thresholds = append(r.thresholds, threshold)
}

func TestAlertsFireOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newTestEnforcer(store)
	alerter := &recordingAlerter{}
	e.SetAlerter(alerter)

	b, err := e.ConfigureBudget(ctx, "agent-1", testScope, domain.ExternalAgentBudget{MonthlyBudgetUSD: 100})
	require.NoError(t, err)

	b = e.RecordUsage(ctx, testScope, b, 60, true, nil, "")
	assert.Equal(t, []float64{0.5}, alerter.thresholds)

	b = e.RecordUsage(ctx, testScope, b, 1, true, nil, "")
	assert.Equal(t, []float64{0.5}, alerter.thresholds, "no repeat below next threshold")

	b = e.RecordUsage(ctx, testScope, b, 35, true, nil, "")
	assert.Equal(t, []float64{0.5, 0.75, 0.9}, alerter.thresholds)

	require.NoError(t, e.ResetPeriod(ctx, "agent-1", testScope))
	b = e.GetBudget(ctx, "agent-1", testScope)
	require.NotNil(t, b)
	e.RecordUsage(ctx, testScope, b, 60, true, nil, "")
	assert.Equal(t, []float64{0.5, 0.75, 0.9, 0.5}, alerter.thresholds, "alerts re-arm after reset")
}

func TestResetPeriod_Rollover(t *testing.T) {
	tests := []struct {
		name       string
		rollover   bool
		spent      float64
		wantBudget float64
	}{
		{name: "capped by percentage", rollover: true, spent: 20, wantBudget: 125},
		{name: "capped by unused", rollover: true, spent: 90, wantBudget: 110},
		{name: "overspent", rollover: true, spent: 120, wantBudget: 100},
		{name: "disabled", rollover: false, spent: 20, wantBudget: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := DefaultConfig()
			cfg.RolloverEnabled = tt.rollover
			e := NewEnforcer(NewMemoryStore(), cfg, zap.NewNop())

			b, err := e.ConfigureBudget(ctx, "agent-1", testScope, domain.ExternalAgentBudget{MonthlyBudgetUSD: 100})
			require.NoError(t, err)
			e.RecordUsage(ctx, testScope, b, tt.spent, true, nil, "")

			require.NoError(t, e.ResetPeriod(ctx, "agent-1", testScope))
			got := e.GetBudget(ctx, "agent-1", testScope)
			require.NotNil(t, got)
			assert.InDelta(t, tt.wantBudget, got.MonthlyBudgetUSD, 1e-9)
			assert.Zero(t, got.MonthlySpentUSD)
			assert.Zero(t, got.MonthlyExecutionCount)
		})
	}
}

func TestResetDaily(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(NewMemoryStore())
	b, err := e.ConfigureBudget(ctx, "agent-1", testScope, domain.ExternalAgentBudget{
		MonthlyBudgetUSD: 100, DailyBudgetUSD: ptr(10),
	})
	require.NoError(t, err)
	e.RecordUsage(ctx, testScope, b, 9, true, nil, "")

	require.NoError(t, e.ResetDaily(ctx, "agent-1", testScope))
	got := e.GetBudget(ctx, "agent-1", testScope)
	assert.Zero(t, got.DailySpentUSD)
	assert.Equal(t, 9.0, got.MonthlySpentUSD)
}

func TestGetBudgetStatus(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(NewMemoryStore())

	status := e.GetBudgetStatus(ctx, "agent-1", testScope)
	assert.Zero(t, status.CostUsed)
	assert.False(t, status.LimitExceeded)
	assert.True(t, status.PeriodEnd.After(status.PeriodStart))

	b, err := e.ConfigureBudget(ctx, "agent-1", testScope, domain.ExternalAgentBudget{
		MonthlyBudgetUSD: 10, MonthlyExecutionLimit: 4,
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		b = e.RecordUsage(ctx, testScope, b, 2, true, nil, "")
	}

	status = e.GetBudgetStatus(ctx, "agent-1", testScope)
	assert.Equal(t, 8.0, status.CostUsed)
	assert.InDelta(t, 2.0, status.CostRemaining, 1e-9)
	assert.Equal(t, 0, status.InvocationsRemaining)
	assert.True(t, status.WarningTriggered)
	assert.True(t, status.LimitExceeded, "invocation percentage reached 100%")
}

func TestConfigureBudget_KeepsCounters(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(NewMemoryStore())
	b, err := e.ConfigureBudget(ctx, "agent-1", testScope, domain.ExternalAgentBudget{MonthlyBudgetUSD: 10})
	require.NoError(t, err)
	e.RecordUsage(ctx, testScope, b, 3, true, nil, "")

	b, err = e.ConfigureBudget(ctx, "agent-1", testScope, domain.ExternalAgentBudget{
		MonthlyBudgetUSD: 20, EnforcementMode: domain.EnforcementSoft,
	})
	require.NoError(t, err)
	assert.Equal(t, 3.0, b.MonthlySpentUSD)
	assert.Equal(t, domain.EnforcementSoft, b.EnforcementMode)

	_, err = e.ConfigureBudget(ctx, "agent-1", testScope, domain.ExternalAgentBudget{EnforcementMode: "strict"})
	assert.Error(t, err)
}

func TestScopeKeyDeterministic(t *testing.T) {
	a := domain.BudgetScope{OrganizationID: "o", TeamID: "t", AgentID: "a"}
	b := domain.BudgetScope{OrganizationID: "o", TeamID: "t", AgentID: "a"}
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "org:o:team:t:agent:a", a.Key())
}

func TestCheckAgentBudget_Hierarchy(t *testing.T) {
	orgScope := domain.BudgetScope{OrganizationID: "org-1", AgentID: "agent-1"}
	teamScope := domain.BudgetScope{OrganizationID: "org-1", TeamID: "team-1", AgentID: "agent-1"}
	userScope := domain.BudgetScope{OrganizationID: "org-1", TeamID: "team-1", UserID: "user-1", AgentID: "agent-1"}

	tests := []struct {
		name        string
		budgets     map[domain.BudgetScope]domain.ExternalAgentBudget
		cost        float64
		wantAllowed bool
		wantReason  string
		wantRemain  float64
	}{
		{
			name:       "org budget applies to user call",
			budgets:    map[domain.BudgetScope]domain.ExternalAgentBudget{orgScope: {MonthlyBudgetUSD: 1}},
			cost:       5,
			wantReason: "Monthly budget exceeded",
			wantRemain: 1,
		},
		{
			name: "user level denies under generous org",
			budgets: map[domain.BudgetScope]domain.ExternalAgentBudget{
				orgScope:  {MonthlyBudgetUSD: 1000},
				userScope: {MonthlyBudgetUSD: 2},
			},
			cost:       5,
			wantReason: "Monthly budget exceeded",
			wantRemain: 2,
		},
		{
			name: "hard team denial beats soft org degradation",
			budgets: map[domain.BudgetScope]domain.ExternalAgentBudget{
				orgScope:  {MonthlyBudgetUSD: 1, EnforcementMode: domain.EnforcementSoft},
				teamScope: {MonthlyBudgetUSD: 3},
			},
			cost:       5,
			wantReason: "Monthly budget exceeded: estimated cost $5.00 exceeds remaining $3.00",
			wantRemain: 3,
		},
		{
			name: "smallest remaining reported when all allow",
			budgets: map[domain.BudgetScope]domain.ExternalAgentBudget{
				orgScope:  {MonthlyBudgetUSD: 500},
				teamScope: {MonthlyBudgetUSD: 50},
			},
			cost:        5,
			wantAllowed: true,
			wantReason:  "Within budget",
			wantRemain:  50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEnforcer(NewMemoryStore())
			for scope, limits := range tt.budgets {
				_, err := e.ConfigureBudget(ctx, "agent-1", scope, limits)
				require.NoError(t, err)
			}

			res := e.CheckAgentBudget(ctx, "agent-1", userScope, tt.cost, 0)
			assert.Equal(t, tt.wantAllowed, res.Allowed)
			assert.Contains(t, res.Reason, tt.wantReason)
			assert.InDelta(t, tt.wantRemain, res.RemainingBudgetUSD, 1e-9)
		})
	}
}

func TestRecordScopedUsage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newTestEnforcer(store)

	orgScope := domain.BudgetScope{OrganizationID: "org-1", AgentID: "agent-1"}
	userScope := domain.BudgetScope{OrganizationID: "org-1", UserID: "user-1", AgentID: "agent-1"}

	_, ok := e.RecordScopedUsage(ctx, "agent-1", userScope, 1, true, nil, "")
	assert.False(t, ok, "nothing configured")

	_, err := e.ConfigureBudget(ctx, "agent-1", orgScope, domain.ExternalAgentBudget{MonthlyBudgetUSD: 10})
	require.NoError(t, err)

	b, ok := e.RecordScopedUsage(ctx, "agent-1", userScope, 3, true, nil, "inv-1")
	require.True(t, ok)
	assert.Equal(t, 3.0, b.MonthlySpentUSD)

	org := e.GetBudget(ctx, "agent-1", orgScope)
	require.NotNil(t, org)
	assert.Equal(t, 3.0, org.MonthlySpentUSD)
	assert.Nil(t, e.GetBudget(ctx, "agent-1", userScope), "unconfigured levels are not created")

	status := e.GetBudgetStatus(ctx, "agent-1", userScope)
	assert.Equal(t, orgScope, status.Scope)
	assert.Equal(t, 3.0, status.CostUsed)
}

func TestRecordUsage_ConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(NewMemoryStore())
	b, err := e.ConfigureBudget(ctx, "agent-1", testScope, domain.ExternalAgentBudget{MonthlyBudgetUSD: 1000})
	require.NoError(t, err)

	// каждый писатель держит свой устаревший снимок, как второй процесс
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(snapshot *domain.ExternalAgentBudget) {
			defer wg.Done()
			e.RecordUsage(ctx, testScope, snapshot, 1, true, nil, "")
		}(b.Clone())
	}
	wg.Wait()

	got := e.GetBudget(ctx, "agent-1", testScope)
	require.NotNil(t, got)
	assert.InDelta(t, 50.0, got.MonthlySpentUSD, 1e-9)
	assert.Equal(t, 50, got.MonthlyExecutionCount)
}
