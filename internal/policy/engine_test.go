package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra"
	"go.uber.org/zap"
)

func newTestEngine(strategy domain.ConflictResolutionStrategy) *Engine {
	return NewEngine(Options{FailClosed: true, Strategy: strategy}, nil, nil, zap.NewNop())
}

func ctxFor(env, provider string) domain.PolicyContext {
	return domain.PolicyContext{
		Principal: domain.Principal{
			ExternalAgentID: "agent-1",
			Provider:        provider,
			Environment:     env,
			OrganizationID:  "org-1",
		},
		Action:   "invoke",
		Resource: "agent-1",
	}
}

func TestEngine_DenyOverridesAcrossPolicies(t *testing.T) {
	e := newTestEngine(domain.DenyOverrides)
	ctx := context.Background()

	e.AddPolicy(domain.Policy{
		ID: "block_development", Name: "Block development", Effect: domain.EffectDeny, Priority: 1, Enabled: true,
		Conditions: []domain.PolicyCondition{domain.EnvironmentCondition{Environments: []string{"development"}}},
	})

	res := e.Evaluate(ctx, ctxFor("development", "openai"))
	assert.Equal(t, domain.EffectDeny, res.Effect)
	assert.Contains(t, res.MatchedPolicies, "block_development")

	res = e.Evaluate(ctx, ctxFor("production", "custom_http"))
	assert.Equal(t, domain.EffectDeny, res.Effect)
	assert.Equal(t, "No matching policies (default)", res.Reason)

	e.AddPolicy(domain.Policy{
		ID: "allow_production", Name: "Allow production", Effect: domain.EffectAllow, Priority: 2, Enabled: true,
		Conditions: []domain.PolicyCondition{domain.EnvironmentCondition{Environments: []string{"production"}}},
	})
	res = e.Evaluate(ctx, ctxFor("production", "custom_http"))
	assert.Equal(t, domain.EffectAllow, res.Effect)
	assert.Equal(t, []string{"allow_production"}, res.MatchedPolicies)

	e.AddPolicy(domain.Policy{
		ID: "block_custom_http", Name: "Block custom HTTP", Effect: domain.EffectDeny, Priority: 1, Enabled: true,
		Conditions: []domain.PolicyCondition{domain.ProviderCondition{Providers: []string{"custom_http"}}},
	})
	res = e.Evaluate(ctx, ctxFor("production", "custom_http"))
	assert.Equal(t, domain.EffectDeny, res.Effect)
	assert.Equal(t, []string{"block_custom_http"}, res.MatchedPolicies)
}

func TestEngine_NoPolicies(t *testing.T) {
	tests := []struct {
		name       string
		failClosed bool
		want       domain.PolicyEffect
	}{
		{name: "fail closed", failClosed: true, want: domain.EffectDeny},
		{name: "fail open", failClosed: false, want: domain.EffectAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(Options{FailClosed: tt.failClosed}, nil, nil, zap.NewNop())
			res := e.Evaluate(context.Background(), ctxFor("production", "openai"))
			assert.Equal(t, tt.want, res.Effect)
			assert.Equal(t, "No policies configured", res.Reason)
			assert.Empty(t, res.MatchedPolicies)
		})
	}
}

func TestEngine_Strategies(t *testing.T) {
	policies := []domain.Policy{
		{ID: "allow-low", Name: "allow low", Effect: domain.EffectAllow, Priority: 1, Enabled: true},
		{ID: "deny-mid", Name: "deny mid", Effect: domain.EffectDeny, Priority: 5, Enabled: true},
		{ID: "allow-high", Name: "allow high", Effect: domain.EffectAllow, Priority: 10, Enabled: true},
	}

	tests := []struct {
		strategy    domain.ConflictResolutionStrategy
		wantEffect  domain.PolicyEffect
		wantMatched []string
	}{
		{domain.DenyOverrides, domain.EffectDeny, []string{"deny-mid"}},
		{domain.AllowOverrides, domain.EffectAllow, []string{"allow-high", "allow-low"}},
		{domain.FirstMatch, domain.EffectAllow, []string{"allow-high"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			e := newTestEngine(tt.strategy)
			for _, p := range policies {
				e.AddPolicy(p)
			}
			res := e.Evaluate(context.Background(), ctxFor("production", "openai"))
			assert.Equal(t, tt.wantEffect, res.Effect)
			assert.Equal(t, tt.wantMatched, res.MatchedPolicies)
		})
	}
}

func TestEngine_FirstMatchTieKeepsInsertionOrder(t *testing.T) {
	e := newTestEngine(domain.FirstMatch)
	e.AddPolicy(domain.Policy{ID: "first", Effect: domain.EffectDeny, Priority: 3, Enabled: true})
	e.AddPolicy(domain.Policy{ID: "second", Effect: domain.EffectAllow, Priority: 3, Enabled: true})

	for i := 0; i < 5; i++ {
		res := e.Evaluate(context.Background(), ctxFor("production", "openai"))
		require.Equal(t, []string{"first"}, res.MatchedPolicies)
		require.Equal(t, domain.EffectDeny, res.Effect)
	}
}

func TestEngine_DisabledPolicyIgnored(t *testing.T) {
	e := newTestEngine(domain.DenyOverrides)
	e.AddPolicy(domain.Policy{ID: "deny-all", Effect: domain.EffectDeny, Priority: 10, Enabled: false})
	e.AddPolicy(domain.Policy{ID: "allow-all", Effect: domain.EffectAllow, Priority: 1, Enabled: true})

	res := e.Evaluate(context.Background(), ctxFor("production", "openai"))
	assert.Equal(t, domain.EffectAllow, res.Effect)
}

func TestEngine_Conditions(t *testing.T) {
	// среда 2026-03-04, 10:30 UTC
	at := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

	base := domain.PolicyContext{
		Principal: domain.Principal{
			Environment: "production",
			Provider:    "openai",
			TeamID:      "team-a",
			Roles:       []string{"developer", "viewer"},
		},
		IPAddress:  "10.1.2.3",
		Time:       at,
		Attributes: map[string]interface{}{"region": "eu", "tier": 2},
	}

	tests := []struct {
		name string
		cond domain.PolicyCondition
		ctx  func(c domain.PolicyContext) domain.PolicyContext
		want bool
	}{
		{"env empty list", domain.EnvironmentCondition{}, nil, true},
		{"env mismatch", domain.EnvironmentCondition{Environments: []string{"staging"}}, nil, false},
		{"time inside", domain.TimeCondition{StartTime: "09:00", EndTime: "18:00"}, nil, true},
		{"time inclusive end", domain.TimeCondition{StartTime: "09:00", EndTime: "10:30"}, nil, true},
		{"time outside", domain.TimeCondition{StartTime: "11:00", EndTime: "18:00"}, nil, false},
		{"time overnight", domain.TimeCondition{StartTime: "22:00", EndTime: "06:00"}, nil, false},
		{"time malformed ignored", domain.TimeCondition{StartTime: "9am", EndTime: "18:00"}, nil, true},
		{"weekday match", domain.TimeCondition{DaysOfWeek: []int{2}}, nil, true},
		{"weekday mismatch", domain.TimeCondition{DaysOfWeek: []int{5, 6}}, nil, false},
		{"ip literal", domain.IPCondition{AllowedIPs: []string{"10.1.2.3"}}, nil, true},
		{"ip cidr", domain.IPCondition{AllowedIPs: []string{"10.0.0.0/8"}}, nil, true},
		{"ip outside", domain.IPCondition{AllowedIPs: []string{"192.168.0.0/16"}}, nil, false},
		{"ip missing", domain.IPCondition{AllowedIPs: []string{"10.0.0.0/8"}}, func(c domain.PolicyContext) domain.PolicyContext {
			c.IPAddress = ""
			return c
		}, false},
		{"ip garbage", domain.IPCondition{AllowedIPs: []string{"10.0.0.0/8"}}, func(c domain.PolicyContext) domain.PolicyContext {
			c.IPAddress = "not-an-ip"
			return c
		}, false},
		{"role intersection", domain.RoleCondition{Roles: []string{"admin", "viewer"}}, nil, true},
		{"role none", domain.RoleCondition{Roles: []string{"admin"}}, nil, false},
		{"team", domain.TeamCondition{TeamIDs: []string{"team-a"}}, nil, true},
		{"team mismatch", domain.TeamCondition{TeamIDs: []string{"team-b"}}, nil, false},
		{"custom equal", domain.CustomCondition{Attributes: map[string]interface{}{"region": "eu", "tier": 2.0}}, nil, true},
		{"custom missing key", domain.CustomCondition{Attributes: map[string]interface{}{"owner": "x"}}, nil, false},
		{"provider", domain.ProviderCondition{Providers: []string{"openai"}}, nil, true},
		{"unknown type", domain.UnknownCondition{Kind: "geo"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(Options{FailClosed: false, Strategy: domain.DenyOverrides}, nil, nil, zap.NewNop())
			e.AddPolicy(domain.Policy{
				ID: "p", Name: "p", Effect: domain.EffectDeny, Priority: 1, Enabled: true,
				Conditions: []domain.PolicyCondition{tt.cond},
			})
			c := base
			if tt.ctx != nil {
				c = tt.ctx(c)
			}
			res := e.Evaluate(context.Background(), c)
			// fail-open по умолчанию: DENY означает, что условие совпало
			assert.Equal(t, tt.want, res.Effect == domain.EffectDeny)
		})
	}
}

func TestEngine_Mutators(t *testing.T) {
	e := newTestEngine(domain.DenyOverrides)
	e.AddPolicy(domain.Policy{ID: "a", Name: "A"})
	e.AddPolicy(domain.Policy{ID: "b", Name: "B"})
	e.AddPolicy(domain.Policy{ID: "a", Name: "A2"})

	list := e.ListPolicies()
	require.Len(t, list, 2)
	assert.Equal(t, "A2", list[0].Name)

	p, ok := e.GetPolicy("b")
	assert.True(t, ok)
	assert.Equal(t, "B", p.Name)

	assert.True(t, e.RemovePolicy("a"))
	assert.False(t, e.RemovePolicy("a"))
	_, ok = e.GetPolicy("a")
	assert.False(t, ok)

	e.ClearPolicies()
	assert.Empty(t, e.ListPolicies())
}

type fakeRepo struct {
	mu       sync.Mutex
	policies []domain.Policy
	err      error
	saved    []string
	deleted  []string
}

func (f *fakeRepo) GetAllPolicies(context.Context) ([]domain.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policies, f.err
}

func (f *fakeRepo) set(list []domain.Policy) {
	f.mu.Lock()
	f.policies = list
	f.mu.Unlock()
}

func (f *fakeRepo) UpsertPolicy(_ context.Context, p *domain.Policy) error {
	f.saved = append(f.saved, p.ID)
	return f.err
}

func (f *fakeRepo) DeletePolicy(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.err
}

func TestEngine_Refresh(t *testing.T) {
	repo := &fakeRepo{policies: []domain.Policy{
		{ID: "from-db", Effect: domain.EffectAllow, Enabled: true},
	}}
	e := NewEngine(Options{FailClosed: true}, repo, nil, zap.NewNop())
	e.AddPolicy(domain.Policy{ID: "stale", Effect: domain.EffectDeny, Enabled: true})

	require.NoError(t, e.Refresh(context.Background()))
	list := e.ListPolicies()
	require.Len(t, list, 1)
	assert.Equal(t, "from-db", list[0].ID)

	repo.err = errors.New("db down")
	assert.Error(t, e.Refresh(context.Background()))
	assert.Len(t, e.ListPolicies(), 1, "cache survives failed refresh")
}

func TestEngine_SavePublishesUpdate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, infra.RedisChanPolicyUpdate)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	repo := &fakeRepo{}
	e := NewEngine(Options{FailClosed: true}, repo, rdb, zap.NewNop())
	require.NoError(t, e.SavePolicy(ctx, domain.Policy{ID: "p1", Effect: domain.EffectAllow, Enabled: true}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "refresh", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("policy update signal not received")
	}

	assert.Equal(t, []string{"p1"}, repo.saved)
	_, ok := e.GetPolicy("p1")
	assert.True(t, ok)

	require.NoError(t, e.DeletePolicy(ctx, "p1"))
	assert.Equal(t, []string{"p1"}, repo.deleted)
	_, ok = e.GetPolicy("p1")
	assert.False(t, ok)
}

func TestEngine_ListenerRefreshesOnSignal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	repo := &fakeRepo{}
	e := NewEngine(Options{FailClosed: true}, repo, rdb, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.StartListener(ctx)
		close(done)
	}()

	// ждём подписку
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	repo.set([]domain.Policy{{ID: "new", Effect: domain.EffectAllow, Enabled: true}})
	mr.Publish(infra.RedisChanPolicyUpdate, "refresh")

	assert.Eventually(t, func() bool {
		_, ok := e.GetPolicy("new")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestLoadFile(t *testing.T) {
	doc := `
policies:
  - policy_id: block_development
    name: Block development
    effect: DENY
    priority: 100
    conditions:
      - type: environment
        environments: [development]
  - policy_id: office_hours
    effect: ALLOW
    priority: 10
    enabled: false
    conditions:
      - type: time
        start_time: "09:00"
        end_time: "18:00"
        days_of_week: [0, 1, 2, 3, 4]
      - type: ip
        allowed_ips: ["10.0.0.0/8"]
`
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	e := newTestEngine(domain.DenyOverrides)
	n, err := e.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, ok := e.GetPolicy("block_development")
	require.True(t, ok)
	assert.True(t, p.Enabled)
	assert.Equal(t, domain.EnvironmentCondition{Environments: []string{"development"}}, p.Conditions[0])

	p, ok = e.GetPolicy("office_hours")
	require.True(t, ok)
	assert.False(t, p.Enabled)
	assert.Equal(t, "office_hours", p.Name)
	require.Len(t, p.Conditions, 2)
	assert.Equal(t, domain.ConditionTime, p.Conditions[0].Type())
}

func TestParsePolicies_Invalid(t *testing.T) {
	_, err := ParsePolicies([]byte("policies:\n  - name: no id\n    effect: ALLOW\n"))
	assert.Error(t, err)

	_, err = ParsePolicies([]byte("policies:\n  - policy_id: x\n    effect: MAYBE\n"))
	assert.Error(t, err)
}

func TestEngine_RefreshKeepsFilePolicies(t *testing.T) {
	doc := `
policies:
  - policy_id: block_development
    effect: DENY
    priority: 100
    conditions:
      - type: environment
        environments: [development]
  - policy_id: allow_all
    effect: ALLOW
    priority: 1
  - policy_id: block_custom_http
    effect: DENY
    priority: 50
    conditions:
      - type: provider
        providers: [custom_http]
`
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	repo := &fakeRepo{policies: []domain.Policy{
		{ID: "from-db", Effect: domain.EffectAllow, Enabled: true},
		// из БД можно выключить файловую политику
		{ID: "block_custom_http", Effect: domain.EffectDeny, Enabled: false},
	}}
	e := NewEngine(Options{FailClosed: true}, repo, nil, zap.NewNop())
	ctx := context.Background()

	n, err := e.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, e.Refresh(ctx))
	require.NoError(t, e.Refresh(ctx), "repeated refresh signal")

	var ids []string
	for _, p := range e.ListPolicies() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"block_development", "allow_all", "block_custom_http", "from-db"}, ids)

	res := e.Evaluate(ctx, ctxFor("development", "openai"))
	assert.Equal(t, domain.EffectDeny, res.Effect)
	assert.Contains(t, res.MatchedPolicies, "block_development")

	res = e.Evaluate(ctx, ctxFor("production", "custom_http"))
	assert.Equal(t, domain.EffectAllow, res.Effect, "stored override disables file policy")

	require.NoError(t, e.DeletePolicy(ctx, "block_custom_http"))
	p, ok := e.GetPolicy("block_custom_http")
	require.True(t, ok, "file version comes back after the stored override is deleted")
	assert.True(t, p.Enabled)
}
