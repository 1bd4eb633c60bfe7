package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu        sync.Mutex
	approvers []string
	decisions []domain.ApprovalStatus
}

func (n *recordingNotifier) NotifyApprovers(_ context.Context, req *domain.ApprovalRequest, _, _ []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approvers = append(n.approvers, req.ID)
}

func (n *recordingNotifier) NotifyRequester(_ context.Context, _ *domain.ApprovalRequest, decision domain.ApprovalStatus, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decisions = append(n.decisions, decision)
}

func defaultConfig() Config {
	return Config{CostThreshold: 10, TTL: time.Hour, RequiredApprovals: 1}
}

func newTestManager(cfg Config) (*Manager, *MemoryStore, *recordingNotifier) {
	store := NewMemoryStore()
	n := &recordingNotifier{}
	return NewManager(store, cfg, n, nil, zap.NewNop()), store, n
}

func create(t *testing.T, m *Manager, required int) *domain.ApprovalRequest {
	t.Helper()
	cost := 25.0
	req, err := m.CreateRequest(context.Background(), CreateParams{
		AgentID:           "agent-1",
		OrganizationID:    "org-1",
		UserID:            "user-001",
		TriggerReason:     string(domain.TriggerCostThreshold),
		Payload:           "summarize quarterly report",
		EstimatedCost:     &cost,
		RequiredApprovals: required,
	})
	require.NoError(t, err)
	return req
}

func TestApproveThenAlreadyDecided(t *testing.T) {
	ctx := context.Background()
	m, _, n := newTestManager(defaultConfig())
	req := create(t, m, 1)
	assert.Equal(t, domain.StatusPending, req.Status)
	require.NotNil(t, req.ExpiresAt)

	got, err := m.Approve(ctx, req.ID, "approver-1", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)

	_, err = m.Approve(ctx, req.ID, "approver-2", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)

	assert.Equal(t, []string{req.ID}, n.approvers)
	assert.Equal(t, []domain.ApprovalStatus{domain.StatusApproved}, n.decisions)
}

func TestExpiredRequestCannotBeDecided(t *testing.T) {
	ctx := context.Background()
	m, store, n := newTestManager(defaultConfig())
	req := create(t, m, 1)

	stored, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	stored.ExpiresAt = &past
	require.NoError(t, store.Save(ctx, stored))

	_, err = m.Approve(ctx, req.ID, "approver-1", "")
	assert.ErrorIs(t, err, domain.ErrApprovalExpired)

	expired, err := m.ProcessExpiredRequests(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, req.ID, expired[0].ID)
	assert.Equal(t, domain.StatusExpired, expired[0].Status)

	stored, err = store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	assert.True(t, stored.IsExpired())
	assert.Contains(t, n.decisions, domain.StatusExpired)

	again, err := m.ProcessExpiredRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSelfApprovalRejectedByDefault(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(defaultConfig())
	req := create(t, m, 1)

	_, err := m.Approve(ctx, req.ID, "user-001", "")
	assert.ErrorIs(t, err, domain.ErrSelfApprovalNotAllowed)

	got, err := m.Approve(ctx, req.ID, "user-002", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
}

func TestSelfApprovalAllowedByConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.AllowSelfApproval = true
	m, _, _ := newTestManager(cfg)
	req := create(t, m, 1)

	got, err := m.Approve(context.Background(), req.ID, "user-001", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
}

func TestQuorum(t *testing.T) {
	ctx := context.Background()
	m, _, n := newTestManager(defaultConfig())
	req := create(t, m, 2)

	got, err := m.Approve(ctx, req.ID, "approver-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.False(t, got.IsApproved())
	assert.Empty(t, n.decisions, "partial approval does not notify requester")

	_, err = m.Approve(ctx, req.ID, "approver-1", "")
	assert.ErrorIs(t, err, domain.ErrDuplicateApprover)

	got, err = m.Approve(ctx, req.ID, "approver-2", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.True(t, got.IsApproved())
	assert.Len(t, got.Approvals, 2)
}

func TestRejectSingleVote(t *testing.T) {
	ctx := context.Background()
	m, _, n := newTestManager(defaultConfig())
	req := create(t, m, 3)

	_, err := m.Approve(ctx, req.ID, "approver-1", "")
	require.NoError(t, err)

	// отказ инициатора не блокируется правилом self-approval
	got, err := m.Reject(ctx, req.ID, "user-001", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	require.Len(t, got.Rejections, 1)
	assert.Equal(t, "changed my mind", got.Rejections[0].Reason)

	_, err = m.Reject(ctx, req.ID, "approver-2", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
	assert.Equal(t, []domain.ApprovalStatus{domain.StatusRejected}, n.decisions)
}

func TestEscalatedStillDecidable(t *testing.T) {
	ctx := context.Background()
	m, _, n := newTestManager(defaultConfig())
	req := create(t, m, 1)

	got, err := m.Escalate(ctx, req.ID, "needs security review")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEscalated, got.Status)
	assert.Equal(t, "needs security review", got.EscalationReason)
	assert.Len(t, n.approvers, 2, "escalation re-notifies approvers")

	got, err = m.Approve(ctx, req.ID, "approver-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
}

func TestGuardOrder(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(defaultConfig())

	_, err := m.Approve(ctx, "missing", "a", "")
	assert.ErrorIs(t, err, domain.ErrApprovalNotFound)
	_, err = m.Reject(ctx, "missing", "a", "")
	assert.ErrorIs(t, err, domain.ErrApprovalNotFound)
	_, err = m.Escalate(ctx, "missing", "")
	assert.ErrorIs(t, err, domain.ErrApprovalNotFound)

	// просроченный и уже решённый: expired побеждает
	req := create(t, m, 1)
	stored, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	stored.ExpiresAt = &past
	stored.Status = domain.StatusApproved
	require.NoError(t, store.Save(ctx, stored))
	_, err = m.Approve(ctx, req.ID, "user-001", "")
	assert.ErrorIs(t, err, domain.ErrApprovalExpired)
	_, err = m.Reject(ctx, req.ID, "user-001", "")
	assert.ErrorIs(t, err, domain.ErrApprovalExpired)

	// решённый и self-approval: already decided побеждает
	req = create(t, m, 1)
	_, err = m.Reject(ctx, req.ID, "approver-1", "")
	require.NoError(t, err)
	_, err = m.Approve(ctx, req.ID, "user-001", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
}

func TestUnauthorizedApprover(t *testing.T) {
	cfg := defaultConfig()
	cfg.ApproverIDs = []string{"approver-1"}
	m, _, _ := newTestManager(cfg)
	req := create(t, m, 1)

	_, err := m.Approve(context.Background(), req.ID, "intruder", "")
	assert.ErrorIs(t, err, domain.ErrUnauthorizedApprover)

	// self-approval проверяется раньше
	_, err = m.Approve(context.Background(), req.ID, "user-001", "")
	assert.ErrorIs(t, err, domain.ErrSelfApprovalNotAllowed)

	_, err = m.Approve(context.Background(), req.ID, "approver-1", "")
	assert.NoError(t, err)
}

func TestCheckApprovalRequired(t *testing.T) {
	cfg := defaultConfig()
	cfg.AlwaysApproveAgents = []string{"agent-critical"}
	cfg.SensitiveKeywords = []string{"DELETE FROM", "wire transfer"}
	m, _, _ := newTestManager(cfg)
	ctx := context.Background()

	cost := func(v float64) *float64 { return &v }

	tests := []struct {
		name     string
		agent    string
		payload  string
		cost     *float64
		required bool
		triggers []domain.ApprovalTrigger
	}{
		{"cheap", "agent-1", "hello", cost(5), false, []domain.ApprovalTrigger{}},
		{"no estimate", "agent-1", "hello", nil, false, []domain.ApprovalTrigger{}},
		{"at threshold", "agent-1", "hello", cost(10), false, []domain.ApprovalTrigger{}},
		{"over threshold", "agent-1", "hello", cost(10.01), true, []domain.ApprovalTrigger{domain.TriggerCostThreshold}},
		{"agent list", "agent-critical", "hello", nil, true, []domain.ApprovalTrigger{domain.TriggerAgentPolicy}},
		{"keyword", "agent-1", "please initiate a Wire Transfer", nil, true, []domain.ApprovalTrigger{domain.TriggerPayloadKeyword}},
		{"all", "agent-critical", "delete from users", cost(50), true, []domain.ApprovalTrigger{
			domain.TriggerCostThreshold, domain.TriggerAgentPolicy, domain.TriggerPayloadKeyword,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.CheckApprovalRequired(ctx, tt.agent, tt.payload, "user-1", "org-1", tt.cost)
			assert.Equal(t, tt.required, got.Required)
			assert.Equal(t, tt.triggers, got.Triggers)
		})
	}
}

func TestPendingQueries(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(defaultConfig())

	a := create(t, m, 1)
	b, err := m.CreateRequest(ctx, CreateParams{AgentID: "agent-2", OrganizationID: "org-2", UserID: "u"})
	require.NoError(t, err)
	c := create(t, m, 1)
	_, err = m.Approve(ctx, c.ID, "approver-1", "")
	require.NoError(t, err)

	all, err := m.GetPendingRequests(ctx, "approver-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	org1, err := m.GetPendingRequests(ctx, "approver-1", "org-1")
	require.NoError(t, err)
	require.Len(t, org1, 1)
	assert.Equal(t, a.ID, org1[0].ID)

	forAgent, err := m.GetPendingForAgent(ctx, "agent-2", "org-2")
	require.NoError(t, err)
	require.Len(t, forAgent, 1)
	assert.Equal(t, b.ID, forAgent[0].ID)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	req := &domain.ApprovalRequest{
		ID:                "req-1",
		RequiredApprovals: 2,
		Approvals:         []domain.ApprovalDecision{{ApproverID: "a", Decision: domain.DecisionApprove, DecidedAt: now}},
		Rejections:        []domain.ApprovalDecision{},
		Status:            domain.StatusPending,
		CreatedAt:         now,
	}
	require.NoError(t, store.Save(ctx, req))

	// мутация исходника не должна протекать в хранилище
	req.Approvals[0].ApproverID = "mutated"

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "a", got.Approvals[0].ApproverID)
	assert.Empty(t, got.Rejections)

	require.NoError(t, store.Delete(ctx, "req-1"))
	_, err = store.Get(ctx, "req-1")
	assert.ErrorIs(t, err, domain.ErrApprovalNotFound)
}

func TestDecisionSignal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := NewManager(NewMemoryStore(), defaultConfig(), nil, rdb, zap.NewNop())
	req := create(t, m, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result := make(chan domain.ApprovalStatus, 1)
	go func() {
		status, err := m.WaitForDecision(ctx, req.ID)
		if err == nil {
			result <- status
		}
		close(result)
	}()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := m.Approve(context.Background(), req.ID, "approver-1", "")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusApproved, <-result)

	// уже решённый запрос возвращается сразу
	status, err := m.WaitForDecision(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, status)
}

func TestApprovalRequestPredicates(t *testing.T) {
	past := time.Now().Add(-time.Second)
	req := &domain.ApprovalRequest{RequiredApprovals: 2, Status: domain.StatusApproved, ExpiresAt: &past}
	assert.True(t, req.IsExpired(), "expiry ignores status")

	req.Approvals = append(req.Approvals, domain.ApprovalDecision{ApproverID: "a"})
	assert.False(t, req.IsApproved())
	req.Approvals = append(req.Approvals, domain.ApprovalDecision{ApproverID: "b"})
	assert.True(t, req.IsApproved())
}

// concurrentStore: перед первой записью голоса другой процесс успевает сохранить свой голос
type concurrentStore struct {
	*MemoryStore
	once sync.Once
}

func (s *concurrentStore) Save(ctx context.Context, req *domain.ApprovalRequest) error {
	if len(req.Approvals) > 0 {
		s.once.Do(func() {
			other, err := s.MemoryStore.Get(ctx, req.ID)
			if err != nil {
				return
			}
			other.Approvals = append(other.Approvals, domain.ApprovalDecision{
				ApproverID: "approver-2",
				Decision:   domain.DecisionApprove,
				DecidedAt:  time.Now().UTC(),
			})
			_ = s.MemoryStore.Save(ctx, other)
		})
	}
	return s.MemoryStore.Save(ctx, req)
}

func TestApprove_ConcurrentVoteIsNotLost(t *testing.T) {
	ctx := context.Background()
	store := &concurrentStore{MemoryStore: NewMemoryStore()}
	m := NewManager(store, defaultConfig(), nil, nil, zap.NewNop())
	req := create(t, m, 2)

	got, err := m.Approve(ctx, req.ID, "approver-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	require.Len(t, got.Approvals, 2)
	assert.True(t, got.HasApprovalFrom("approver-1"))
	assert.True(t, got.HasApprovalFrom("approver-2"))

	stored, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Approvals, 2)
}

func TestMemoryStore_RejectsStaleWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, &domain.ApprovalRequest{ID: "req-1", Status: domain.StatusPending}))

	a, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	b, err := store.Get(ctx, "req-1")
	require.NoError(t, err)

	a.Status = domain.StatusApproved
	require.NoError(t, store.Save(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.Status = domain.StatusRejected
	assert.ErrorIs(t, store.Save(ctx, b), domain.ErrApprovalConflict)

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
}
