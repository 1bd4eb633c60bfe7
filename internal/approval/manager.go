package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra"
	"go.uber.org/zap"
)

const maxPayloadSummary = 500

type Config struct {
	CostThreshold       float64
	TTL                 time.Duration
	AllowSelfApproval   bool
	RequiredApprovals   int
	ApproverRoles       []string
	ApproverUsers       []string
	ApproverIDs         []string // пусто = любой апрувер
	AlwaysApproveAgents []string
	SensitiveKeywords   []string
}

// Notifier: best-effort оповещения. Реализация не должна блокировать и возвращать ошибки:
// решение по запросу авторитетно даже если доставка не удалась.
type Notifier interface {
	NotifyApprovers(ctx context.Context, req *domain.ApprovalRequest, roles, users []string)
	NotifyRequester(ctx context.Context, req *domain.ApprovalRequest, decision domain.ApprovalStatus, reason string)
}

// CreateParams: входные данные для нового запроса
type CreateParams struct {
	AgentID           string
	OrganizationID    string
	UserID            string
	TeamID            string
	TriggerReason     string
	Payload           string
	EstimatedCost     *float64
	EstimatedTokens   *int
	RequiredApprovals int // 0 = из конфига
}

// Manager: state machine согласований: PENDING -> {APPROVED, REJECTED, EXPIRED, ESCALATED}.
type Manager struct {
	store    Store
	cfg      Config
	notifier Notifier
	rdb      *redis.Client // опционально: сигнал ожидающему вызову
	logger   *zap.Logger

	// Сериализует read-modify-write решений внутри процесса
	mu sync.Mutex

	now func() time.Time
}

func NewManager(store Store, cfg Config, notifier Notifier, rdb *redis.Client, logger *zap.Logger) *Manager {
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 1
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		rdb:      rdb,
		logger:   logger.Named("approval"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckApprovalRequired сверяет вызов с триггерами HITL
func (m *Manager) CheckApprovalRequired(ctx context.Context, agentID, payload, userID, organizationID string, estimatedCost *float64) domain.ApprovalRequirement {
	var (
		triggers []domain.ApprovalTrigger
		reasons  []string
	)

	if estimatedCost != nil && m.cfg.CostThreshold > 0 && *estimatedCost > m.cfg.CostThreshold {
		triggers = append(triggers, domain.TriggerCostThreshold)
		reasons = append(reasons, fmt.Sprintf("estimated cost $%.2f exceeds threshold $%.2f", *estimatedCost, m.cfg.CostThreshold))
	}
	if slices.Contains(m.cfg.AlwaysApproveAgents, agentID) {
		triggers = append(triggers, domain.TriggerAgentPolicy)
		reasons = append(reasons, "agent requires approval for every invocation")
	}
	if kw := m.matchKeyword(payload); kw != "" {
		triggers = append(triggers, domain.TriggerPayloadKeyword)
		reasons = append(reasons, fmt.Sprintf("payload contains sensitive keyword %q", kw))
	}

	if len(triggers) == 0 {
		return domain.ApprovalRequirement{Required: false, Triggers: []domain.ApprovalTrigger{}, Reason: "No approval triggers matched"}
	}
	m.logger.Debug("approval required",
		zap.String("agent_id", agentID),
		zap.String("user_id", userID),
		zap.String("organization_id", organizationID),
		zap.Int("triggers", len(triggers)))
	return domain.ApprovalRequirement{Required: true, Triggers: triggers, Reason: strings.Join(reasons, "; ")}
}

func (m *Manager) matchKeyword(payload string) string {
	if payload == "" {
		return ""
	}
	lower := strings.ToLower(payload)
	for _, kw := range m.cfg.SensitiveKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

// CreateRequest заводит PENDING запрос с TTL и оповещает апруверов
func (m *Manager) CreateRequest(ctx context.Context, p CreateParams) (*domain.ApprovalRequest, error) {
	now := m.now()
	required := p.RequiredApprovals
	if required <= 0 {
		required = m.cfg.RequiredApprovals
	}

	req := &domain.ApprovalRequest{
		ID:                uuid.New().String(),
		ExternalAgentID:   p.AgentID,
		OrganizationID:    p.OrganizationID,
		RequestedByUserID: p.UserID,
		RequestedByTeamID: p.TeamID,
		TriggerReason:     p.TriggerReason,
		PayloadSummary:    summarize(p.Payload),
		EstimatedCost:     p.EstimatedCost,
		EstimatedTokens:   p.EstimatedTokens,
		RequiredApprovals: required,
		Approvals:         []domain.ApprovalDecision{},
		Rejections:        []domain.ApprovalDecision{},
		Status:            domain.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if m.cfg.TTL > 0 {
		exp := now.Add(m.cfg.TTL)
		req.ExpiresAt = &exp
	}

	if err := m.store.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("save approval request: %w", err)
	}

	m.logger.Info("approval request created",
		zap.String("request_id", req.ID),
		zap.String("agent_id", req.ExternalAgentID),
		zap.String("organization_id", req.OrganizationID),
		zap.String("trigger", req.TriggerReason))

	if m.notifier != nil {
		m.notifier.NotifyApprovers(ctx, req.Clone(), m.cfg.ApproverRoles, m.cfg.ApproverUsers)
	}
	return req, nil
}

func summarize(payload string) string {
	r := []rune(payload)
	if len(r) <= maxPayloadSummary {
		return payload
	}
	return string(r[:maxPayloadSummary]) + "..."
}

// load: общие проверки: not found -> expired -> already decided
func (m *Manager) load(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	req, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.IsExpiredAt(m.now()) {
		return nil, domain.ErrApprovalExpired
	}
	if !req.IsOpen() {
		return nil, domain.ErrAlreadyDecided
	}
	return req, nil
}

// maxSaveAttempts: сколько раз перечитать запрос при конфликте версий
const maxSaveAttempts = 3

// get читает запрос без проверок состояния
func (m *Manager) get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrApprovalNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load approval request: %w", err)
	}
	if req == nil {
		return nil, domain.ErrApprovalNotFound
	}
	return req, nil
}

// mutate: загрузка, изменение и сохранение. Если другой процесс сохранил запрос раньше,
// состояние перечитывается и apply заново проверяет инварианты.
func (m *Manager) mutate(
	ctx context.Context,
	id string,
	load func(context.Context, string) (*domain.ApprovalRequest, error),
	apply func(*domain.ApprovalRequest) error,
) (*domain.ApprovalRequest, error) {
	for attempt := 1; ; attempt++ {
		req, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := apply(req); err != nil {
			return nil, err
		}
		err = m.store.Save(ctx, req)
		if err == nil {
			return req, nil
		}
		if errors.Is(err, domain.ErrApprovalConflict) && attempt < maxSaveAttempts {
			m.logger.Debug("approval request changed concurrently, retrying",
				zap.String("request_id", id), zap.Int("attempt", attempt))
			continue
		}
		return nil, fmt.Errorf("save approval request: %w", err)
	}
}

// Approve добавляет голос "за". Статус APPROVED наступает при кворуме различных апруверов.
func (m *Manager) Approve(ctx context.Context, id, approverID, reason string) (*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.mutate(ctx, id, m.load, func(req *domain.ApprovalRequest) error {
		if approverID == req.RequestedByUserID && !m.cfg.AllowSelfApproval {
			return domain.ErrSelfApprovalNotAllowed
		}
		if len(m.cfg.ApproverIDs) > 0 && !slices.Contains(m.cfg.ApproverIDs, approverID) {
			return domain.ErrUnauthorizedApprover
		}
		if req.HasApprovalFrom(approverID) {
			return domain.ErrDuplicateApprover
		}

		now := m.now()
		req.Approvals = append(req.Approvals, domain.ApprovalDecision{
			ApproverID: approverID,
			Decision:   domain.DecisionApprove,
			Reason:     reason,
			DecidedAt:  now,
		})
		req.UpdatedAt = now
		if req.IsApproved() {
			req.Status = domain.StatusApproved
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("approval recorded",
		zap.String("request_id", id),
		zap.String("approver_id", approverID),
		zap.Int("approvals", len(req.Approvals)),
		zap.Int("required", req.RequiredApprovals),
		zap.String("status", string(req.Status)))

	if req.Status == domain.StatusApproved {
		m.afterDecision(ctx, req, reason)
	}
	return req, nil
}

// Reject: одного отказа достаточно. Запрет self-approval на отказ не распространяется.
func (m *Manager) Reject(ctx context.Context, id, approverID, reason string) (*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.mutate(ctx, id, m.load, func(req *domain.ApprovalRequest) error {
		now := m.now()
		req.Rejections = append(req.Rejections, domain.ApprovalDecision{
			ApproverID: approverID,
			Decision:   domain.DecisionReject,
			Reason:     reason,
			DecidedAt:  now,
		})
		req.Status = domain.StatusRejected
		req.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("approval request rejected",
		zap.String("request_id", id), zap.String("approver_id", approverID))
	m.afterDecision(ctx, req, reason)
	return req, nil
}

// Escalate переводит запрос в ESCALATED безусловно. Решения по нему по-прежнему принимаются.
func (m *Manager) Escalate(ctx context.Context, id, reason string) (*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.mutate(ctx, id, m.get, func(req *domain.ApprovalRequest) error {
		req.Status = domain.StatusEscalated
		req.EscalationReason = reason
		req.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Warn("approval request escalated", zap.String("request_id", id), zap.String("reason", reason))
	if m.notifier != nil {
		m.notifier.NotifyApprovers(ctx, req.Clone(), m.cfg.ApproverRoles, m.cfg.ApproverUsers)
	}
	return req, nil
}

func (m *Manager) GetRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return m.get(ctx, id)
}

// GetPendingRequests: все ожидающие запросы в организации. approverID зарезервирован под ролевую фильтрацию.
func (m *Manager) GetPendingRequests(ctx context.Context, approverID, organizationID string) ([]*domain.ApprovalRequest, error) {
	return m.store.GetPendingForApprover(ctx, approverID, organizationID)
}

func (m *Manager) GetPendingForAgent(ctx context.Context, agentID, organizationID string) ([]*domain.ApprovalRequest, error) {
	return m.store.GetPendingForAgent(ctx, agentID, organizationID)
}

// ProcessExpiredRequests переводит просроченные PENDING в EXPIRED. Планировщика тут нет,
// вызывается снаружи (тикер в cmd/governor).
func (m *Manager) ProcessExpiredRequests(ctx context.Context) ([]*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	candidates, err := m.store.GetExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}

	expired := make([]*domain.ApprovalRequest, 0, len(candidates))
	for _, req := range candidates {
		req.Status = domain.StatusExpired
		req.UpdatedAt = now
		if err := m.store.Save(ctx, req); err != nil {
			m.logger.Error("failed to expire approval request", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		expired = append(expired, req)
		m.afterDecision(ctx, req, "approval request expired")
	}

	if len(expired) > 0 {
		m.logger.Info("approval requests expired", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// afterDecision: оповещение инициатора и сигнал "пробуждения" ожидающему вызову.
// Ошибки только логируются: решение уже сохранено.
func (m *Manager) afterDecision(ctx context.Context, req *domain.ApprovalRequest, reason string) {
	if m.notifier != nil {
		m.notifier.NotifyRequester(ctx, req.Clone(), req.Status, reason)
	}
	if m.rdb == nil {
		return
	}
	// Канал уникален для конкретного запроса: devit:approvals:execution:{requestID}
	if err := m.rdb.Publish(ctx, infra.ApprovalExecutionChannel(req.ID), string(req.Status)).Err(); err != nil {
		m.logger.Error("decision saved but signal not delivered",
			zap.String("request_id", req.ID), zap.Error(err))
	}
}

// WaitForDecision блокирует до финального решения по запросу или до отмены ctx.
// Если Redis недоступен, ожидание завершается по таймауту вызывающего.
func (m *Manager) WaitForDecision(ctx context.Context, id string) (domain.ApprovalStatus, error) {
	if m.rdb == nil {
		return "", errors.New("decision signal requires redis")
	}

	pubsub := m.rdb.Subscribe(ctx, infra.ApprovalExecutionChannel(id))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return "", fmt.Errorf("subscribe decision channel: %w", err)
	}

	// Решение могло быть принято до подписки
	req, err := m.GetRequest(ctx, id)
	if err != nil {
		return "", err
	}
	if !req.IsOpen() {
		return req.Status, nil
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case msg, ok := <-pubsub.Channel():
		if !ok {
			return "", errors.New("decision channel closed")
		}
		return domain.ApprovalStatus(msg.Payload), nil
	}
}
