package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

// DeliveryObserver получает исход каждой попытки доставки (метрики)
type DeliveryObserver func(channel Channel, ok bool)

// Service раздаёт события согласований по зарегистрированным адаптерам.
// Сбой одного адаптера или апрувера никогда не блокирует остальных.
type Service struct {
	resolver ApproverResolver
	logger   *zap.Logger
	observer DeliveryObserver

	mu       sync.RWMutex
	adapters map[Channel]ChannelAdapter
}

func NewService(resolver ApproverResolver, logger *zap.Logger) *Service {
	return &Service{
		resolver: resolver,
		logger:   logger.Named("notify"),
		adapters: make(map[Channel]ChannelAdapter),
	}
}

// RegisterAdapter добавляет или заменяет адаптер канала
func (s *Service) RegisterAdapter(a ChannelAdapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.Channel()] = a
	s.logger.Info("notification adapter registered", zap.String("channel", string(a.Channel())))
}

func (s *Service) SetObserver(o DeliveryObserver) {
	s.observer = o
}

func (s *Service) adapter(ch Channel) ChannelAdapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adapters[ch]
}

// Channels: зарегистрированные каналы в стабильном порядке
func (s *Service) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, 0, len(s.adapters))
	for ch := range s.adapters {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NotifyApprovers: результат по апруверу true, только если успешна доставка в первый
// (основной) канал, для которого есть адаптер. Остальные каналы best-effort.
func (s *Service) NotifyApprovers(ctx context.Context, req *domain.ApprovalRequest, roles, users []string) map[string]bool {
	results := make(map[string]bool)

	approvers, err := s.resolver.Resolve(ctx, roles, users)
	if err != nil {
		s.logger.Error("approver resolution failed", zap.String("request_id", req.ID), zap.Error(err))
		return results
	}
	if len(approvers) == 0 {
		s.logger.Warn("no approvers resolved", zap.String("request_id", req.ID))
		return results
	}

	for _, approver := range approvers {
		results[approver.ID] = s.deliver(approver, func(a ChannelAdapter) error {
			return a.SendApprovalRequest(ctx, req, approver)
		})
	}
	return results
}

// NotifyRequester сообщает инициатору итог. Неизвестный инициатор получает
// уведомление через все безадресные каналы (чаты, webhook).
func (s *Service) NotifyRequester(ctx context.Context, req *domain.ApprovalRequest, decision domain.ApprovalStatus, reason string) bool {
	recipient, ok := s.resolver.Lookup(ctx, req.RequestedByUserID)
	if !ok {
		recipient = ApproverInfo{ID: req.RequestedByUserID}
		for _, ch := range s.Channels() {
			if ch != ChannelEmail {
				recipient.PreferredChannels = append(recipient.PreferredChannels, ch)
			}
		}
	}
	return s.deliver(recipient, func(a ChannelAdapter) error {
		return a.SendDecisionNotification(ctx, req, decision, reason, recipient)
	})
}

// NotifyAlert рассылает операционный алерт по каналам, которые это умеют
func (s *Service) NotifyAlert(ctx context.Context, subject, body string) int {
	sent := 0
	for _, ch := range s.Channels() {
		sender, ok := s.adapter(ch).(AlertSender)
		if !ok {
			continue
		}
		err := s.safeCall(ch, func() error { return sender.SendAlert(ctx, subject, body) })
		s.observe(ch, err == nil)
		if err != nil {
			s.logger.Warn("alert delivery failed", zap.String("channel", string(ch)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// BudgetThresholdCrossed реализует budget.Alerter
func (s *Service) BudgetThresholdCrossed(ctx context.Context, agentID string, scope domain.BudgetScope, threshold, usage float64) {
	subject := fmt.Sprintf("Budget threshold %.0f%% crossed for agent %s", threshold*100, agentID)
	body := fmt.Sprintf("Scope %s is at %.1f%% of its monthly budget.", scope.Key(), usage*100)
	s.NotifyAlert(ctx, subject, body)
}

func (s *Service) deliver(recipient ApproverInfo, send func(ChannelAdapter) error) bool {
	primaryDone, primaryOK := false, false
	for _, ch := range recipient.PreferredChannels {
		a := s.adapter(ch)
		if a == nil {
			continue
		}
		err := s.safeCall(ch, func() error { return send(a) })
		s.observe(ch, err == nil)
		if err != nil {
			s.logger.Warn("notification delivery failed",
				zap.String("recipient", recipient.ID),
				zap.String("channel", string(ch)),
				zap.Error(err))
		}
		if !primaryDone {
			primaryDone, primaryOK = true, err == nil
		}
	}
	if !primaryDone {
		s.logger.Warn("no adapter for recipient channels", zap.String("recipient", recipient.ID))
	}
	return primaryOK
}

// safeCall изолирует панику адаптера
func (s *Service) safeCall(ch Channel, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter %s panicked: %v", ch, r)
		}
	}()
	return fn()
}

func (s *Service) observe(ch Channel, ok bool) {
	if s.observer != nil {
		s.observer(ch, ok)
	}
}
