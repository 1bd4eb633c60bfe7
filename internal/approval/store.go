package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

// Store: хранилище запросов на согласование. Get возвращает domain.ErrApprovalNotFound, если записи нет.
// Save сохраняет только если сохранённая версия совпадает с req.Version, иначе domain.ErrApprovalConflict.
// После успешной записи req.Version увеличивается.
type Store interface {
	Save(ctx context.Context, req *domain.ApprovalRequest) error
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	GetPendingForApprover(ctx context.Context, approverID, organizationID string) ([]*domain.ApprovalRequest, error)
	GetPendingForAgent(ctx context.Context, agentID, organizationID string) ([]*domain.ApprovalRequest, error)
	GetExpired(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore: потокобезопасная реализация Store для одного процесса и тестов.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*domain.ApprovalRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*domain.ApprovalRequest)}
}

func (s *MemoryStore) Save(_ context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.requests[req.ID]; ok && cur.Version != req.Version {
		return domain.ErrApprovalConflict
	}
	req.Version++
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrApprovalNotFound
	}
	return req.Clone(), nil
}

// GetPendingForApprover: все PENDING запросы организации (пустая = все).
// approverID пока не фильтрует: любой апрувер организации видит любой ожидающий запрос.
func (s *MemoryStore) GetPendingForApprover(_ context.Context, _ string, organizationID string) ([]*domain.ApprovalRequest, error) {
	return s.filter(func(r *domain.ApprovalRequest) bool {
		return r.Status == domain.StatusPending &&
			(organizationID == "" || r.OrganizationID == organizationID)
	}), nil
}

func (s *MemoryStore) GetPendingForAgent(_ context.Context, agentID, organizationID string) ([]*domain.ApprovalRequest, error) {
	return s.filter(func(r *domain.ApprovalRequest) bool {
		return r.Status == domain.StatusPending && r.ExternalAgentID == agentID &&
			(organizationID == "" || r.OrganizationID == organizationID)
	}), nil
}

// GetExpired: PENDING запросы с истёкшим expires_at
func (s *MemoryStore) GetExpired(_ context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	return s.filter(func(r *domain.ApprovalRequest) bool {
		return r.Status == domain.StatusPending && r.IsExpiredAt(now)
	}), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

// filter возвращает копии, отсортированные по времени создания
func (s *MemoryStore) filter(keep func(*domain.ApprovalRequest) bool) []*domain.ApprovalRequest {
	s.mu.RLock()
	out := make([]*domain.ApprovalRequest, 0)
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
