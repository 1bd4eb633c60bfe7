package notify

import (
	"context"
	"slices"
	"sync"
)

// ApproverResolver превращает роли и явные id в контакты
type ApproverResolver interface {
	Resolve(ctx context.Context, roles, users []string) ([]ApproverInfo, error)
	Lookup(ctx context.Context, userID string) (ApproverInfo, bool)
}

// StaticResolver: справочник из конфигурации
type StaticResolver struct {
	mu        sync.RWMutex
	approvers map[string]ApproverInfo
	order     []string
}

func NewStaticResolver(list []ApproverInfo) *StaticResolver {
	r := &StaticResolver{approvers: make(map[string]ApproverInfo)}
	for _, a := range list {
		r.Add(a)
	}
	return r
}

func (r *StaticResolver) Add(a ApproverInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(a.PreferredChannels) == 0 {
		a.PreferredChannels = []Channel{ChannelEmail}
	}
	if _, ok := r.approvers[a.ID]; !ok {
		r.order = append(r.order, a.ID)
	}
	r.approvers[a.ID] = a
}

// Resolve: объединение: все с любой из ролей плюс явно перечисленные, без дублей.
// Пустые roles и users означают "все известные апруверы".
func (r *StaticResolver) Resolve(_ context.Context, roles, users []string) ([]ApproverInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := len(roles) == 0 && len(users) == 0
	out := make([]ApproverInfo, 0, len(r.order))
	for _, id := range r.order {
		a := r.approvers[id]
		if all || slices.Contains(users, a.ID) || hasAnyRole(a.Roles, roles) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *StaticResolver) Lookup(_ context.Context, userID string) (ApproverInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.approvers[userID]
	return a, ok
}

func hasAnyRole(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
