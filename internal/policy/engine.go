package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra"
	"go.uber.org/zap"
)

// PolicyRepository: долговременный источник правил. В рантайме движок обращается только к памяти.
type PolicyRepository interface {
	GetAllPolicies(ctx context.Context) ([]domain.Policy, error)
	UpsertPolicy(ctx context.Context, p *domain.Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

type Options struct {
	FailClosed bool
	Strategy   domain.ConflictResolutionStrategy
}

// Engine: in-memory ABAC движок. Кэш политик потокобезопасен, оценка идёт по снимку.
// В распределенной системе кэш синхронизируется с БД через Refresh и сигнал в Redis.
// Политики из файла (LoadFile) образуют базовый слой: Refresh накладывает набор из БД
// поверх него, запись из БД с тем же ID замещает файловую.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]domain.Policy
	order    []string // порядок вставки, он же tiebreak при равном приоритете
	base     []domain.Policy

	opts   Options
	repo   PolicyRepository // Используется только для Refresh/Save/Delete
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(opts Options, repo PolicyRepository, rdb *redis.Client, logger *zap.Logger) *Engine {
	if opts.Strategy == "" {
		opts.Strategy = domain.DenyOverrides
	}
	return &Engine{
		policies: make(map[string]domain.Policy),
		opts:     opts,
		repo:     repo,
		rdb:      rdb,
		logger:   logger.Named("policy-engine"),
		now:      time.Now,
	}
}

// AddPolicy вставляет или перезаписывает политику по ID. Перезапись сохраняет позицию вставки.
func (e *Engine) AddPolicy(p domain.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[p.ID]; !exists {
		e.order = append(e.order, p.ID)
	}
	e.policies[p.ID] = p
}

// RemovePolicy возвращает false, если политики не было
func (e *Engine) RemovePolicy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return false
	}
	delete(e.policies, id)
	for i, pid := range e.order {
		if pid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

func (e *Engine) GetPolicy(id string) (domain.Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	return p, ok
}

// ListPolicies возвращает политики в порядке вставки
func (e *Engine) ListPolicies() []domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Policy, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.policies[id])
	}
	return out
}

func (e *Engine) ClearPolicies() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = make(map[string]domain.Policy)
	e.order = nil
	e.base = nil
}

// addBase регистрирует политики базового слоя и сразу кладёт их в кэш
func (e *Engine) addBase(list []domain.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range list {
		replaced := false
		for i := range e.base {
			if e.base[i].ID == p.ID {
				e.base[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			e.base = append(e.base, p)
		}
		if _, exists := e.policies[p.ID]; !exists {
			e.order = append(e.order, p.ID)
		}
		e.policies[p.ID] = p
	}
}

func (e *Engine) basePolicy(id string) (domain.Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.base {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Policy{}, false
}

func (e *Engine) baseSnapshot() []domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.Policy(nil), e.base...)
}

// replaceAll атомарно подменяет весь набор (холодная загрузка)
func (e *Engine) replaceAll(list []domain.Policy) {
	policies := make(map[string]domain.Policy, len(list))
	order := make([]string, 0, len(list))
	for _, p := range list {
		if _, dup := policies[p.ID]; !dup {
			order = append(order, p.ID)
		}
		policies[p.ID] = p
	}

	e.mu.Lock()
	e.policies = policies
	e.order = order
	e.mu.Unlock()
}

// Settings: режим отказа и стратегия конфликтов (для статуса)
func (e *Engine) Settings() Options {
	return e.opts
}

func (e *Engine) defaultEffect() domain.PolicyEffect {
	if e.opts.FailClosed {
		return domain.EffectDeny
	}
	return domain.EffectAllow
}

// snapshot: включённые политики, отсортированные по приоритету (стабильно)
func (e *Engine) snapshot() (enabled []domain.Policy, total int) {
	e.mu.RLock()
	total = len(e.order)
	enabled = make([]domain.Policy, 0, total)
	for _, id := range e.order {
		if p := e.policies[id]; p.Enabled {
			enabled = append(enabled, p)
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})
	return enabled, total
}

// Evaluate: детерминированное ABAC-решение. Никогда не паникует наружу:
// любая ошибка внутри превращается в эффект по умолчанию согласно FailClosed.
func (e *Engine) Evaluate(ctx context.Context, pctx domain.PolicyContext) (res domain.PolicyEvaluationResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy evaluation failed", zap.Any("panic", r))
			res = domain.PolicyEvaluationResult{
				Effect:          e.defaultEffect(),
				Reason:          fmt.Sprintf("Policy evaluation error: %v", r),
				MatchedPolicies: []string{},
			}
		}
		res.EvaluationTimeMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	if pctx.Time.IsZero() {
		pctx.Time = e.now()
	}

	policies, total := e.snapshot()
	if total == 0 {
		return domain.PolicyEvaluationResult{
			Effect:          e.defaultEffect(),
			Reason:          "No policies configured",
			MatchedPolicies: []string{},
		}
	}

	var allows, denies []domain.Policy
	for _, p := range policies {
		if !e.matches(p, pctx) {
			continue
		}

		if e.opts.Strategy == domain.FirstMatch {
			return domain.PolicyEvaluationResult{
				Effect:          p.Effect,
				Reason:          fmt.Sprintf("First matching policy: %s", p.Name),
				MatchedPolicies: []string{p.ID},
			}
		}

		switch p.Effect {
		case domain.EffectAllow:
			allows = append(allows, p)
		case domain.EffectDeny:
			denies = append(denies, p)
		default:
			e.logger.Warn("policy has unknown effect, ignored",
				zap.String("policy_id", p.ID), zap.String("effect", string(p.Effect)))
		}
	}

	return e.resolve(allows, denies)
}

func (e *Engine) resolve(allows, denies []domain.Policy) domain.PolicyEvaluationResult {
	switch {
	case len(allows) == 0 && len(denies) == 0:
		return domain.PolicyEvaluationResult{
			Effect:          e.defaultEffect(),
			Reason:          "No matching policies (default)",
			MatchedPolicies: []string{},
		}
	case e.opts.Strategy == domain.AllowOverrides && len(allows) > 0:
		return domain.PolicyEvaluationResult{
			Effect:          domain.EffectAllow,
			Reason:          fmt.Sprintf("Allowed by policy: %s", allows[0].Name),
			MatchedPolicies: ids(allows),
		}
	case e.opts.Strategy == domain.AllowOverrides:
		return domain.PolicyEvaluationResult{
			Effect:          domain.EffectDeny,
			Reason:          fmt.Sprintf("Denied by policy: %s", denies[0].Name),
			MatchedPolicies: ids(denies),
		}
	case len(denies) > 0:
		// DENY_OVERRIDES: любой совпавший DENY побеждает
		return domain.PolicyEvaluationResult{
			Effect:          domain.EffectDeny,
			Reason:          fmt.Sprintf("Denied by policy: %s", denies[0].Name),
			MatchedPolicies: ids(denies),
		}
	default:
		return domain.PolicyEvaluationResult{
			Effect:          domain.EffectAllow,
			Reason:          fmt.Sprintf("Allowed by policy: %s", allows[0].Name),
			MatchedPolicies: ids(allows),
		}
	}
}

func ids(list []domain.Policy) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}

// Refresh выполняет «холодную загрузку» всех политик из PostgreSQL в память поверх базового слоя.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	list, err := e.repo.GetAllPolicies(ctx)
	if err != nil {
		return fmt.Errorf("policy refresh: %w", err)
	}
	base := e.baseSnapshot()
	e.replaceAll(append(base, list...))
	e.logger.Info("policy cache refreshed", zap.Int("base", len(base)), zap.Int("stored", len(list)))
	return nil
}

// SavePolicy сохраняет политику в БД, обновляет локальный кэш и уведомляет остальные инстансы.
func (e *Engine) SavePolicy(ctx context.Context, p domain.Policy) error {
	if e.repo != nil {
		if err := e.repo.UpsertPolicy(ctx, &p); err != nil {
			return err
		}
	}
	e.AddPolicy(p)
	return e.PublishUpdate(ctx)
}

// DeletePolicy удаляет политику из БД и кэша. Если ID есть в базовом слое,
// в кэше остаётся файловая версия: ровно то, что получат остальные инстансы после Refresh.
func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	if e.repo != nil {
		if err := e.repo.DeletePolicy(ctx, id); err != nil {
			return err
		}
	}
	if bp, ok := e.basePolicy(id); ok {
		e.AddPolicy(bp)
		return e.PublishUpdate(ctx)
	}
	if !e.RemovePolicy(id) && e.repo == nil {
		return domain.ErrPolicyNotFound
	}
	return e.PublishUpdate(ctx)
}

// PublishUpdate отправляет широковещательный сигнал в Redis.
// Все инстансы, подписанные на канал, вызовут Refresh().
func (e *Engine) PublishUpdate(ctx context.Context) error {
	if e.rdb == nil {
		return nil
	}
	if err := e.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, "refresh").Err(); err != nil {
		e.logger.Warn("policy update signal delivery failed", zap.Error(err))
		return fmt.Errorf("policy update signal: %w", err)
	}
	return nil
}

// StartListener подписывается на сигнал обновления политик. Блокирует до отмены ctx.
func (e *Engine) StartListener(ctx context.Context) {
	if e.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, e.rdb, e.logger, infra.RedisChanPolicyUpdate,
		func() error { return e.Refresh(ctx) }, // Догоняем пропущенные изменения
		func(string) {
			if err := e.Refresh(ctx); err != nil {
				e.logger.Error("policy refresh on signal failed", zap.Error(err))
			}
		},
	)
}
