package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra"
	"go.uber.org/zap"
)

// Limiter считает вызовы в трёх фиксированных окнах (minute, hour, day) на составной ключ.
// Бэкенд: sorted set'ы в Redis либо локальные слайсы меток времени.
// Check и Record не атомарны вместе: конкурентные вызовы могут слегка превысить лимит.
type Limiter struct {
	cfg    domain.RateLimitConfig
	logger *zap.Logger

	mu        sync.RWMutex
	rdb       *redis.Client // nil = in-memory режим
	overrides map[string]domain.RateLimitConfig
	local     map[string][]time.Time // "<key>:<window>" -> метки

	now func() time.Time
}

func NewLimiter(cfg domain.RateLimitConfig, rdb *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{
		cfg:       cfg,
		logger:    logger.Named("ratelimit"),
		rdb:       rdb,
		overrides: make(map[string]domain.RateLimitConfig),
		local:     make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Initialize проверяет связь с Redis. Недоступность не ошибка: переходим на локальные счётчики.
func (l *Limiter) Initialize(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rdb == nil {
		l.logger.Info("rate limiter running in-memory")
		return
	}
	if err := l.rdb.Ping(ctx).Err(); err != nil {
		l.logger.Warn("redis unavailable, falling back to in-memory rate limiting", zap.Error(err))
		l.rdb = nil
		return
	}
	l.logger.Info("rate limiter attached to redis")
}

// Distributed: true, если счётчики общие для всех инстансов
func (l *Limiter) Distributed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rdb != nil
}

// SetAgentLimits задаёт персональные лимиты агента поверх общих
func (l *Limiter) SetAgentLimits(agentID string, cfg domain.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[agentID] = cfg
}

// LimitsFor: действующие лимиты агента (персональные или общие)
func (l *Limiter) LimitsFor(agentID string) domain.RateLimitConfig {
	return l.configFor(agentID)
}

func (l *Limiter) configFor(agentID string) domain.RateLimitConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if c, ok := l.overrides[agentID]; ok {
		return c
	}
	return l.cfg
}

func (l *Limiter) client() *redis.Client {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rdb
}

// Check: окна проверяются по порядку minute -> hour -> day, первое заполненное определяет отказ.
// Ошибки Redis = fail-open: доступность важнее строгого соблюдения лимита.
func (l *Limiter) Check(ctx context.Context, scope domain.RateLimitScope) domain.RateLimitCheckResult {
	cfg := l.configFor(scope.AgentID)
	key := scope.Key()
	now := l.now()

	usage, err := l.counts(ctx, key, now)
	if err != nil {
		l.logger.Warn("rate limit check failed, failing open", zap.String("key", key), zap.Error(err))
		return domain.RateLimitCheckResult{Allowed: true, Remaining: -1}
	}

	remaining := math.MaxInt
	for _, w := range domain.RateWindows {
		limit := cfg.LimitFor(w)
		count := usage[w.Name]
		if count >= limit {
			return domain.RateLimitCheckResult{
				Allowed:           false,
				LimitExceeded:     w.Limit,
				Remaining:         0,
				RetryAfterSeconds: retryAfter(now, w.Duration),
				CurrentUsage:      usage,
			}
		}
		remaining = min(remaining, limit-count)
	}

	return domain.RateLimitCheckResult{
		Allowed:      true,
		Remaining:    remaining,
		CurrentUsage: usage,
	}
}

// retryAfter: остаток секунд до границы окна (приближение через остаток от деления)
func retryAfter(now time.Time, window time.Duration) int {
	size := int64(window / time.Second)
	return int(size - now.Unix()%size)
}

// Record добавляет метку текущего вызова во все окна
func (l *Limiter) Record(ctx context.Context, scope domain.RateLimitScope) error {
	key := scope.Key()
	now := l.now()

	if rdb := l.client(); rdb != nil {
		score := float64(now.UnixMilli())
		member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()[:8]

		pipe := rdb.Pipeline()
		for _, w := range domain.RateWindows {
			wk := infra.RateLimitWindowKey(key, w.Name)
			pipe.ZAdd(ctx, wk, redis.Z{Score: score, Member: member})
			pipe.ZRemRangeByScore(ctx, wk, "-inf", fmt.Sprintf("(%d", now.Add(-w.Duration).UnixMilli()))
			pipe.Expire(ctx, wk, w.Duration) // старые данные самоочищаются
		}
		if _, err := pipe.Exec(ctx); err != nil {
			l.logger.Warn("rate limit record failed", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("rate limit record: %w", err)
		}
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range domain.RateWindows {
		lk := key + ":" + w.Name
		l.local[lk] = append(prune(l.local[lk], now.Add(-w.Duration)), now)
	}
	return nil
}

// Status: текущая загрузка по окнам без принятия решения
func (l *Limiter) Status(ctx context.Context, scope domain.RateLimitScope) (map[string]int, error) {
	return l.counts(ctx, scope.Key(), l.now())
}

// Reset стирает счётчики ключа во всех окнах (административная операция)
func (l *Limiter) Reset(ctx context.Context, scope domain.RateLimitScope) error {
	key := scope.Key()
	if rdb := l.client(); rdb != nil {
		keys := make([]string, 0, len(domain.RateWindows))
		for _, w := range domain.RateWindows {
			keys = append(keys, infra.RateLimitWindowKey(key, w.Name))
		}
		if err := rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("rate limit reset: %w", err)
		}
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range domain.RateWindows {
		delete(l.local, key+":"+w.Name)
	}
	return nil
}

// Close отвязывает бэкенд и чистит локальные счётчики. Идемпотентен.
// Сам *redis.Client общий для сервиса и закрывается владельцем (cmd).
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rdb = nil
	l.local = make(map[string][]time.Time)
}

func (l *Limiter) counts(ctx context.Context, key string, now time.Time) (map[string]int, error) {
	usage := make(map[string]int, len(domain.RateWindows))

	if rdb := l.client(); rdb != nil {
		pipe := rdb.Pipeline()
		cmds := make([]*redis.IntCmd, len(domain.RateWindows))
		for i, w := range domain.RateWindows {
			minScore := strconv.FormatInt(now.Add(-w.Duration).UnixMilli(), 10)
			cmds[i] = pipe.ZCount(ctx, infra.RateLimitWindowKey(key, w.Name), "("+minScore, "+inf")
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}
		for i, w := range domain.RateWindows {
			usage[w.Name] = int(cmds[i].Val())
		}
		return usage, nil
	}

	// in-memory: устаревшие метки чистятся на чтении
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range domain.RateWindows {
		lk := key + ":" + w.Name
		kept := prune(l.local[lk], now.Add(-w.Duration))
		if len(kept) == 0 {
			delete(l.local, lk)
		} else {
			l.local[lk] = kept
		}
		usage[w.Name] = len(kept)
	}
	return usage, nil
}

// prune оставляет метки строго новее cutoff. Метки упорядочены по времени.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
