package audit

/*
Trail: журнал решений governance (Audit Trail).

- Non-blocking: Gate пишет событие в буферизированный канал и сразу идёт дальше,
  задержки записи в БД не попадают в latency проверки.
- Batching: события копятся и уходят в хранилище пачкой по таймеру или при достижении BatchSize.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остатки и делает финальный flush.
  Log и закрытие канала разделены RWMutex, запись в закрытый канал невозможна.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const BatchSize = 100

// Storage определяет, куда физически сохраняются события
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []DecisionEvent) error
}

type Auditor interface {
	Log(event DecisionEvent)
}

type Options struct {
	BufferSize    int
	FlushInterval time.Duration
}

type Trail struct {
	ch            chan DecisionEvent
	repo          Storage
	logger        *zap.Logger
	wg            sync.WaitGroup
	flushInterval time.Duration
	onFill        func(utilization float64)

	mu     sync.RWMutex // RLock: Log, Lock: закрытие канала
	closed bool
}

func NewTrail(repo Storage, opts Options, logger *zap.Logger) *Trail {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:            make(chan DecisionEvent, opts.BufferSize),
		repo:          repo,
		logger:        logger.Named("audit"),
		flushInterval: opts.FlushInterval,
	}
}

// SetFillObserver: заполненность буфера 0..1 (метрика backpressure)
func (t *Trail) SetFillObserver(fn func(utilization float64)) {
	t.onFill = fn
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()

	t.logger.Info("stopping audit trail: flushing buffer...")
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(event DecisionEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.logger.Warn("audit event dropped: trail is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: переполненный буфер не тормозит горячий путь
	select {
	case t.ch <- event:
		t.reportFill()
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("trace_id", event.TraceID),
			zap.String("stage", event.Stage),
			zap.Bool("allowed", event.Allowed),
		)
	}
}

func (t *Trail) reportFill() {
	if t.onFill != nil {
		t.onFill(float64(len(t.ch)) / float64(cap(t.ch)))
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]DecisionEvent, 0, BatchSize)
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже закрыт
		if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]DecisionEvent, 0, BatchSize)
		t.reportFill()
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны, финальный сброс
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// MemoryStorage: хранилище журнала без БД (dev-режим и тесты)
type MemoryStorage struct {
	mu      sync.RWMutex
	events  []DecisionEvent
	batches int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) WriteBatch(_ context.Context, events []DecisionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	m.batches++
	return nil
}

// Events: копия в порядке записи
func (m *MemoryStorage) Events() []DecisionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]DecisionEvent(nil), m.events...)
}

func (m *MemoryStorage) Batches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches
}
