package notify

/*
Dispatcher: асинхронная очередь уведомлений между state machine согласований и адаптерами.

- Non-blocking: продюсер (Approval Manager) никогда не ждёт доставки. Переполненная очередь
  сбрасывает событие в лог (Load Shedding), решение по запросу от этого не зависит.
- Drain Pattern: Stop закрывает вход и ждёт, пока воркер отправит всё, что уже в очереди.
  Отправка и закрытие канала разделены RWMutex: после Stop продюсер не может писать в закрытый канал.
- Изоляция ошибок: каждое задание обрабатывается отдельно, паника адаптера гасится в Service.
*/

import (
	"context"
	"sync"

	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

type jobKind int

const (
	jobApprovers jobKind = iota
	jobRequester
	jobBudgetAlert
)

type job struct {
	kind     jobKind
	req      *domain.ApprovalRequest
	roles    []string
	users    []string
	decision domain.ApprovalStatus
	reason   string

	agentID   string
	scope     domain.BudgetScope
	threshold float64
	usage     float64
}

type Dispatcher struct {
	svc    *Service
	ch     chan job
	logger *zap.Logger
	wg     sync.WaitGroup

	mu      sync.RWMutex // RLock: отправка, Lock: закрытие канала
	closed  bool
	onDepth func(utilization float64)
}

func NewDispatcher(svc *Service, queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Dispatcher{
		svc:    svc,
		ch:     make(chan job, queueSize),
		logger: logger.Named("notify-dispatcher"),
	}
}

// SetDepthObserver: заполненность очереди 0..1 после каждого события (метрика)
func (d *Dispatcher) SetDepthObserver(fn func(utilization float64)) {
	d.onDepth = fn
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
}

// Stop «запирает» вход и ждёт, пока воркер разошлёт остатки
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	d.logger.Info("stopping dispatcher: draining queue...")
	d.wg.Wait()
	d.logger.Info("dispatcher stopped gracefully")
}

// NotifyApprovers реализует approval.Notifier
func (d *Dispatcher) NotifyApprovers(_ context.Context, req *domain.ApprovalRequest, roles, users []string) {
	d.enqueue(job{kind: jobApprovers, req: req, roles: roles, users: users})
}

// NotifyRequester реализует approval.Notifier
func (d *Dispatcher) NotifyRequester(_ context.Context, req *domain.ApprovalRequest, decision domain.ApprovalStatus, reason string) {
	d.enqueue(job{kind: jobRequester, req: req, decision: decision, reason: reason})
}

// BudgetThresholdCrossed реализует budget.Alerter
func (d *Dispatcher) BudgetThresholdCrossed(_ context.Context, agentID string, scope domain.BudgetScope, threshold, usage float64) {
	d.enqueue(job{kind: jobBudgetAlert, agentID: agentID, scope: scope, threshold: threshold, usage: usage})
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification dropped: dispatcher is stopping", zap.String("request_id", requestID(j)))
		return
	}

	select {
	case d.ch <- j:
		d.reportDepth()
	default:
		d.logger.Error("notify_queue_overflow", zap.String("request_id", requestID(j)))
	}
}

func requestID(j job) string {
	if j.req != nil {
		return j.req.ID
	}
	return ""
}

func (d *Dispatcher) reportDepth() {
	if d.onDepth != nil {
		d.onDepth(float64(len(d.ch)) / float64(cap(d.ch)))
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	// Отдельный контекст: вызывающий запрос давно мог завершиться
	ctx := context.Background()

	for j := range d.ch {
		d.process(ctx, j)
		d.reportDepth()
	}
	d.logger.Info("notify worker finished")
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	switch j.kind {
	case jobApprovers:
		res := d.svc.NotifyApprovers(ctx, j.req, j.roles, j.users)
		d.logger.Debug("approvers notified", zap.String("request_id", j.req.ID), zap.Any("results", res))
	case jobRequester:
		ok := d.svc.NotifyRequester(ctx, j.req, j.decision, j.reason)
		d.logger.Debug("requester notified", zap.String("request_id", j.req.ID), zap.Bool("delivered", ok))
	case jobBudgetAlert:
		d.svc.BudgetThresholdCrossed(ctx, j.agentID, j.scope, j.threshold, j.usage)
	}
}
