package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance/internal/approval"
	"github.com/xela07ax/spaceai-governance/internal/audit"
	"github.com/xela07ax/spaceai-governance/internal/budget"
	"github.com/xela07ax/spaceai-governance/internal/console/handler"
	"github.com/xela07ax/spaceai-governance/internal/console/server"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/governance"
	"github.com/xela07ax/spaceai-governance/internal/infra"
	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
	"github.com/xela07ax/spaceai-governance/internal/notify"
	"github.com/xela07ax/spaceai-governance/internal/policy"
	"github.com/xela07ax/spaceai-governance/internal/ratelimit"
	"github.com/xela07ax/spaceai-governance/internal/repository/postgres"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("governor stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин.
	// SIGTERM отменяет его и останавливает слушателей.
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	var db *sql.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.Open(appCtx, cfg.Database.URL, int(cfg.Database.MaxConns), int(cfg.Database.MinConns))
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		defer db.Close()
	} else {
		logger.Warn("database.url is empty, using in-memory stores")
	}
	return runWith(appCtx, cfg, logger, rdb, db)
}

func runWith(ctx context.Context, cfg *infra.Config, logger *zap.Logger, rdb *redis.Client, db *sql.DB) error {
	// Фоновые горутины (слушатель политик, sweeper) живут в своём контексте
	// и дожидаются до остановки очередей, в которые они пишут.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	var bg sync.WaitGroup
	background := func(fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(bgCtx)
		}()
	}

	var (
		policyRepo  policy.PolicyRepository
		budgetStore budget.Store   = budget.NewMemoryStore()
		approvals   approval.Store = approval.NewMemoryStore()
		auditStore  audit.Storage  = audit.NewMemoryStorage()
	)
	if db != nil {
		policyRepo = postgres.NewPolicyRepo(db)
		budgetStore = postgres.NewBudgetRepo(db)
		approvals = postgres.NewApprovalRepo(db)
		auditStore = postgres.NewAuditRepo(db)
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := governance.NewMetrics(reg)

	// 2. Policy Engine: YAML-файл как базовый набор, БД поверх, Redis-сигнал для остальных инстансов
	engine := policy.NewEngine(policy.Options{
		FailClosed: cfg.Governance.Policy.FailClosed,
		Strategy:   domain.ConflictResolutionStrategy(cfg.Governance.Policy.ConflictStrategy),
	}, policyRepo, rdb, logger)
	if path := cfg.Governance.Policy.PoliciesFile; path != "" {
		n, err := engine.LoadFile(path)
		if err != nil {
			return err
		}
		logger.Info("policies loaded from file", zap.String("path", path), zap.Int("count", n))
	}
	if policyRepo != nil {
		if err := engine.Refresh(ctx); err != nil {
			return err
		}
	}
	background(engine.StartListener)

	// 3. Уведомления: адаптеры -> сервис -> асинхронная очередь
	notifier := buildNotifier(cfg.Notify, logger, metrics)
	dispatcher := notify.NewDispatcher(notifier, cfg.Notify.QueueSize, logger)
	dispatcher.SetDepthObserver(metrics.NotifyQueueFill.Set)
	dispatcher.Start()

	// 4. Budget, Rate Limit, Approvals
	bc := cfg.Governance.Budget
	enforcer := budget.NewEnforcer(budgetStore, budget.Config{
		WarningThreshold:      bc.WarningThreshold,
		DegradationThreshold:  bc.DegradationThreshold,
		AlertThresholds:       bc.AlertThresholds,
		RolloverEnabled:       bc.RolloverEnabled,
		MaxRolloverPercentage: bc.MaxRolloverPercentage,
	}, logger)
	enforcer.SetAlerter(dispatcher)

	limiter := ratelimit.NewLimiter(cfg.Governance.RateLimit, rdb, logger)

	ac := cfg.Governance.Approval
	manager := approval.NewManager(approvals, approval.Config{
		CostThreshold:       ac.CostThreshold,
		TTL:                 ac.TTL,
		AllowSelfApproval:   ac.AllowSelfApproval,
		RequiredApprovals:   ac.RequiredApprovals,
		ApproverRoles:       ac.ApproverRoles,
		ApproverUsers:       ac.ApproverUsers,
		ApproverIDs:         ac.ApproverIDs,
		AlwaysApproveAgents: ac.AlwaysApproveAgents,
		SensitiveKeywords:   ac.SensitiveKeywords,
	}, dispatcher, rdb, logger)

	// 5. Аудит решений пачками
	trail := audit.NewTrail(auditStore, audit.Options{
		BufferSize:    cfg.Governance.AuditBufferSize,
		FlushInterval: cfg.Governance.AuditFlushInterval,
	}, logger)
	trail.SetFillObserver(metrics.AuditBufferFill.Set)
	trail.Start()

	// 6. Core
	svc := governance.NewService(governance.Deps{
		Policy:    engine,
		Limiter:   limiter,
		Budget:    enforcer,
		Approvals: manager,
		Auditor:   trail,
		Metrics:   metrics,
	}, logger)
	svc.Initialize(ctx)

	background(func(ctx context.Context) { sweep(ctx, svc, ac.SweepInterval, logger) })

	// 7. HTTP: API консоли и /metrics
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	console := server.NewConsoleServer(logger, auth.NewRSAValidator(pub, cfg.Auth.Issuer),
		handler.NewApprovalHandler(manager),
		handler.NewPolicyHandler(engine),
		handler.NewGovernanceHandler(svc, enforcer),
	)

	apiSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{apiSrv, metricsSrv} {
		go func(srv *http.Server) {
			logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	// 8. Graceful Shutdown
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("governor stopping...")
	case runErr = <-errCh:
	}

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{apiSrv, metricsSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}

	// Порядок: сначала источники событий, потом очереди
	cancelBg()
	bg.Wait()
	svc.Close()
	trail.Stop()
	dispatcher.Stop()
	logger.Info("governor exited properly")
	return runErr
}

func buildNotifier(cfg infra.NotifyConfig, logger *zap.Logger, metrics *governance.Metrics) *notify.Service {
	list := make([]notify.ApproverInfo, 0, len(cfg.Approvers))
	for _, a := range cfg.Approvers {
		info := notify.ApproverInfo{
			ID:          a.ID,
			Name:        a.Name,
			Email:       a.Email,
			SlackUserID: a.SlackUserID,
			Roles:       a.Roles,
		}
		for _, ch := range a.PreferredChannels {
			info.PreferredChannels = append(info.PreferredChannels, notify.Channel(ch))
		}
		list = append(list, info)
	}

	svc := notify.NewService(notify.NewStaticResolver(list), logger)
	svc.SetObserver(func(ch notify.Channel, ok bool) {
		metrics.ObserveNotification(string(ch), ok)
	})

	opts := notify.DefaultDeliveryOptions()
	opts.RatePerSecond = cfg.RatePerSecond
	hc := &http.Client{Timeout: opts.Timeout}

	if cfg.SMTP.Host != "" {
		svc.RegisterAdapter(notify.NewEmailAdapter(notify.SMTPSettings{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}))
	}
	if cfg.SlackWebhookURL != "" {
		svc.RegisterAdapter(notify.NewSlackAdapter(cfg.SlackWebhookURL, hc, opts))
	}
	if cfg.TeamsWebhookURL != "" {
		svc.RegisterAdapter(notify.NewTeamsAdapter(cfg.TeamsWebhookURL, hc, opts))
	}
	if cfg.WebhookURL != "" {
		svc.RegisterAdapter(notify.NewWebhookAdapter(cfg.WebhookURL, cfg.WebhookSecret, hc, opts))
	}
	return svc
}

// sweep: внешний планировщик для истечения согласований
func sweep(ctx context.Context, svc *governance.Service, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.SweepExpired(ctx)
			if err != nil {
				logger.Error("approval sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("approval requests expired", zap.Int("count", n))
			}
		}
	}
}
