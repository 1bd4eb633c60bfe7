package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-governance/internal/console/handler"
	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
	"go.uber.org/zap"
)

// Скоупы токена оператора
const (
	ScopeApprovalsRead   = "approvals.read"
	ScopeApprovalsDecide = "approvals.decide"
	ScopePoliciesWrite   = "policies.write"
	ScopeBudgetsWrite    = "budgets.write"
	ScopeGovernanceCheck = "governance.check"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256)
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	approvalHandler   *handler.ApprovalHandler   // /v1/approvals (HITL)
	policyHandler     *handler.PolicyHandler     // /v1/policies
	governanceHandler *handler.GovernanceHandler // /v1/governance, /v1/budgets
}

// NewConsoleServer инициализирует API согласований и управления со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	approvalH *handler.ApprovalHandler,
	policyH *handler.PolicyHandler,
	governanceH *handler.GovernanceHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:            chi.NewRouter(),
		logger:            logger.Named("console-api"),
		authValidator:     validator,
		approvalHandler:   approvalH,
		policyHandler:     policyH,
		governanceHandler: governanceH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Путь вызова внешнего агента
		r.Route("/v1/governance", func(r chi.Router) {
			r.Get("/status", s.governanceHandler.Status)
			r.With(auth.RequireScope(ScopeGovernanceCheck)).Post("/check", s.governanceHandler.Check)
			r.With(auth.RequireScope(ScopeGovernanceCheck)).Post("/usage", s.governanceHandler.RecordUsage)
		})

		r.With(auth.RequireScope(ScopeBudgetsWrite)).Put("/v1/budgets/{agent_id}", s.governanceHandler.ConfigureBudget)

		// Управление Политиками (Policy Engine)
		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.policyHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.policyHandler.Get)
				r.With(auth.RequireScope(ScopePoliciesWrite)).Put("/", s.policyHandler.Put)
				r.With(auth.RequireScope(ScopePoliciesWrite)).Delete("/", s.policyHandler.Delete)
			})
		})

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Use(auth.RequireScope(ScopeApprovalsRead))
			r.Get("/", s.approvalHandler.List) // Очередь запросов на проверку
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(ScopeApprovalsDecide))
					r.Post("/approve", s.approvalHandler.Approve) // + Redis Publish
					r.Post("/reject", s.approvalHandler.Reject)
					r.Post("/escalate", s.approvalHandler.Escalate)
				})
			})
		})
	})
}

// accessLog: chi middleware.Logger пишет в stdlib log, нам нужен zap
func (s *ConsoleServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
