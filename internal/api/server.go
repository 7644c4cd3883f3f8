package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/grants"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/orchestrator"
)

// Server — агентский API sandboxd: гранты, песочницы, исполнение команд.
// Операторская поверхность (отзыв, аудит, дашборд) живет в консоли.
type Server struct {
	router  *chi.Mux
	logger  *zap.Logger
	store   *grants.Store
	fleet   *orchestrator.Manager
	checker auth.TokenValidator // nil = dev-режим без токенов
}

func NewServer(store *grants.Store, fleet *orchestrator.Manager, validator auth.TokenValidator, logger *zap.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger.Named("sandbox-api"),
		store:   store,
		fleet:   fleet,
		checker: validator,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		if s.checker != nil {
			r.Use(auth.NewMiddleware(s.checker, s.logger))
		}

		r.Post("/v1/grants", s.handleCreateGrant)

		r.Route("/v1/sandboxes", func(r chi.Router) {
			r.Post("/", s.handleCreateSandbox)
			r.Get("/", s.handleListSandboxes)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSandbox)
				r.Post("/execute", s.handleExecute)
				r.Delete("/", s.handleDeleteSandbox)
			})
		})
	})
}

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от агента/прокси)
		traceID := r.Header.Get("X-Trace-ID")

		// 2. Если его нет — генерируем новый
		if traceID == "" {
			traceID = uuid.New().String()
		}

		// 3. Кладем в контекст
		ctx := infra.WithTraceID(r.Context(), traceID)

		// 4. Добавляем в ответ, чтобы клиент тоже знал ID своего запроса
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
