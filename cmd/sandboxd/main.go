package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/api"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/audit"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/backend"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/grants"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/guardian"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/isolation"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/orchestrator"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/repository/postgres"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	// При завершении main() или срабатывании SIGTERM, cancel() остановит слушателей
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if cfg.Database.URL == "" {
		logger.Fatal("database.url is required (DATABASE_URL)")
	}
	grantRepo := postgres.NewGrantRepo(cfg.Database.URL)
	auditRepo := postgres.NewAuditRepo(cfg.Database.URL)

	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := grantRepo.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	// 3. Аудит: асинхронный конвейер с пакетной записью в Postgres
	trail := audit.NewTrail(auditRepo, logger, audit.Options{
		BufferSize:    cfg.Sandbox.AuditBufferSize,
		BatchSize:     cfg.Sandbox.AuditBatchSize,
		FlushInterval: cfg.Sandbox.AuditFlushInterval,
	})
	trail.Start()

	// 4. Гранты: RAM-кэш + Postgres + Redis fan-out отзывов
	fanout := grants.NewRedisFanout(rdb, logger)
	store := grants.NewStore(grantRepo, fanout, trail, cfg.Sandbox.AllowedPathRoots, logger)
	if err := store.Refresh(appCtx); err != nil {
		logger.Warn("grant cache cold load failed, starting empty", zap.Error(err))
	}
	if err := grants.WarmupRevoked(appCtx, rdb, store, logger); err != nil {
		logger.Warn("revoked-set warm-up failed", zap.Error(err))
	}
	go grants.StartRevocationListener(appCtx, rdb, store, logger)

	// 5. Guardian: внешний PDP по gRPC, обернутый в Reliability (fail closed).
	// Без адреса работаем на встроенных правилах (dev-режим).
	var pdp guardian.Client
	if cfg.Guardian.Addr != "" {
		conn, err := grpc.Dial(cfg.Guardian.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Fatal("failed to connect to guardian", zap.Error(err))
		}
		defer conn.Close()
		pdp = guardian.NewReliableClient(
			guardian.NewGRPCClient(conn, cfg.Guardian.CallTimeout),
			cfg.Guardian,
			logger,
		)
	} else {
		logger.Warn("guardian.addr is empty, using built-in static guardian")
		pdp = guardian.NewStaticGuardian()
	}

	// 6. Слой изоляции и бэкенд исполнения
	policy := isolation.NewPolicy(cfg.Sandbox)
	builder := isolation.NewBuilder(policy, logger)

	var runner backend.Runner
	if cfg.Sandbox.Backend == "mock" {
		runner = backend.MockRunner{}
	} else {
		runner = backend.NewLocalRunner(logger)
	}

	// 7. Метрики
	reg := prometheus.NewRegistry()
	metrics := orchestrator.NewMetrics(reg)

	// Заполнение буфера аудита: видно, когда конвейер не успевает за потоком
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sandbox_audit_buffer_fill",
		Help: "Current number of audit events waiting in the buffer.",
	}, func() float64 { return float64(trail.QueueDepth()) })

	// Экспортируем метрики для Prometheus
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// 8. Флот песочниц
	fleet := orchestrator.NewManager(orchestrator.Deps{
		Store:    store,
		Policy:   policy,
		Builder:  builder,
		Guardian: pdp,
		Runner:   runner,
		Sink:     trail,
		Metrics:  metrics,
		Logger:   logger,
		Config:   cfg.Sandbox,
	}, logger)

	// 9. HTTP API. Без публичного ключа токены не проверяем (dev-режим)
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("failed to parse auth public key", zap.Error(err))
		}
		validator = auth.NewBaseValidator(pubKey)
	} else {
		logger.Warn("auth public key is not set, agent API is unauthenticated")
	}

	apiSrv := api.NewServer(store, fleet, validator, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("sandboxd started", zap.String("addr", srv.Addr), zap.String("backend", runner.Name()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("sandboxd stopping...")

	// Даем 10 секунд на завершение запросов и зачистку флота
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Все живые песочницы должны отозвать гранты и записаться в аудит
	fleet.CleanupAll(shutdownCtx)

	cancel()     // Останавливаем слушателей Redis
	trail.Stop() // Дожимаем хвост аудита в Postgres
	logger.Info("sandboxd exited properly")
}
