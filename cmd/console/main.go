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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-agent-sandbox/internal/console/handler"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/console/server"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/console/service"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/grants"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra"
	"github.com/xela07ax/spaceai-agent-sandbox/internal/infra/auth"
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

	// 2. Инициализация ресурсов
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
	userRepo := postgres.NewUserRepo(cfg.Database.URL)

	// Проверяем соединение с таймаутом
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := userRepo.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	// Консоль подписывает токены: закрытый ключ обязателен
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("failed to parse auth private key", zap.Error(err))
	}

	// 3. Инициализация слоев (Dependency Injection)
	authService := service.NewAuthService(userRepo, privateKey)
	grantService := service.NewGrantService(grantRepo, grants.NewRedisFanout(rdb, logger), logger)
	auditService := service.NewAuditService(auditRepo)

	consoleSrv := server.NewConsoleServer(
		cfg,
		logger,
		authService, // embedding BaseValidator => auth.TokenValidator
		handler.NewAuthHandler(authService),
		handler.NewGrantHandler(grantService),
		handler.NewDashboardHandler(auditService),
		handler.NewAuditHandler(auditService),
	)

	// 4. Запуск сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("console API stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}
