// Package main запускает HTTP-сервер сервиса цифровых пропусков.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nocodeguys/digital-pass-system/internal/community"
	"github.com/nocodeguys/digital-pass-system/internal/config"
	"github.com/nocodeguys/digital-pass-system/internal/entitlement"
	"github.com/nocodeguys/digital-pass-system/internal/handler"
	"github.com/nocodeguys/digital-pass-system/internal/middleware"
	"github.com/nocodeguys/digital-pass-system/internal/notification"
	"github.com/nocodeguys/digital-pass-system/internal/repository"
	"github.com/nocodeguys/digital-pass-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	communityClient := community.NewClient(cfg.CircleAPIURL, cfg.CircleAPIKey, cfg.CircleCommunityID)
	if !communityClient.Enabled() {
		sugar.Infow("community sync disabled: no API key or community ID configured")
	}

	notifier := notification.NewSender(logger)
	step := entitlement.NewExtendAccessStep(repo, repo, repo)

	svc := service.NewService(repo, step, communityClient, notifier, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.WebhookSecret)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых процессов: ежедневная сверка истёкших прав доступа
	// и доводка отложенных операций синхронизации членства
	svc.StartExpirySweep(ctx)
	svc.StartOutboxWorker(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting digital pass server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
