// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"device-credential-service/config"
	"device-credential-service/internal/handler"
	"device-credential-service/internal/infra"
	"device-credential-service/internal/platform"
	"device-credential-service/internal/repository"
	"device-credential-service/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	infra.SetupLogger(os.Stdout, cfg)

	db, err := infra.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if cfg.IsSQLite() {
		if err := repository.AutoMigrate(db); err != nil {
			return err
		}
	}

	wrapper, closeWrapper, err := newKeyWrapper(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeWrapper()

	// DI
	sim := platform.NewSimulator(cfg.SimulatorDeviceSecure)
	service := usecase.NewCredentialService(
		sim,
		repository.NewKeystoreRepository(db),
		repository.NewPinRepository(db),
		wrapper,
		usecase.WithPlatformTimeout(cfg.PlatformTimeout),
	)
	router := handler.NewRouter(
		handler.NewCredentialHandler(service),
		handler.NewSimulatorHandler(sim),
		cfg,
	)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"port", cfg.Port,
			"platform", cfg.Platform,
			"key_wrapper", cfg.KeyWrapper,
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// newKeyWrapper は設定に応じたデータ鍵の保護方式を返す。
func newKeyWrapper(ctx context.Context, cfg *config.Config) (usecase.KeyWrapper, func(), error) {
	switch cfg.KeyWrapper {
	case config.KeyWrapperKMS:
		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, nil, fmt.Errorf("init KMS client: %w", err)
		}
		return kmsClient, func() {
			if err := kmsClient.Close(); err != nil {
				slog.Error("failed to close KMS client", "error", err)
			}
		}, nil
	default:
		return infra.NewKeyringWrapper(cfg.KeyringService), func() {}, nil
	}
}
