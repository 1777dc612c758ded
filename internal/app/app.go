package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/taskman/internal/auth"
	"github.com/hitoshi/taskman/internal/config"
	"github.com/hitoshi/taskman/internal/database"
	"github.com/hitoshi/taskman/internal/handler"
	"github.com/hitoshi/taskman/internal/logger"
	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/middleware"
	"github.com/hitoshi/taskman/internal/repository"
	"github.com/hitoshi/taskman/internal/workspace"
)

// connectTimeout はストアへの初回接続とインデックス作成のタイムアウト。
const connectTimeout = 15 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
// 戻り値のio.Closerはログファイル出力を閉じる（LOG_FILE未設定ならnil）。
func Init(w io.Writer) (*config.Config, io.Closer, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルとファイル出力を設定に合わせる
	closer := logger.Configure(w, cfg.LogLevel, cfg.LogFile)

	return cfg, closer, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, closer, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("identity_backend", cfg.IdentityBackend),
	)

	switch cmd {
	case CommandMigrate:
		action, ok := ParseMigrateAction(args)
		if !ok {
			return fmt.Errorf("unknown migrate action: %q", args[1])
		}
		return runMigrate(cfg, action)
	default:
		return runServe(cfg)
	}
}

// server はワイヤリング済みのHTTPハンドラーと、停止時に解放するリソースを保持する。
type server struct {
	handler http.Handler
	closers []func()
}

// Close は登録と逆順にリソースを解放する。
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// newServer はストア・アイデンティティプロバイダー・Workspace・ルーターを組み立てる。
// 途中で失敗した場合はそれまでに確保したリソースを解放してエラーを返す。
func newServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *server, err error) {
	srv := &server{}
	defer func() {
		if err != nil {
			srv.Close()
		}
	}()

	// 1. ドキュメントストア
	store, checker, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, closeStore)

	// 2. アイデンティティプロバイダー
	provider, err := newProvider(cfg, log)
	if err != nil {
		return nil, err
	}

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 4. Workspace（セッション → 同期 → 表示の接続）
	ws := workspace.New(provider, store, workspace.Options{
		Metrics: collector,
		Logger:  log,
	})
	ws.Start()
	srv.closers = append(srv.closers, ws.Close)

	// 5. ルーターの構築
	limiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitAuth), log)
	srv.closers = append(srv.closers, limiter.Stop)

	srv.handler = handler.NewRouter(&handler.RouterDeps{
		Service:           ws,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Metrics:        collector,
		Logger:         log,
		HealthChecker:  checker,
		MetricsHandler: metrics.Handler(reg),
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
	})

	return srv, nil
}

// openStore は設定されたバックエンドのタスクストアを開く。
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.TaskStore, handler.HealthChecker, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		log.Info("database connection established",
			slog.String("database_url", maskURL(cfg.DatabaseURL)),
		)

		store := repository.NewPostgresTaskStore(db, repository.ListenerConfig{
			DatabaseURL:  cfg.DatabaseURL,
			MinReconnect: cfg.ListenerMinReconnect,
			MaxReconnect: cfg.ListenerMaxReconnect,
		}, log)
		return store, db, func() { db.Close() }, nil

	case config.StoreBackendMongo:
		client, err := repository.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		disconnect := func() {
			dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer dcancel()
			client.Disconnect(dctx)
		}

		store := repository.NewMongoTaskStore(
			client.Database(cfg.MongoDBName).Collection(cfg.MongoCollection), log)
		if err := store.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, nil, fmt.Errorf("failed to ensure indexes: %w", err)
		}
		log.Info("mongo connection established",
			slog.String("mongo_uri", maskURL(cfg.MongoURI)),
			slog.String("collection", cfg.MongoCollection),
		)

		checker := handler.HealthCheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		})
		return store, checker, disconnect, nil

	default:
		log.Warn("using in-memory task store; tasks are lost on restart")
		return repository.NewMemoryTaskStore(), nil, func() {}, nil
	}
}

// newProvider は設定されたアイデンティティプロバイダーを生成する。
func newProvider(cfg *config.Config, log *slog.Logger) (auth.Provider, error) {
	if cfg.IdentityBackend == config.IdentityBackendLocal {
		log.Warn("using local identity provider; users are lost on restart")
		provider, err := auth.NewLocalProvider(auth.LocalConfig{}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create local identity provider: %w", err)
		}
		return provider, nil
	}

	return auth.NewRemoteProvider(
		&http.Client{Timeout: cfg.IdentityTimeout},
		auth.RemoteConfig{
			Endpoint:           cfg.IdentityEndpoint,
			APIKey:             cfg.IdentityAPIKey,
			BreakerMaxFailures: uint32(cfg.BreakerMaxFailures),
			BreakerTimeout:     cfg.BreakerTimeout,
		},
		log,
	), nil
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はストアのスキーマを操作する。
// Postgresはマイグレーションの適用・1段階のロールバック・バージョン表示、Mongoはインデックス作成のみを行う。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		return migratePostgres(cfg.DatabaseURL, action)
	case config.StoreBackendMongo:
		if action != MigrateUp {
			return fmt.Errorf("migrate %s is not supported for the mongo backend", action)
		}
		_, _, closeStore, err := openStore(context.Background(), cfg, slog.Default())
		if err != nil {
			return err
		}
		closeStore()
		slog.Info("mongo indexes ensured")
		return nil
	default:
		return fmt.Errorf("migrate is not supported for the %s backend", cfg.StoreBackend)
	}
}

func migratePostgres(databaseURL string, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskURL(databaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigration(databaseURL); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("rolled back one migration")
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(databaseURL)
		if err != nil {
			return err
		}
		slog.Info("current schema version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	default:
		if err := database.RunMigrations(databaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskURL は接続URLのパスワードをマスクする。解析できない場合は全体を伏せる。
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
