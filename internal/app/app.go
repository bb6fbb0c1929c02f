package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/cart"
	"github.com/hitoshi/storefront/internal/checkout"
	"github.com/hitoshi/storefront/internal/config"
	"github.com/hitoshi/storefront/internal/coupon"
	"github.com/hitoshi/storefront/internal/database"
	"github.com/hitoshi/storefront/internal/handler"
	"github.com/hitoshi/storefront/internal/logger"
	"github.com/hitoshi/storefront/internal/metrics"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/payment"
	"github.com/hitoshi/storefront/internal/product"
	"github.com/hitoshi/storefront/internal/repository"
	"github.com/hitoshi/storefront/internal/security"
	"github.com/hitoshi/storefront/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
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

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandCleanup:
		return runCleanupOnce(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRollback:
		return runRollback(cfg)
	default:
		return runServe(cfg)
	}
}

// services はserveとworkerで共有するドメインサービス群。
type services struct {
	tokens   *auth.TokenService
	users    repository.UserRepository
	auth     *auth.Service
	products *product.Service
	carts    *cart.Service
	coupons  *coupon.Service
	checkout *checkout.Orchestrator
	webhook  *payment.WebhookVerifier
}

// buildServices はリポジトリとドメインサービスを組み立てる。
// collectorがnilの場合はメトリクスを記録しない。
func buildServices(cfg *config.Config, db *sql.DB, rdb *redis.Client, collector *metrics.Collector) *services {
	// リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	productRepo := repository.NewPostgresProductRepo(db)
	cartRepo := repository.NewPostgresCartRepo(db)
	couponRepo := repository.NewPostgresCouponRepo(db)
	checkoutRepo := repository.NewPostgresCheckoutRepo(db)
	orderRepo := repository.NewPostgresOrderRepo(db)

	tokenStore := repository.NewRedisRefreshTokenStore(rdb)
	appliedCoupons := repository.NewRedisAppliedCouponStore(rdb)
	productCache := repository.NewRedisProductCache(rdb)

	// 認証
	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  cfg.AccessTokenSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	}, tokenStore)
	authService := auth.NewService(userRepo, tokens)

	// カタログ・カート・クーポン
	productService := product.NewService(productRepo, productCache, security.NewContentSanitizer(), cfg.FeaturedCacheTTL)
	couponService := coupon.NewService(couponRepo, appliedCoupons, coupon.RewardPolicy{
		Threshold:       cfg.RewardCouponThreshold,
		DiscountPercent: cfg.RewardCouponPercent,
		Validity:        cfg.RewardCouponValidity,
	})
	cartService := cart.NewService(cartRepo, productRepo, couponService)

	// 決済
	paymentClient := payment.NewClient(payment.ClientConfig{
		SecretKey: cfg.PaymentSecretKey,
		BaseURL:   cfg.PaymentAPIURL,
		Timeout:   cfg.PaymentTimeout,
	})
	orchestrator := checkout.NewOrchestrator(cartRepo, checkoutRepo, orderRepo, couponService, paymentClient, checkout.Config{
		Currency:   cfg.Currency,
		SuccessURL: cfg.ClientURL + "/purchase-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  cfg.ClientURL + "/purchase-cancel",
		SessionTTL: cfg.CheckoutSessionTTL,
	})

	if collector != nil {
		tokens.SetObserver(collector)
		orchestrator.SetObserver(collector)
	}

	return &services{
		tokens:   tokens,
		users:    userRepo,
		auth:     authService,
		products: productService,
		carts:    cartService,
		coupons:  couponService,
		checkout: orchestrator,
		webhook:  payment.NewWebhookVerifier(cfg.PaymentWebhookSecret, payment.DefaultTolerance),
	}
}

// newRouter はAPIサーバーのルーターを構築する。
// 戻り値のRateLimiterはシャットダウン時にStopすること。
func newRouter(cfg *config.Config, db *sql.DB, rdb *redis.Client, reg *prometheus.Registry) (http.Handler, *middleware.RateLimiter) {
	collector := metrics.NewCollector(reg)
	svc := buildServices(cfg, db, rdb, collector)

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))

	deps := &handler.RouterDeps{
		AccessVerifier:     svc.tokens,
		UserFinder:         svc.users,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		Logger:         slog.Default(),
		RequestMetrics: collector.Middleware,
		MetricsHandler: metrics.Handler(reg),
		HealthChecks: map[string]handler.HealthCheckFunc{
			"postgres": db.PingContext,
			"redis": func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		},

		AuthService: svc.auth,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},

		ProductService: svc.products,
		CartService:    svc.carts,
		CouponService:  svc.coupons,

		CheckoutService: svc.checkout,
		WebhookParser:   svc.webhook,
	}

	return handler.NewRouter(deps), rateLimiter
}

// openStores はPostgreSQLとRedisに接続する。失敗した場合は開いた接続を閉じる。
func openStores(ctx context.Context, cfg *config.Config) (*sql.DB, *redis.Client, error) {
	db, err := database.OpenWithPool(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	rdb, err := database.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connection established")

	return db, rdb, nil
}

// runServe はAPIサーバーモードで起動する。
// DBとRedisに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	db, rdb, err := openStores(connectCtx, cfg)
	cancelConnect()
	if err != nil {
		return err
	}
	defer db.Close()
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router, rateLimiter := newRouter(cfg, db, rdb, reg)
	defer rateLimiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 放置されたチェックアウトの失効と期限切れクーポンの無効化を定期実行する。
// MetricsPortが設定されていれば/metricsを公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	db, rdb, err := openStores(connectCtx, cfg)
	cancelConnect()
	if err != nil {
		return err
	}
	defer db.Close()
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	cleanupJob := newCleanupJob(cfg, db, rdb, reg)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	if cfg.MetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metrics.SetupMetricsRoute(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics listen error", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("checkout_session_ttl", cfg.CheckoutSessionTTL),
		slog.String("metrics_port", cfg.MetricsPort),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// newCleanupJob はworkerとcleanupコマンドで共有するクリーンアップジョブを組み立てる。
func newCleanupJob(cfg *config.Config, db *sql.DB, rdb *redis.Client, reg prometheus.Registerer) *cleanup.CleanupJob {
	collector := metrics.NewCollector(reg)
	svc := buildServices(cfg, db, rdb, collector)
	return cleanup.NewCleanupJob(db, svc.checkout, repository.NewPostgresCouponRepo(db), collector, slog.Default())
}

// runCleanupOnce はクリーンアップを1回実行して終了する。
func runCleanupOnce(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, rdb, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer rdb.Close()

	if err := newCleanupJob(cfg, db, rdb, prometheus.NewRegistry()).Run(ctx); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runRollback は直近のマイグレーションを1つ戻す。
func runRollback(cfg *config.Config) error {
	slog.Warn("rolling back latest migration",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RollbackMigrations(cfg.DatabaseURL, 1)
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	slog.Info("migration rolled back", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
