package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
)

// WebhookPath は決済事業者からのWebhookを受け付けるパス。CSRF検証の対象外。
const WebhookPath = "/api/payments/webhook"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	AccessVerifier     middleware.AccessVerifier
	UserFinder         middleware.UserFinder
	CORSAllowedOrigins []string
	CSRFConfig         middleware.CSRFConfig
	RateLimiter        *middleware.RateLimiter
	Logger             *slog.Logger
	// RequestMetrics はリクエスト単位のメトリクス記録ミドルウェア。nilの場合は記録しない。
	RequestMetrics func(http.Handler) http.Handler
	MetricsHandler http.Handler
	HealthChecks   map[string]HealthCheckFunc

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// カタログ・カート・クーポン
	ProductService ProductServiceInterface
	CartService    CartServiceInterface
	CouponService  CouponServiceInterface

	// 決済
	CheckoutService CheckoutServiceInterface
	WebhookParser   WebhookParser
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → RealIP → Logging → Metrics → SecurityHeaders → CORS → CSRF
//
// 認証が必要なルートではさらに Auth → RateLimit(General) → Capability を適用する。
// 認証エンドポイントはIP単位の認証用レート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	csrfConfig := deps.CSRFConfig
	csrfConfig.ExemptPaths = append(csrfConfig.ExemptPaths, WebhookPath)

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.RequestMetrics != nil {
		r.Use(deps.RequestMetrics)
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))
	r.Use(middleware.NewCSRFMiddleware(csrfConfig))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	productHandler := NewProductHandler(deps.ProductService)
	cartHandler := NewCartHandler(deps.CartService)
	couponHandler := NewCouponHandler(deps.CouponService)
	paymentHandler := NewPaymentHandler(deps.CheckoutService, deps.WebhookParser)

	authenticate := middleware.NewAuthMiddleware(deps.AccessVerifier, deps.UserFinder)
	purchase := middleware.RequireCapability(model.CapabilityPurchase)

	// --- 認証不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecks))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// Webhookは署名で認証する
	r.Post(WebhookPath, paymentHandler.Webhook)

	// 認証ルート
	r.Route("/api/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/signup", authHandler.Signup)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh-token", authHandler.RefreshToken)
		})
		r.Post("/logout", authHandler.Logout)
		r.With(authenticate, deps.RateLimiter.GeneralMiddleware()).Get("/profile", authHandler.Profile)
	})

	// 公開カタログ
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Get("/api/products/featured", productHandler.ListFeatured)
		r.Get("/api/products/category/{category}", productHandler.ListByCategory)
		r.Get("/api/products/recommendations", productHandler.Recommendations)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(authenticate)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 商品管理（管理者のみ）
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminOnly)
			r.Get("/api/products", productHandler.ListAll)
			r.Post("/api/products", productHandler.Create)
			r.Patch("/api/products/{id}", productHandler.ToggleFeatured)
			r.Delete("/api/products/{id}", productHandler.Delete)
		})

		r.Group(func(r chi.Router) {
			r.Use(purchase)

			r.Route("/api/cart", func(r chi.Router) {
				r.Get("/", cartHandler.GetCart)
				r.Post("/", cartHandler.AddItem)
				r.Delete("/", cartHandler.RemoveOrClear)
				r.Put("/{productId}", cartHandler.UpdateQuantity)
				r.Delete("/{productId}", cartHandler.RemoveItem)
			})

			r.Route("/api/coupons", func(r chi.Router) {
				r.Get("/", couponHandler.GetCoupon)
				r.Post("/validate", couponHandler.ValidateCoupon)
				r.Post("/apply", couponHandler.ApplyCoupon)
				r.Delete("/apply", couponHandler.RemoveCoupon)
			})

			r.Route("/api/payments", func(r chi.Router) {
				r.Post("/create-checkout-session", paymentHandler.CreateCheckoutSession)
				r.Post("/checkout-success", paymentHandler.CheckoutSuccess)
				r.Post("/checkout-cancel", paymentHandler.CheckoutCancel)
			})

			r.Get("/api/orders", paymentHandler.ListOrders)
		})
	})

	return r
}
