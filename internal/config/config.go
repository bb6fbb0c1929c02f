package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	RedisURL          string
	FeaturedCacheTTL  time.Duration

	// Token
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration

	// Payment
	PaymentSecretKey     string
	PaymentWebhookSecret string
	PaymentAPIURL        string
	PaymentTimeout       time.Duration
	Currency             string

	// Checkout
	CheckoutSessionTTL    time.Duration
	RewardCouponThreshold decimal.Decimal
	RewardCouponPercent   int
	RewardCouponValidity  time.Duration

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitAuth    int

	// Worker
	CleanupInterval time.Duration
	// MetricsPort はワーカーが/metricsを公開するポート。空の場合は公開しない。
	MetricsPort string

	// Server
	ServerPort string
	BaseURL    string
	ClientURL  string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	// CORSAllowedOrigins はカンマ区切りで指定する。
	CORSAllowedOrigins []string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.RedisURL = required("REDIS_URL")
	cfg.AccessTokenSecret = required("ACCESS_TOKEN_SECRET")
	cfg.RefreshTokenSecret = required("REFRESH_TOKEN_SECRET")
	cfg.PaymentSecretKey = required("PAYMENT_SECRET_KEY")
	cfg.PaymentWebhookSecret = required("PAYMENT_WEBHOOK_SECRET")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.AccessTokenSecret == cfg.RefreshTokenSecret {
		return nil, fmt.Errorf("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.FeaturedCacheTTL = getEnvDuration("FEATURED_CACHE_TTL", time.Hour)
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour)
	cfg.PaymentAPIURL = getEnvString("PAYMENT_API_URL", "https://api.stripe.com")
	cfg.PaymentTimeout = getEnvDuration("PAYMENT_TIMEOUT", 10*time.Second)
	cfg.Currency = strings.ToLower(getEnvString("CURRENCY", "usd"))
	cfg.CheckoutSessionTTL = getEnvDuration("CHECKOUT_SESSION_TTL", 30*time.Minute)
	cfg.RewardCouponThreshold = getEnvDecimal("REWARD_COUPON_THRESHOLD", decimal.NewFromInt(200))
	cfg.RewardCouponPercent = getEnvInt("REWARD_COUPON_PERCENT", 10)
	cfg.RewardCouponValidity = getEnvDuration("REWARD_COUPON_VALIDITY", 30*24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute)
	cfg.MetricsPort = getEnvString("WORKER_METRICS_PORT", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.ClientURL = getEnvString("CLIENT_URL", "http://localhost:5173")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{cfg.ClientURL})

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return defaultVal
	}
	return d
}
