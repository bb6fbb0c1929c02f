// Package payment は外部決済サービス（Stripe互換API）との連携を提供する。
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultBaseURL = "https://api.stripe.com"

	// PaymentStatusPaid は支払いが完了したセッションのpayment_status。
	PaymentStatusPaid = "paid"
)

// LineItem は決済セッションに渡す商品行。
type LineItem struct {
	Name       string
	UnitAmount decimal.Decimal
	Quantity   int
}

// CreateSessionInput は決済セッション作成の入力。
type CreateSessionInput struct {
	CheckoutID      string
	UserID          string
	Currency        string
	Items           []LineItem
	DiscountPercent int // 0の場合は割引なし
	CouponCode      string
	SuccessURL      string
	CancelURL       string
}

// Session は決済サービス側のチェックアウトセッション。
type Session struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// IsPaid は支払いが完了しているかを返す。
func (s *Session) IsPaid() bool {
	return s != nil && s.PaymentStatus == PaymentStatusPaid
}

// Processor は決済サービスのインターフェース。
type Processor interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}

// ClientConfig は決済APIクライアントの設定。
type ClientConfig struct {
	SecretKey string
	BaseURL   string // テスト用にオーバーライド可能
	Timeout   time.Duration
}

// APIError は決済APIが返したエラー応答。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment api returned status %d: %s", e.StatusCode, e.Message)
}

// Client はStripe互換の決済APIクライアント。
// 連続した通信失敗でサーキットブレーカーが開き、一定時間呼び出しを遮断する。
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

// NewClient はClientを生成する。
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "payment-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 4xxは決済サービスの障害ではないため失敗として数えない
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    breaker,
	}
}

// CreateSession は決済セッションを作成する。
// 割引がある場合は1回限りのパーセント割引クーポンを作成して適用する。
func (c *Client) CreateSession(ctx context.Context, in CreateSessionInput) (*Session, error) {
	form := url.Values{
		"mode":                  {"payment"},
		"success_url":           {in.SuccessURL},
		"cancel_url":            {in.CancelURL},
		"client_reference_id":   {in.CheckoutID},
		"metadata[checkout_id]": {in.CheckoutID},
		"metadata[user_id]":     {in.UserID},
	}
	if in.CouponCode != "" {
		form.Set("metadata[coupon_code]", in.CouponCode)
	}

	for i, item := range in.Items {
		prefix := fmt.Sprintf("line_items[%d]", i)
		form.Set(prefix+"[price_data][currency]", in.Currency)
		form.Set(prefix+"[price_data][product_data][name]", item.Name)
		form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(ToMinorUnits(item.UnitAmount), 10))
		form.Set(prefix+"[quantity]", strconv.Itoa(item.Quantity))
	}

	if in.DiscountPercent > 0 {
		couponID, err := c.createCoupon(ctx, in.DiscountPercent)
		if err != nil {
			return nil, err
		}
		form.Set("discounts[0][coupon]", couponID)
	}

	var session Session
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &session); err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("empty session id in response")
	}
	return &session, nil
}

// GetSession は決済セッションの状態を取得する。
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	return &session, nil
}

func (c *Client) createCoupon(ctx context.Context, percent int) (string, error) {
	form := url.Values{
		"percent_off": {strconv.Itoa(percent)},
		"duration":    {"once"},
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/coupons", form, &resp); err != nil {
		return "", fmt.Errorf("failed to create discount coupon: %w", err)
	}
	return resp.ID, nil
}

// do はAPIを呼び出し、2xx応答のボディをoutにデコードする。
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		var reqBody io.Reader
		if form != nil {
			reqBody = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var errResp struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			msg := strings.TrimSpace(string(data))
			if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
				msg = errResp.Error.Message
			}
			return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// ToMinorUnits は金額を最小通貨単位（セント）に変換する。
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// compile-time interface check
var _ Processor = (*Client)(nil)
