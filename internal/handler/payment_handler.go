package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/storefront/internal/checkout"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/payment"
)

// maxWebhookBodySize はWebhookペイロードの上限。
const maxWebhookBodySize = 64 << 10

// CheckoutServiceInterface は決済ハンドラーが必要とするサービスインターフェース。
type CheckoutServiceInterface interface {
	CreateSession(ctx context.Context, userID, couponCode string) (*checkout.Result, error)
	ConfirmPaymentForUser(ctx context.Context, userID, sessionID string) (*model.Order, error)
	CancelSessionForUser(ctx context.Context, userID, sessionID string) error
	HandleEvent(ctx context.Context, event *payment.Event) error
	ListOrders(ctx context.Context, userID string) ([]*model.Order, error)
}

// WebhookParser はWebhookの署名を検証してイベントを返す。
type WebhookParser interface {
	ParseEvent(payload []byte, header string) (*payment.Event, error)
}

// PaymentHandler はチェックアウトと注文のHTTPハンドラー。
type PaymentHandler struct {
	service CheckoutServiceInterface
	webhook WebhookParser
}

// NewPaymentHandler はPaymentHandlerを生成する。
func NewPaymentHandler(service CheckoutServiceInterface, webhook WebhookParser) *PaymentHandler {
	return &PaymentHandler{service: service, webhook: webhook}
}

// createSessionRequest はチェックアウト開始リクエスト。
// カートの内容はサーバー側で読み込むため、クライアントからは受け取らない。
type createSessionRequest struct {
	CouponCode string `json:"couponCode"`
}

type sessionIDRequest struct {
	SessionID string `json:"sessionId"`
}

type createSessionResponse struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	CheckoutID  string          `json:"checkoutId"`
	Subtotal    float64         `json:"subtotal"`
	Discount    float64         `json:"discount"`
	TotalAmount float64         `json:"totalAmount"`
	Coupon      *couponResponse `json:"coupon"`
}

type orderItemResponse struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

type orderResponse struct {
	ID               string              `json:"id"`
	Items            []orderItemResponse `json:"products"`
	TotalAmount      float64             `json:"totalAmount"`
	Currency         string              `json:"currency"`
	PaymentSessionID string              `json:"paymentSessionId"`
	Status           string              `json:"status"`
	CreatedAt        time.Time           `json:"createdAt"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     money(it.UnitPrice),
			Quantity:  it.Quantity,
		})
	}
	return orderResponse{
		ID:               o.ID,
		Items:            items,
		TotalAmount:      money(o.TotalAmount),
		Currency:         o.Currency,
		PaymentSessionID: o.PaymentSessionID,
		Status:           string(o.Status),
		CreatedAt:        o.CreatedAt,
	}
}

// CreateCheckoutSession はカートから決済セッションを作成する。
// POST /api/payments/create-checkout-session
func (h *PaymentHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.CreateSession(r.Context(), userID, req.CouponCode)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{
		ID:          res.SessionID,
		URL:         res.URL,
		CheckoutID:  res.CheckoutID,
		Subtotal:    money(res.Subtotal),
		Discount:    money(res.Discount),
		TotalAmount: money(res.Total),
		Coupon:      toCouponResponse(res.Coupon),
	})
}

// CheckoutSuccess は決済完了を確認し、注文を確定する。同じセッションで何度呼んでも注文は1件。
// POST /api/payments/checkout-success
func (h *PaymentHandler) CheckoutSuccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req sessionIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	order, err := h.service.ConfirmPaymentForUser(r.Context(), userID, req.SessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "決済が完了し、注文を作成しました。",
		"orderId": order.ID,
		"order":   toOrderResponse(order),
	})
}

// CheckoutCancel は決済セッションをキャンセル扱いにする。カートとクーポンはそのまま残る。
// POST /api/payments/checkout-cancel
func (h *PaymentHandler) CheckoutCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req sessionIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.CancelSessionForUser(r.Context(), userID, req.SessionID); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "決済をキャンセルしました。"})
}

// Webhook は決済事業者からのイベント通知を処理する。
// POST /api/payments/webhook
// 署名不正は400、処理失敗は500を返し、事業者側の再送に任せる。
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("ペイロードを読み込めません。"))
		return
	}

	event, err := h.webhook.ParseEvent(payload, r.Header.Get(payment.SignatureHeader))
	if err != nil {
		slog.Warn("webhook rejected", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	if err := h.service.HandleEvent(r.Context(), event); err != nil {
		slog.Error("webhook handling failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ListOrders はユーザーの注文履歴を返す。
// GET /api/orders
func (h *PaymentHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	orders, err := h.service.ListOrders(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": resp})
}
