// Package checkout はカートから決済セッションを作り、決済完了時に注文を確定する。
//
// チェックアウトは pending → session_created → confirmed | failed | expired の順に遷移する。
// 金額は常にサーバー側のカートと商品価格から再計算し、クライアントの値は使わない。
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/storefront/internal/cart"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/payment"
	"github.com/hitoshi/storefront/internal/repository"
)

// CouponProvider はチェックアウトが必要とするクーポン操作。
type CouponProvider interface {
	// ResolveForCheckout はcodeが空なら適用中のクーポンを、指定されていればそれを検証して返す。
	ResolveForCheckout(ctx context.Context, userID, code string) (*model.Coupon, error)
	RemoveCoupon(ctx context.Context, userID string) error
	IssueReward(ctx context.Context, userID string, purchaseTotal decimal.Decimal) (*model.Coupon, error)
}

// Observer はチェックアウトのイベントを受け取る。
type Observer interface {
	CheckoutStatusChanged(status string)
	OrderCreated(total float64)
	PaymentProviderFailed(operation string)
}

type noopObserver struct{}

func (noopObserver) CheckoutStatusChanged(string) {}
func (noopObserver) OrderCreated(float64)         {}
func (noopObserver) PaymentProviderFailed(string) {}

// Config はチェックアウトの設定。
type Config struct {
	Currency   string
	SuccessURL string // {CHECKOUT_SESSION_ID} は決済サービスが置換する
	CancelURL  string
	SessionTTL time.Duration
}

// Result はCreateSessionの結果。
type Result struct {
	CheckoutID string
	SessionID  string
	URL        string
	Coupon     *model.Coupon
	cart.Totals
}

// Orchestrator はチェックアウト処理を統括する。
type Orchestrator struct {
	cartRepo     repository.CartRepository
	checkoutRepo repository.CheckoutRepository
	orderRepo    repository.OrderRepository
	coupons      CouponProvider
	processor    payment.Processor
	cfg          Config
	observer     Observer
	now          func() time.Time
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(
	cartRepo repository.CartRepository,
	checkoutRepo repository.CheckoutRepository,
	orderRepo repository.OrderRepository,
	coupons CouponProvider,
	processor payment.Processor,
	cfg Config,
) *Orchestrator {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	return &Orchestrator{
		cartRepo:     cartRepo,
		checkoutRepo: checkoutRepo,
		orderRepo:    orderRepo,
		coupons:      coupons,
		processor:    processor,
		cfg:          cfg,
		observer:     noopObserver{},
		now:          time.Now,
	}
}

// SetObserver はイベント通知先を設定する。
func (o *Orchestrator) SetObserver(obs Observer) {
	if obs != nil {
		o.observer = obs
	}
}

// CreateSession はカートの内容から決済セッションを作成する。
// 決済サービスの呼び出しに失敗した場合、チェックアウトはfailedになりカートとクーポンは変更されない。
func (o *Orchestrator) CreateSession(ctx context.Context, userID, couponCode string) (*Result, error) {
	lines, err := o.cartRepo.ListLines(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if len(lines) == 0 {
		return nil, model.NewEmptyCartError()
	}

	coupon, err := o.coupons.ResolveForCheckout(ctx, userID, couponCode)
	if err != nil {
		return nil, err
	}

	now := o.now()
	totals := cart.ComputeTotals(lines, coupon, now)

	items := make([]model.OrderItem, 0, len(lines))
	lineItems := make([]payment.LineItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, model.OrderItem{
			ProductID: l.Product.ID,
			Name:      l.Product.Name,
			UnitPrice: l.Product.Price,
			Quantity:  l.Quantity,
		})
		lineItems = append(lineItems, payment.LineItem{
			Name:       l.Product.Name,
			UnitAmount: l.Product.Price,
			Quantity:   l.Quantity,
		})
	}

	chk := &model.CheckoutSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    model.CheckoutStatusPending,
		Subtotal:  totals.Subtotal,
		Discount:  totals.Discount,
		Total:     totals.Total,
		Currency:  o.cfg.Currency,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
	in := payment.CreateSessionInput{
		CheckoutID: chk.ID,
		UserID:     userID,
		Currency:   o.cfg.Currency,
		Items:      lineItems,
		SuccessURL: o.cfg.SuccessURL,
		CancelURL:  o.cfg.CancelURL,
	}
	if coupon != nil {
		chk.CouponCode = coupon.Code
		in.CouponCode = coupon.Code
		in.DiscountPercent = coupon.DiscountPercent
	}

	if err := o.checkoutRepo.Create(ctx, chk); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, model.NewCouponInCheckoutError(chk.CouponCode)
		}
		return nil, fmt.Errorf("failed to create checkout: %w", err)
	}
	o.observer.CheckoutStatusChanged(string(model.CheckoutStatusPending))

	session, err := o.processor.CreateSession(ctx, in)
	if err != nil {
		slog.Error("payment session creation failed",
			slog.String("checkout_id", chk.ID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		o.observer.PaymentProviderFailed("create_session")
		if _, uerr := o.checkoutRepo.UpdateStatus(ctx, chk.ID, model.CheckoutStatusPending, model.CheckoutStatusFailed); uerr != nil {
			slog.Error("failed to mark checkout as failed",
				slog.String("checkout_id", chk.ID),
				slog.String("error", uerr.Error()),
			)
		} else {
			o.observer.CheckoutStatusChanged(string(model.CheckoutStatusFailed))
		}
		return nil, model.NewPaymentProviderError("決済セッションを作成できませんでした")
	}

	attached, err := o.checkoutRepo.AttachProviderSession(ctx, chk.ID, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to attach payment session: %w", err)
	}
	if !attached {
		return nil, model.NewCheckoutStateConflictError(model.CheckoutStatusPending, model.CheckoutStatusSessionCreated)
	}
	o.observer.CheckoutStatusChanged(string(model.CheckoutStatusSessionCreated))

	slog.Info("checkout session created",
		slog.String("checkout_id", chk.ID),
		slog.String("session_id", session.ID),
		slog.String("user_id", userID),
		slog.String("total", totals.Total.StringFixed(2)),
	)

	return &Result{
		CheckoutID: chk.ID,
		SessionID:  session.ID,
		URL:        session.URL,
		Coupon:     coupon,
		Totals:     totals,
	}, nil
}

// ConfirmPayment は決済完了を確認して注文を確定する。
// 同じセッションIDで何度呼ばれても注文は1件しか作られない。
func (o *Orchestrator) ConfirmPayment(ctx context.Context, sessionID string) (*model.Order, error) {
	existing, err := o.orderRepo.FindByPaymentSessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	chk, err := o.findCheckout(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.confirm(ctx, chk)
}

// ConfirmPaymentForUser は決済完了画面からの確認で、セッションの所有者を検証してから確定する。
func (o *Orchestrator) ConfirmPaymentForUser(ctx context.Context, userID, sessionID string) (*model.Order, error) {
	chk, err := o.findCheckout(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if chk.UserID != userID {
		return nil, model.NewCheckoutNotFoundError(sessionID)
	}

	existing, err := o.orderRepo.FindByPaymentSessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	return o.confirm(ctx, chk)
}

func (o *Orchestrator) confirm(ctx context.Context, chk *model.CheckoutSession) (*model.Order, error) {
	session, err := o.processor.GetSession(ctx, chk.ProviderSessionID)
	if err != nil {
		slog.Error("payment session lookup failed",
			slog.String("checkout_id", chk.ID),
			slog.String("session_id", chk.ProviderSessionID),
			slog.String("error", err.Error()),
		)
		o.observer.PaymentProviderFailed("get_session")
		return nil, model.NewPaymentProviderError("決済状況を確認できませんでした")
	}
	if !session.IsPaid() {
		return nil, model.NewPaymentNotCompletedError()
	}
	if session.AmountTotal != 0 && session.AmountTotal != payment.ToMinorUnits(chk.Total) {
		slog.Warn("paid amount differs from checkout total",
			slog.String("checkout_id", chk.ID),
			slog.Int64("paid", session.AmountTotal),
			slog.String("total", chk.Total.StringFixed(2)),
		)
	}
	if chk.Status != model.CheckoutStatusSessionCreated && chk.Status != model.CheckoutStatusConfirmed {
		// 支払い済みの場合は期限切れ・キャンセル後でも注文を作る
		slog.Warn("confirming paid checkout in non-open state",
			slog.String("checkout_id", chk.ID),
			slog.String("status", string(chk.Status)),
		)
	}

	order := &model.Order{
		ID:               uuid.New().String(),
		UserID:           chk.UserID,
		Items:            chk.Items,
		TotalAmount:      chk.Total,
		Currency:         chk.Currency,
		PaymentSessionID: chk.ProviderSessionID,
		Status:           model.OrderStatusPaid,
		CreatedAt:        o.now(),
	}

	saved, created, err := o.orderRepo.CompleteCheckout(ctx, repository.CheckoutCompletion{
		Order:      order,
		CheckoutID: chk.ID,
		CouponCode: chk.CouponCode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete checkout: %w", err)
	}
	if !created {
		return saved, nil
	}

	o.observer.CheckoutStatusChanged(string(model.CheckoutStatusConfirmed))
	o.observer.OrderCreated(saved.TotalAmount.InexactFloat64())
	slog.Info("order created",
		slog.String("order_id", saved.ID),
		slog.String("checkout_id", chk.ID),
		slog.String("user_id", chk.UserID),
		slog.String("total", saved.TotalAmount.StringFixed(2)),
	)

	if err := o.coupons.RemoveCoupon(ctx, chk.UserID); err != nil {
		slog.Warn("failed to clear applied coupon", slog.String("user_id", chk.UserID), slog.String("error", err.Error()))
	}
	if _, err := o.coupons.IssueReward(ctx, chk.UserID, saved.TotalAmount); err != nil {
		slog.Warn("failed to issue reward coupon", slog.String("user_id", chk.UserID), slog.String("error", err.Error()))
	}

	return saved, nil
}

// CancelSession はチェックアウトをfailedにする。カートとクーポンは変更しない。
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) error {
	chk, err := o.findCheckout(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.abandon(ctx, chk, model.CheckoutStatusFailed)
}

// CancelSessionForUser は所有者を検証してからチェックアウトをfailedにする。
func (o *Orchestrator) CancelSessionForUser(ctx context.Context, userID, sessionID string) error {
	chk, err := o.findCheckout(ctx, sessionID)
	if err != nil {
		return err
	}
	if chk.UserID != userID {
		return model.NewCheckoutNotFoundError(sessionID)
	}
	return o.abandon(ctx, chk, model.CheckoutStatusFailed)
}

// ExpireSession はチェックアウトをexpiredにする。
func (o *Orchestrator) ExpireSession(ctx context.Context, sessionID string) error {
	chk, err := o.findCheckout(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.abandon(ctx, chk, model.CheckoutStatusExpired)
}

// abandon は未完了のチェックアウトを終端状態にする。
// 既にfailed/expiredなら何もしない。confirmedの場合は競合エラーを返す。
func (o *Orchestrator) abandon(ctx context.Context, chk *model.CheckoutSession, to model.CheckoutStatus) error {
	for attempt := 0; attempt < 2; attempt++ {
		if chk.Status == model.CheckoutStatusConfirmed {
			return model.NewCheckoutStateConflictError(chk.Status, to)
		}
		if chk.Status.IsTerminal() {
			return nil
		}

		ok, err := o.checkoutRepo.UpdateStatus(ctx, chk.ID, chk.Status, to)
		if err != nil {
			return fmt.Errorf("failed to update checkout status: %w", err)
		}
		if ok {
			o.observer.CheckoutStatusChanged(string(to))
			slog.Info("checkout abandoned",
				slog.String("checkout_id", chk.ID),
				slog.String("status", string(to)),
			)
			return nil
		}

		// 他のリクエストが先に遷移させたので最新の状態で判定し直す
		chk, err = o.checkoutRepo.FindByID(ctx, chk.ID)
		if err != nil {
			return fmt.Errorf("failed to reload checkout: %w", err)
		}
		if chk == nil {
			return model.NewCheckoutNotFoundError("")
		}
	}
	return model.NewCheckoutStateConflictError(chk.Status, to)
}

// HandleEvent は決済サービスからのWebhookイベントを処理する。
// 未知のセッションや対象外のイベントは無視する。
func (o *Orchestrator) HandleEvent(ctx context.Context, event *payment.Event) error {
	var err error
	switch event.Type {
	case payment.EventCheckoutCompleted, payment.EventCheckoutAsyncPaymentSucceeded:
		if !event.Session.IsPaid() {
			// 非同期決済は後続のイベントで確定する
			return nil
		}
		_, err = o.ConfirmPayment(ctx, event.Session.ID)
	case payment.EventCheckoutExpired:
		err = o.ExpireSession(ctx, event.Session.ID)
	case payment.EventCheckoutAsyncPaymentFailed:
		err = o.CancelSession(ctx, event.Session.ID)
	default:
		slog.Debug("ignored webhook event", slog.String("event_id", event.ID), slog.String("type", event.Type))
		return nil
	}

	if model.HasCode(err, model.ErrCodeCheckoutNotFound) {
		slog.Warn("webhook for unknown checkout session",
			slog.String("event_id", event.ID),
			slog.String("session_id", event.Session.ID),
		)
		return nil
	}
	return err
}

// ExpireAbandoned は一定時間完了しなかったチェックアウトをexpiredにし、件数を返す。
func (o *Orchestrator) ExpireAbandoned(ctx context.Context) (int, error) {
	ids, err := o.checkoutRepo.ExpireStale(ctx, o.now().Add(-o.cfg.SessionTTL))
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale checkouts: %w", err)
	}
	for range ids {
		o.observer.CheckoutStatusChanged(string(model.CheckoutStatusExpired))
	}
	return len(ids), nil
}

// ListOrders はユーザーの注文履歴を返す。
func (o *Orchestrator) ListOrders(ctx context.Context, userID string) ([]*model.Order, error) {
	return o.orderRepo.ListByUserID(ctx, userID)
}

func (o *Orchestrator) findCheckout(ctx context.Context, sessionID string) (*model.CheckoutSession, error) {
	if sessionID == "" {
		return nil, model.NewValidationError("sessionIdは必須です。")
	}
	chk, err := o.checkoutRepo.FindByProviderSessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find checkout: %w", err)
	}
	if chk == nil {
		return nil, model.NewCheckoutNotFoundError(sessionID)
	}
	return chk, nil
}
