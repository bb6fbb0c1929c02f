package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/payment"
	"github.com/hitoshi/storefront/internal/repository"
)

// --- モック定義 ---

// store はテスト用のインメモリDB。カート・チェックアウト・注文・クーポンを共有する。
type store struct {
	mu        sync.Mutex
	lines     map[string][]model.CartLine
	checkouts map[string]*model.CheckoutSession
	orders    map[string]*model.Order
	coupons   map[string]*model.Coupon // key: userID
}

func newStore() *store {
	return &store{
		lines:     map[string][]model.CartLine{},
		checkouts: map[string]*model.CheckoutSession{},
		orders:    map[string]*model.Order{},
		coupons:   map[string]*model.Coupon{},
	}
}

type fakeCartRepo struct {
	repository.CartRepository
	s *store
}

func (r *fakeCartRepo) ListLines(_ context.Context, userID string) ([]model.CartLine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]model.CartLine(nil), r.s.lines[userID]...), nil
}

type fakeCheckoutRepo struct {
	s         *store
	createErr error
}

func (r *fakeCheckoutRepo) Create(_ context.Context, c *model.CheckoutSession) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	// 未完了チェックアウトの(user_id, coupon_code)一意インデックスを再現する
	if c.CouponCode != "" {
		for _, other := range r.s.checkouts {
			if other.UserID == c.UserID && other.CouponCode == c.CouponCode && !other.Status.IsTerminal() {
				return repository.ErrDuplicateKey
			}
		}
	}
	cp := *c
	r.s.checkouts[c.ID] = &cp
	return nil
}

func (r *fakeCheckoutRepo) FindByID(_ context.Context, id string) (*model.CheckoutSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.checkouts[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeCheckoutRepo) FindByProviderSessionID(_ context.Context, psid string) (*model.CheckoutSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.checkouts {
		if c.ProviderSessionID == psid {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeCheckoutRepo) AttachProviderSession(_ context.Context, id, psid string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checkouts[id]
	if !ok || c.Status != model.CheckoutStatusPending {
		return false, nil
	}
	c.ProviderSessionID = psid
	c.Status = model.CheckoutStatusSessionCreated
	return true, nil
}

func (r *fakeCheckoutRepo) UpdateStatus(_ context.Context, id string, from, to model.CheckoutStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checkouts[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (r *fakeCheckoutRepo) ExpireStale(_ context.Context, before time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for id, c := range r.s.checkouts {
		if !c.Status.IsTerminal() && c.UpdatedAt.Before(before) {
			c.Status = model.CheckoutStatusExpired
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeOrderRepo struct {
	s           *store
	completeErr error
	completions int
}

func (r *fakeOrderRepo) FindByPaymentSessionID(_ context.Context, psid string) (*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.orders[psid], nil
}

func (r *fakeOrderRepo) ListByUserID(_ context.Context, userID string) ([]*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Order
	for _, o := range r.s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *fakeOrderRepo) CompleteCheckout(_ context.Context, c repository.CheckoutCompletion) (*model.Order, bool, error) {
	if r.completeErr != nil {
		return nil, false, r.completeErr
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.orders[c.Order.PaymentSessionID]; ok {
		return existing, false, nil
	}
	r.completions++
	r.s.orders[c.Order.PaymentSessionID] = c.Order
	if cp, ok := r.s.coupons[c.Order.UserID]; ok && cp.Code == c.CouponCode {
		delete(r.s.coupons, c.Order.UserID)
	}
	var kept []model.CartLine
	for _, l := range r.s.lines[c.Order.UserID] {
		purchased := false
		for _, it := range c.Order.Items {
			if it.ProductID == l.Product.ID {
				purchased = true
			}
		}
		if !purchased {
			kept = append(kept, l)
		}
	}
	r.s.lines[c.Order.UserID] = kept
	r.s.checkouts[c.CheckoutID].Status = model.CheckoutStatusConfirmed
	return c.Order, true, nil
}

type fakeCoupons struct {
	s           *store
	removed     int
	rewardCalls int
}

func (f *fakeCoupons) ResolveForCheckout(_ context.Context, userID, code string) (*model.Coupon, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	c, ok := f.s.coupons[userID]
	if code == "" {
		if !ok {
			return nil, nil
		}
		return c, nil
	}
	if !ok || c.Code != code {
		return nil, model.NewCouponNotFoundError()
	}
	return c, nil
}

func (f *fakeCoupons) RemoveCoupon(context.Context, string) error {
	f.removed++
	return nil
}

func (f *fakeCoupons) IssueReward(context.Context, string, decimal.Decimal) (*model.Coupon, error) {
	f.rewardCalls++
	return nil, nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	createErr error
	getErr    error
	paid      bool
	created   []payment.CreateSessionInput
	getCalls  int
}

func (p *fakeProcessor) CreateSession(_ context.Context, in payment.CreateSessionInput) (*payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, in)
	return &payment.Session{ID: "cs_" + in.CheckoutID, URL: "https://pay.example.com/" + in.CheckoutID}, nil
}

func (p *fakeProcessor) GetSession(_ context.Context, id string) (*payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	if p.getErr != nil {
		return nil, p.getErr
	}
	status := "unpaid"
	if p.paid {
		status = payment.PaymentStatusPaid
	}
	return &payment.Session{ID: id, PaymentStatus: status}, nil
}

var (
	_ repository.CheckoutRepository = (*fakeCheckoutRepo)(nil)
	_ repository.OrderRepository    = (*fakeOrderRepo)(nil)
	_ CouponProvider                = (*fakeCoupons)(nil)
	_ payment.Processor             = (*fakeProcessor)(nil)
)

type countingObserver struct {
	mu       sync.Mutex
	statuses map[string]int
	orders   int
	failures int
}

func (c *countingObserver) CheckoutStatusChanged(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statuses == nil {
		c.statuses = map[string]int{}
	}
	c.statuses[s]++
}

func (c *countingObserver) OrderCreated(float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders++
}

func (c *countingObserver) PaymentProviderFailed(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
}

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	o         *Orchestrator
	s         *store
	orders    *fakeOrderRepo
	coupons   *fakeCoupons
	processor *fakeProcessor
	observer  *countingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newStore()
	s.lines["u1"] = []model.CartLine{
		{Product: &model.Product{ID: "p1", Name: "Shirt", Price: decimal.NewFromInt(100)}, Quantity: 2},
		{Product: &model.Product{ID: "p2", Name: "Cap", Price: decimal.NewFromInt(50)}, Quantity: 1},
	}
	s.coupons["u1"] = &model.Coupon{
		ID: "c1", Code: "SAVE10", DiscountPercent: 10, UserID: "u1",
		IsActive: true, ExpiresAt: testNow.Add(24 * time.Hour),
	}

	f := &fixture{
		s:         s,
		orders:    &fakeOrderRepo{s: s},
		coupons:   &fakeCoupons{s: s},
		processor: &fakeProcessor{paid: true},
		observer:  &countingObserver{},
	}
	f.o = NewOrchestrator(&fakeCartRepo{s: s}, &fakeCheckoutRepo{s: s}, f.orders, f.coupons, f.processor, Config{
		Currency:   "usd",
		SuccessURL: "https://shop.example.com/purchase-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://shop.example.com/purchase-cancel",
		SessionTTL: 30 * time.Minute,
	})
	f.o.now = func() time.Time { return testNow }
	f.o.SetObserver(f.observer)
	return f
}

func (f *fixture) checkoutStatus(t *testing.T, id string) model.CheckoutStatus {
	t.Helper()
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.checkouts[id].Status
}

// --- テスト ---

func TestCreateSession_RecomputesTotalsServerSide(t *testing.T) {
	f := newFixture(t)

	res, err := f.o.CreateSession(context.Background(), "u1", "SAVE10")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if !res.Subtotal.Equal(decimal.NewFromInt(250)) || !res.Total.Equal(decimal.NewFromInt(225)) {
		t.Errorf("subtotal/total = %s/%s, want 250/225", res.Subtotal, res.Total)
	}
	if res.SessionID != "cs_"+res.CheckoutID || res.URL == "" {
		t.Errorf("result = %+v", res)
	}
	if got := f.checkoutStatus(t, res.CheckoutID); got != model.CheckoutStatusSessionCreated {
		t.Errorf("status = %s, want session_created", got)
	}

	in := f.processor.created[0]
	if in.DiscountPercent != 10 || in.CouponCode != "SAVE10" || len(in.Items) != 2 {
		t.Errorf("processor input = %+v", in)
	}
	if in.Currency != "usd" || in.CheckoutID != res.CheckoutID {
		t.Errorf("processor input = %+v", in)
	}
}

func TestCreateSession_UsesAppliedCouponWhenCodeOmitted(t *testing.T) {
	f := newFixture(t)

	res, err := f.o.CreateSession(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if res.Coupon == nil || !res.Total.Equal(decimal.NewFromInt(225)) {
		t.Errorf("result = %+v", res)
	}
}

func TestCreateSession_Errors(t *testing.T) {
	t.Run("空のカートはEMPTY_CART", func(t *testing.T) {
		f := newFixture(t)
		delete(f.s.lines, "u1")

		_, err := f.o.CreateSession(context.Background(), "u1", "")
		if !model.HasCode(err, model.ErrCodeEmptyCart) {
			t.Errorf("err = %v, want EMPTY_CART", err)
		}
	})

	t.Run("不明なクーポンはCOUPON_NOT_FOUNDでチェックアウトを作らない", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.o.CreateSession(context.Background(), "u1", "BOGUS")
		if !model.HasCode(err, model.ErrCodeCouponNotFound) {
			t.Errorf("err = %v, want COUPON_NOT_FOUND", err)
		}
		if len(f.s.checkouts) != 0 {
			t.Error("checkout should not be created")
		}
	})
}

// TestCreateSession_CouponReservedByOpenCheckout は未完了のチェックアウトで使用中のクーポンを
// 別のチェックアウトで使えないことを検証する。
func TestCreateSession_CouponReservedByOpenCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.o.CreateSession(ctx, "u1", "SAVE10")
	if err != nil {
		t.Fatalf("first CreateSession failed: %v", err)
	}

	_, err = f.o.CreateSession(ctx, "u1", "SAVE10")
	if !model.HasCode(err, model.ErrCodeCheckoutStateConflict) {
		t.Fatalf("err = %v, want CHECKOUT_STATE_CONFLICT", err)
	}
	_, err = f.o.CreateSession(ctx, "u1", "")
	if !model.HasCode(err, model.ErrCodeCheckoutStateConflict) {
		t.Fatalf("applied coupon: err = %v, want CHECKOUT_STATE_CONFLICT", err)
	}
	if len(f.s.checkouts) != 1 || len(f.processor.created) != 1 {
		t.Errorf("checkouts = %d, processor calls = %d, want 1/1", len(f.s.checkouts), len(f.processor.created))
	}

	t.Run("キャンセル後は同じクーポンで再作成できる", func(t *testing.T) {
		if err := f.o.CancelSession(ctx, first.SessionID); err != nil {
			t.Fatalf("CancelSession failed: %v", err)
		}
		res, err := f.o.CreateSession(ctx, "u1", "SAVE10")
		if err != nil {
			t.Fatalf("CreateSession after cancel failed: %v", err)
		}
		if !res.Total.Equal(decimal.NewFromInt(225)) {
			t.Errorf("total = %s, want 225", res.Total)
		}
	})
}

// TestConfirmPayment_CouponDiscountsOnlyOneOrder はクーポンが1件の注文にしか使われないことを検証する。
func TestConfirmPayment_CouponDiscountsOnlyOneOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.o.CreateSession(ctx, "u1", "SAVE10")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := f.o.CreateSession(ctx, "u1", "SAVE10"); err == nil {
		t.Fatal("second CreateSession with the same coupon should fail")
	}
	if _, err := f.o.ConfirmPayment(ctx, res.SessionID); err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}

	f.s.lines["u1"] = []model.CartLine{
		{Product: &model.Product{ID: "p3", Name: "Socks", Price: decimal.NewFromInt(20)}, Quantity: 1},
	}
	_, err = f.o.CreateSession(ctx, "u1", "SAVE10")
	if !model.HasCode(err, model.ErrCodeCouponNotFound) {
		t.Errorf("err = %v, want COUPON_NOT_FOUND after consumption", err)
	}
	if len(f.s.orders) != 1 {
		t.Errorf("orders = %d, want 1", len(f.s.orders))
	}
}

// TestConfirmPayment_KeepsItemsAddedAfterCheckout は決済後に追加した商品がカートに残ることを検証する。
func TestConfirmPayment_KeepsItemsAddedAfterCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.o.CreateSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	f.s.lines["u1"] = append(f.s.lines["u1"], model.CartLine{
		Product: &model.Product{ID: "p3", Name: "Socks", Price: decimal.NewFromInt(20)}, Quantity: 1,
	})

	if _, err := f.o.ConfirmPayment(ctx, res.SessionID); err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	lines := f.s.lines["u1"]
	if len(lines) != 1 || lines[0].Product.ID != "p3" {
		t.Errorf("remaining lines = %+v, want only p3", lines)
	}
}

// TestCreateSession_ProviderFailureKeepsCart は決済サービス障害時にカートとクーポンが残ることを検証する。
func TestCreateSession_ProviderFailureKeepsCart(t *testing.T) {
	f := newFixture(t)
	f.processor.createErr = errors.New("connection reset")

	_, err := f.o.CreateSession(context.Background(), "u1", "SAVE10")
	if !model.HasCode(err, model.ErrCodePaymentProvider) {
		t.Fatalf("err = %v, want PAYMENT_PROVIDER_ERROR", err)
	}

	for _, c := range f.s.checkouts {
		if c.Status != model.CheckoutStatusFailed {
			t.Errorf("status = %s, want failed", c.Status)
		}
	}
	if len(f.s.lines["u1"]) != 2 {
		t.Error("cart should be untouched")
	}
	if _, ok := f.s.coupons["u1"]; !ok {
		t.Error("coupon should be untouched")
	}
	if f.coupons.removed != 0 {
		t.Error("applied coupon should not be cleared")
	}
	if f.observer.failures != 1 {
		t.Errorf("failures = %d, want 1", f.observer.failures)
	}
}

// TestConfirmPayment_Twice は同じセッションIDで2回確定しても注文が1件になることを検証する。
func TestConfirmPayment_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.o.CreateSession(ctx, "u1", "SAVE10")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	first, err := f.o.ConfirmPayment(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("first ConfirmPayment failed: %v", err)
	}
	second, err := f.o.ConfirmPayment(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("second ConfirmPayment failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("order ids differ: %s != %s", first.ID, second.ID)
	}
	if len(f.s.orders) != 1 || f.orders.completions != 1 {
		t.Errorf("orders = %d, completions = %d, want 1/1", len(f.s.orders), f.orders.completions)
	}
	if !first.TotalAmount.Equal(decimal.NewFromInt(225)) {
		t.Errorf("TotalAmount = %s, want 225", first.TotalAmount)
	}
	if len(f.s.lines["u1"]) != 0 {
		t.Error("cart should be cleared")
	}
	if _, ok := f.s.coupons["u1"]; ok {
		t.Error("coupon should be consumed")
	}
	if got := f.checkoutStatus(t, res.CheckoutID); got != model.CheckoutStatusConfirmed {
		t.Errorf("status = %s, want confirmed", got)
	}
	if f.coupons.removed != 1 || f.coupons.rewardCalls != 1 {
		t.Errorf("removed/reward = %d/%d, want 1/1", f.coupons.removed, f.coupons.rewardCalls)
	}
	if f.observer.orders != 1 {
		t.Errorf("observed orders = %d, want 1", f.observer.orders)
	}
}

func TestConfirmPayment_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.o.CreateSession(ctx, "u1", "")

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := f.o.ConfirmPayment(ctx, res.SessionID)
			errs[i] = err
			if o != nil {
				ids[i] = o.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("call %d returned order %s, want %s", i, ids[i], ids[0])
		}
	}
	if len(f.s.orders) != 1 {
		t.Errorf("orders = %d, want 1", len(f.s.orders))
	}
}

// TestConfirmPayment_SnapshotIsImmutable は注文の明細が後からの価格変更の影響を受けないことを検証する。
func TestConfirmPayment_SnapshotIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.o.CreateSession(ctx, "u1", "")

	f.s.lines["u1"][0].Product.Price = decimal.NewFromInt(999)

	order, err := f.o.ConfirmPayment(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	if !order.Items[0].UnitPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("UnitPrice = %s, want 100", order.Items[0].UnitPrice)
	}
	if order.Items[0].Name != "Shirt" || order.Items[0].Quantity != 2 {
		t.Errorf("item = %+v", order.Items[0])
	}
}

func TestConfirmPayment_Errors(t *testing.T) {
	t.Run("未払いはPAYMENT_NOT_COMPLETED", func(t *testing.T) {
		f := newFixture(t)
		f.processor.paid = false
		res, _ := f.o.CreateSession(context.Background(), "u1", "")

		_, err := f.o.ConfirmPayment(context.Background(), res.SessionID)
		if !model.HasCode(err, model.ErrCodePaymentNotCompleted) {
			t.Errorf("err = %v, want PAYMENT_NOT_COMPLETED", err)
		}
		if len(f.s.orders) != 0 || len(f.s.lines["u1"]) != 2 {
			t.Error("state should be untouched")
		}
	})

	t.Run("不明なセッションはCHECKOUT_NOT_FOUND", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.o.ConfirmPayment(context.Background(), "cs_unknown")
		if !model.HasCode(err, model.ErrCodeCheckoutNotFound) {
			t.Errorf("err = %v, want CHECKOUT_NOT_FOUND", err)
		}
	})

	t.Run("決済サービス障害はPAYMENT_PROVIDER_ERROR", func(t *testing.T) {
		f := newFixture(t)
		res, _ := f.o.CreateSession(context.Background(), "u1", "")
		f.processor.getErr = errors.New("timeout")

		_, err := f.o.ConfirmPayment(context.Background(), res.SessionID)
		if !model.HasCode(err, model.ErrCodePaymentProvider) {
			t.Errorf("err = %v, want PAYMENT_PROVIDER_ERROR", err)
		}
	})

	t.Run("注文保存の失敗後に再試行できる", func(t *testing.T) {
		f := newFixture(t)
		res, _ := f.o.CreateSession(context.Background(), "u1", "")
		f.orders.completeErr = errors.New("deadlock detected")

		if _, err := f.o.ConfirmPayment(context.Background(), res.SessionID); err == nil {
			t.Fatal("expected error")
		}
		f.orders.completeErr = nil
		if _, err := f.o.ConfirmPayment(context.Background(), res.SessionID); err != nil {
			t.Fatalf("retry failed: %v", err)
		}
		if len(f.s.orders) != 1 {
			t.Errorf("orders = %d, want 1", len(f.s.orders))
		}
	})
}

func TestConfirmPaymentForUser_ChecksOwner(t *testing.T) {
	f := newFixture(t)
	res, _ := f.o.CreateSession(context.Background(), "u1", "")

	_, err := f.o.ConfirmPaymentForUser(context.Background(), "intruder", res.SessionID)
	if !model.HasCode(err, model.ErrCodeCheckoutNotFound) {
		t.Errorf("err = %v, want CHECKOUT_NOT_FOUND", err)
	}
	if f.processor.getCalls != 0 {
		t.Error("processor should not be called")
	}

	if _, err := f.o.ConfirmPaymentForUser(context.Background(), "u1", res.SessionID); err != nil {
		t.Errorf("owner confirm failed: %v", err)
	}
}

func TestCancelSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.o.CreateSession(ctx, "u1", "SAVE10")

	if err := f.o.CancelSessionForUser(ctx, "u1", res.SessionID); err != nil {
		t.Fatalf("CancelSession failed: %v", err)
	}
	if got := f.checkoutStatus(t, res.CheckoutID); got != model.CheckoutStatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if len(f.s.lines["u1"]) != 2 || f.s.coupons["u1"] == nil {
		t.Error("cart and coupon should remain")
	}

	t.Run("2回目のキャンセルは何もしない", func(t *testing.T) {
		if err := f.o.CancelSession(ctx, res.SessionID); err != nil {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("期限切れ通知も何もしない", func(t *testing.T) {
		if err := f.o.ExpireSession(ctx, res.SessionID); err != nil {
			t.Errorf("err = %v", err)
		}
		if got := f.checkoutStatus(t, res.CheckoutID); got != model.CheckoutStatusFailed {
			t.Errorf("status = %s, want failed", got)
		}
	})

	t.Run("他ユーザーはCHECKOUT_NOT_FOUND", func(t *testing.T) {
		err := f.o.CancelSessionForUser(ctx, "intruder", res.SessionID)
		if !model.HasCode(err, model.ErrCodeCheckoutNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestCancelSession_AfterConfirmConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.o.CreateSession(ctx, "u1", "")
	if _, err := f.o.ConfirmPayment(ctx, res.SessionID); err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}

	err := f.o.CancelSession(ctx, res.SessionID)
	if !model.HasCode(err, model.ErrCodeCheckoutStateConflict) {
		t.Errorf("err = %v, want CHECKOUT_STATE_CONFLICT", err)
	}
}

func TestHandleEvent(t *testing.T) {
	t.Run("completedで注文が確定する", func(t *testing.T) {
		f := newFixture(t)
		res, _ := f.o.CreateSession(context.Background(), "u1", "")

		err := f.o.HandleEvent(context.Background(), &payment.Event{
			Type:    payment.EventCheckoutCompleted,
			Session: payment.Session{ID: res.SessionID, PaymentStatus: payment.PaymentStatusPaid},
		})
		if err != nil {
			t.Fatalf("HandleEvent failed: %v", err)
		}
		if len(f.s.orders) != 1 {
			t.Errorf("orders = %d, want 1", len(f.s.orders))
		}
	})

	t.Run("未払いのcompletedは保留する", func(t *testing.T) {
		f := newFixture(t)
		res, _ := f.o.CreateSession(context.Background(), "u1", "")

		err := f.o.HandleEvent(context.Background(), &payment.Event{
			Type:    payment.EventCheckoutCompleted,
			Session: payment.Session{ID: res.SessionID, PaymentStatus: "unpaid"},
		})
		if err != nil || len(f.s.orders) != 0 {
			t.Errorf("err = %v, orders = %d", err, len(f.s.orders))
		}
	})

	t.Run("expiredでチェックアウトが期限切れになる", func(t *testing.T) {
		f := newFixture(t)
		res, _ := f.o.CreateSession(context.Background(), "u1", "")

		err := f.o.HandleEvent(context.Background(), &payment.Event{
			Type:    payment.EventCheckoutExpired,
			Session: payment.Session{ID: res.SessionID},
		})
		if err != nil {
			t.Fatalf("HandleEvent failed: %v", err)
		}
		if got := f.checkoutStatus(t, res.CheckoutID); got != model.CheckoutStatusExpired {
			t.Errorf("status = %s, want expired", got)
		}
	})

	t.Run("async_payment_failedでfailedになる", func(t *testing.T) {
		f := newFixture(t)
		res, _ := f.o.CreateSession(context.Background(), "u1", "")

		err := f.o.HandleEvent(context.Background(), &payment.Event{
			Type:    payment.EventCheckoutAsyncPaymentFailed,
			Session: payment.Session{ID: res.SessionID},
		})
		if err != nil {
			t.Fatalf("HandleEvent failed: %v", err)
		}
		if got := f.checkoutStatus(t, res.CheckoutID); got != model.CheckoutStatusFailed {
			t.Errorf("status = %s, want failed", got)
		}
	})

	t.Run("不明なセッションと対象外のイベントは無視する", func(t *testing.T) {
		f := newFixture(t)
		events := []*payment.Event{
			{Type: payment.EventCheckoutExpired, Session: payment.Session{ID: "cs_unknown"}},
			{Type: "charge.refunded"},
		}
		for _, ev := range events {
			if err := f.o.HandleEvent(context.Background(), ev); err != nil {
				t.Errorf("HandleEvent(%s) = %v, want nil", ev.Type, err)
			}
		}
	})
}

func TestExpireAbandoned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.o.CreateSession(ctx, "u1", "")

	n, err := f.o.ExpireAbandoned(ctx)
	if err != nil || n != 0 {
		t.Fatalf("ExpireAbandoned = (%d, %v), want (0, nil)", n, err)
	}

	f.o.now = func() time.Time { return testNow.Add(31 * time.Minute) }
	n, err = f.o.ExpireAbandoned(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireAbandoned = (%d, %v), want (1, nil)", n, err)
	}
	if got := f.checkoutStatus(t, res.CheckoutID); got != model.CheckoutStatusExpired {
		t.Errorf("status = %s, want expired", got)
	}
}
