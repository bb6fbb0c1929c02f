package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/storefront/internal/auth"
	"github.com/hitoshi/storefront/internal/cart"
	"github.com/hitoshi/storefront/internal/checkout"
	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/payment"
	"github.com/hitoshi/storefront/internal/product"
)

// --- モック定義 ---

type mockAuthService struct {
	signupFn  func(ctx context.Context, in auth.SignupInput) (*model.User, *auth.TokenPair, error)
	loginFn   func(ctx context.Context, email, password string) (*model.User, *auth.TokenPair, error)
	logoutFn  func(ctx context.Context, refreshToken string) error
	refreshFn func(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	profileFn func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockAuthService) Signup(ctx context.Context, in auth.SignupInput) (*model.User, *auth.TokenPair, error) {
	return m.signupFn(ctx, in)
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*model.User, *auth.TokenPair, error) {
	return m.loginFn(ctx, email, password)
}

func (m *mockAuthService) Logout(ctx context.Context, refreshToken string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, refreshToken)
	}
	return nil
}

func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	return m.refreshFn(ctx, refreshToken)
}

func (m *mockAuthService) Profile(ctx context.Context, userID string) (*model.User, error) {
	return m.profileFn(ctx, userID)
}

type mockProductService struct {
	listAllFn        func(ctx context.Context) ([]*model.Product, error)
	listFeaturedFn   func(ctx context.Context) ([]*model.Product, error)
	listByCategoryFn func(ctx context.Context, category string) ([]*model.Product, error)
	recommendFn      func(ctx context.Context) ([]*model.Product, error)
	createFn         func(ctx context.Context, in product.CreateInput) (*model.Product, error)
	toggleFn         func(ctx context.Context, id string) (*model.Product, error)
	deleteFn         func(ctx context.Context, id string) error
}

func (m *mockProductService) ListAll(ctx context.Context) ([]*model.Product, error) {
	return m.listAllFn(ctx)
}

func (m *mockProductService) ListFeatured(ctx context.Context) ([]*model.Product, error) {
	return m.listFeaturedFn(ctx)
}

func (m *mockProductService) ListByCategory(ctx context.Context, category string) ([]*model.Product, error) {
	return m.listByCategoryFn(ctx, category)
}

func (m *mockProductService) Recommendations(ctx context.Context) ([]*model.Product, error) {
	return m.recommendFn(ctx)
}

func (m *mockProductService) Create(ctx context.Context, in product.CreateInput) (*model.Product, error) {
	return m.createFn(ctx, in)
}

func (m *mockProductService) ToggleFeatured(ctx context.Context, id string) (*model.Product, error) {
	return m.toggleFn(ctx, id)
}

func (m *mockProductService) Delete(ctx context.Context, id string) error {
	return m.deleteFn(ctx, id)
}

type mockCartService struct {
	getCartFn   func(ctx context.Context, userID string) (*cart.View, error)
	addItemFn   func(ctx context.Context, userID, productID string) (*cart.View, error)
	updateFn    func(ctx context.Context, userID, productID string, quantity int) (*cart.View, error)
	removeFn    func(ctx context.Context, userID, productID string) (*cart.View, error)
	clearCartFn func(ctx context.Context, userID string) error
}

func (m *mockCartService) GetCart(ctx context.Context, userID string) (*cart.View, error) {
	return m.getCartFn(ctx, userID)
}

func (m *mockCartService) AddItem(ctx context.Context, userID, productID string) (*cart.View, error) {
	return m.addItemFn(ctx, userID, productID)
}

func (m *mockCartService) UpdateQuantity(ctx context.Context, userID, productID string, quantity int) (*cart.View, error) {
	return m.updateFn(ctx, userID, productID, quantity)
}

func (m *mockCartService) RemoveItem(ctx context.Context, userID, productID string) (*cart.View, error) {
	return m.removeFn(ctx, userID, productID)
}

func (m *mockCartService) ClearCart(ctx context.Context, userID string) error {
	return m.clearCartFn(ctx, userID)
}

type mockCouponService struct {
	getFn      func(ctx context.Context, userID string) (*model.Coupon, error)
	validateFn func(ctx context.Context, userID, code string) (*model.Coupon, error)
	applyFn    func(ctx context.Context, userID, code string) (*model.Coupon, error)
	removeFn   func(ctx context.Context, userID string) error
}

func (m *mockCouponService) GetCoupon(ctx context.Context, userID string) (*model.Coupon, error) {
	return m.getFn(ctx, userID)
}

func (m *mockCouponService) ValidateCoupon(ctx context.Context, userID, code string) (*model.Coupon, error) {
	return m.validateFn(ctx, userID, code)
}

func (m *mockCouponService) ApplyCoupon(ctx context.Context, userID, code string) (*model.Coupon, error) {
	return m.applyFn(ctx, userID, code)
}

func (m *mockCouponService) RemoveCoupon(ctx context.Context, userID string) error {
	return m.removeFn(ctx, userID)
}

type mockCheckoutService struct {
	createFn      func(ctx context.Context, userID, couponCode string) (*checkout.Result, error)
	confirmFn     func(ctx context.Context, userID, sessionID string) (*model.Order, error)
	cancelFn      func(ctx context.Context, userID, sessionID string) error
	handleEventFn func(ctx context.Context, event *payment.Event) error
	listOrdersFn  func(ctx context.Context, userID string) ([]*model.Order, error)
}

func (m *mockCheckoutService) CreateSession(ctx context.Context, userID, couponCode string) (*checkout.Result, error) {
	return m.createFn(ctx, userID, couponCode)
}

func (m *mockCheckoutService) ConfirmPaymentForUser(ctx context.Context, userID, sessionID string) (*model.Order, error) {
	return m.confirmFn(ctx, userID, sessionID)
}

func (m *mockCheckoutService) CancelSessionForUser(ctx context.Context, userID, sessionID string) error {
	return m.cancelFn(ctx, userID, sessionID)
}

func (m *mockCheckoutService) HandleEvent(ctx context.Context, event *payment.Event) error {
	return m.handleEventFn(ctx, event)
}

func (m *mockCheckoutService) ListOrders(ctx context.Context, userID string) ([]*model.Order, error) {
	return m.listOrdersFn(ctx, userID)
}

// --- テストヘルパー ---

// withUser は認証済みユーザーをコンテキストに注入したリクエストを返す。
func withUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
}

func jsonRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Result().Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (body=%s)", err, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	decodeBody(t, w, &body)
	return body.Code
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
