package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/storefront/internal/database"
	"github.com/hitoshi/storefront/internal/model"
)

// setupPostgres はTEST_DATABASE_URLのDBにマイグレーションを適用し、テーブルを空にして返す。
// 未設定または接続できない場合はスキップする。
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE users, products CASCADE`); err != nil {
		t.Fatalf("テーブルの初期化に失敗: %v", err)
	}
	return db
}

func createTestUser(t *testing.T, db *sql.DB, email string) *model.User {
	t.Helper()
	now := time.Now()
	u := &model.User{
		ID:           uuid.NewString(),
		Name:         "Test",
		Email:        email,
		PasswordHash: "hash",
		Role:         model.RoleCustomer,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := NewPostgresUserRepo(db).Create(context.Background(), u); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	return u
}

func createTestProduct(t *testing.T, db *sql.DB, name, price string) *model.Product {
	t.Helper()
	now := time.Now()
	p := &model.Product{
		ID:        uuid.NewString(),
		Name:      name,
		Price:     decimal.RequireFromString(price),
		Category:  "test",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := NewPostgresProductRepo(db).Create(context.Background(), p); err != nil {
		t.Fatalf("商品作成に失敗: %v", err)
	}
	return p
}

func TestPostgresUserRepo_DuplicateEmail(t *testing.T) {
	db := setupPostgres(t)
	createTestUser(t, db, "dup@example.com")

	now := time.Now()
	err := NewPostgresUserRepo(db).Create(context.Background(), &model.User{
		ID: uuid.NewString(), Name: "x", Email: "dup@example.com", PasswordHash: "h",
		Role: model.RoleCustomer, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
}

func TestPostgresCartRepo_IncrementKeepsInsertionOrder(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	repo := NewPostgresCartRepo(db)

	u := createTestUser(t, db, "cart@example.com")
	p1 := createTestProduct(t, db, "first", "10.00")
	p2 := createTestProduct(t, db, "second", "5.50")

	for _, id := range []string{p1.ID, p2.ID, p1.ID} {
		if _, err := repo.Increment(ctx, u.ID, id); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}

	lines, err := repo.ListLines(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListLines failed: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if lines[0].Product.ID != p1.ID || lines[0].Quantity != 2 {
		t.Errorf("lines[0] = (%s, %d), want (%s, 2)", lines[0].Product.ID, lines[0].Quantity, p1.ID)
	}
	if lines[1].Product.ID != p2.ID || lines[1].Quantity != 1 {
		t.Errorf("lines[1] = (%s, %d), want (%s, 1)", lines[1].Product.ID, lines[1].Quantity, p2.ID)
	}

	ok, err := repo.SetQuantity(ctx, u.ID, uuid.NewString(), 3)
	if err != nil {
		t.Fatalf("SetQuantity failed: %v", err)
	}
	if ok {
		t.Error("SetQuantity for missing item should return false")
	}
}

func TestPostgresOrderRepo_CompleteCheckoutIsIdempotent(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	u := createTestUser(t, db, "order@example.com")
	p := createTestProduct(t, db, "item", "100.00")
	if _, err := NewPostgresCartRepo(db).Increment(ctx, u.ID, p.ID); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	newOrder := func() *model.Order {
		return &model.Order{
			ID:               uuid.NewString(),
			UserID:           u.ID,
			Items:            []model.OrderItem{{ProductID: p.ID, Name: p.Name, UnitPrice: p.Price, Quantity: 1}},
			TotalAmount:      decimal.RequireFromString("100.00"),
			Currency:         "usd",
			PaymentSessionID: "cs_test_1",
			Status:           model.OrderStatusPaid,
			CreatedAt:        time.Now(),
		}
	}

	repo := NewPostgresOrderRepo(db)
	first, created, err := repo.CompleteCheckout(ctx, CheckoutCompletion{Order: newOrder()})
	if err != nil || !created {
		t.Fatalf("first CompleteCheckout = (%v, %v), want created", created, err)
	}

	second, created, err := repo.CompleteCheckout(ctx, CheckoutCompletion{Order: newOrder()})
	if err != nil {
		t.Fatalf("second CompleteCheckout failed: %v", err)
	}
	if created {
		t.Error("second CompleteCheckout should not create an order")
	}
	if second.ID != first.ID {
		t.Errorf("second.ID = %s, want %s", second.ID, first.ID)
	}
	if len(second.Items) != 1 {
		t.Errorf("len(second.Items) = %d, want 1", len(second.Items))
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM orders WHERE payment_session_id = 'cs_test_1'`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("order count = %d, want 1", count)
	}

	lines, err := NewPostgresCartRepo(db).ListLines(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListLines failed: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("cart should be empty after checkout, got %d lines", len(lines))
	}
}

func TestPostgresCheckoutRepo_StatusTransitions(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	repo := NewPostgresCheckoutRepo(db)

	u := createTestUser(t, db, "checkout@example.com")
	now := time.Now()
	s := &model.CheckoutSession{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Status:    model.CheckoutStatusPending,
		Subtotal:  decimal.NewFromInt(50),
		Discount:  decimal.Zero,
		Total:     decimal.NewFromInt(50),
		Currency:  "usd",
		Items:     []model.OrderItem{{ProductID: uuid.NewString(), Name: "x", UnitPrice: decimal.NewFromInt(50), Quantity: 1}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ok, err := repo.AttachProviderSession(ctx, s.ID, "cs_attach")
	if err != nil || !ok {
		t.Fatalf("AttachProviderSession = (%v, %v), want true", ok, err)
	}
	ok, err = repo.AttachProviderSession(ctx, s.ID, "cs_other")
	if err != nil || ok {
		t.Fatalf("second AttachProviderSession = (%v, %v), want false", ok, err)
	}

	found, err := repo.FindByProviderSessionID(ctx, "cs_attach")
	if err != nil || found == nil {
		t.Fatalf("FindByProviderSessionID = (%v, %v)", found, err)
	}
	if found.Status != model.CheckoutStatusSessionCreated {
		t.Errorf("Status = %s, want session_created", found.Status)
	}
	if len(found.Items) != 1 || !found.Items[0].UnitPrice.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Items = %+v", found.Items)
	}

	ids, err := repo.ExpireStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != s.ID {
		t.Errorf("ExpireStale ids = %v, want [%s]", ids, s.ID)
	}
}

func TestPostgresOrderRepo_CompleteCheckoutKeepsUnpurchasedItems(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	cartRepo := NewPostgresCartRepo(db)

	u := createTestUser(t, db, "partial@example.com")
	bought := createTestProduct(t, db, "bought", "30.00")
	later := createTestProduct(t, db, "later", "12.00")
	for _, id := range []string{bought.ID, later.ID} {
		if _, err := cartRepo.Increment(ctx, u.ID, id); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}

	order := &model.Order{
		ID:               uuid.NewString(),
		UserID:           u.ID,
		Items:            []model.OrderItem{{ProductID: bought.ID, Name: bought.Name, UnitPrice: bought.Price, Quantity: 1}},
		TotalAmount:      decimal.RequireFromString("30.00"),
		Currency:         "usd",
		PaymentSessionID: "cs_partial",
		Status:           model.OrderStatusPaid,
		CreatedAt:        time.Now(),
	}
	if _, _, err := NewPostgresOrderRepo(db).CompleteCheckout(ctx, CheckoutCompletion{Order: order}); err != nil {
		t.Fatalf("CompleteCheckout failed: %v", err)
	}

	lines, err := cartRepo.ListLines(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListLines failed: %v", err)
	}
	if len(lines) != 1 || lines[0].Product.ID != later.ID {
		t.Errorf("lines = %+v, want only %s", lines, later.ID)
	}
}

func TestPostgresCheckoutRepo_CouponOnlyInOneOpenCheckout(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	repo := NewPostgresCheckoutRepo(db)

	u := createTestUser(t, db, "coupon-lock@example.com")
	newCheckout := func(code string) *model.CheckoutSession {
		now := time.Now()
		return &model.CheckoutSession{
			ID:         uuid.NewString(),
			UserID:     u.ID,
			Status:     model.CheckoutStatusPending,
			CouponCode: code,
			Subtotal:   decimal.NewFromInt(50),
			Discount:   decimal.NewFromInt(5),
			Total:      decimal.NewFromInt(45),
			Currency:   "usd",
			Items:      []model.OrderItem{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	first := newCheckout("SAVE10")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Run("未完了のチェックアウトと同じクーポンは重複エラー", func(t *testing.T) {
		err := repo.Create(ctx, newCheckout("SAVE10"))
		if !errors.Is(err, ErrDuplicateKey) {
			t.Errorf("err = %v, want ErrDuplicateKey", err)
		}
	})

	t.Run("クーポンなしは何件でも作成できる", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := repo.Create(ctx, newCheckout("")); err != nil {
				t.Fatalf("Create without coupon failed: %v", err)
			}
		}
	})

	t.Run("終端状態になればクーポンを再利用できる", func(t *testing.T) {
		ok, err := repo.UpdateStatus(ctx, first.ID, model.CheckoutStatusPending, model.CheckoutStatusFailed)
		if err != nil || !ok {
			t.Fatalf("UpdateStatus = (%v, %v), want true", ok, err)
		}
		if err := repo.Create(ctx, newCheckout("SAVE10")); err != nil {
			t.Errorf("Create after failure = %v, want nil", err)
		}
	})
}
