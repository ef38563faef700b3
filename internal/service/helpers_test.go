package service

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"storefront-checkout/internal/gateway"
	"storefront-checkout/internal/models"
	"storefront-checkout/internal/redisclient"
	"storefront-checkout/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Provider() gateway.Provider { return gateway.ProviderIyzico }

func (m *mockGateway) BinCheck(ctx context.Context, bin string) (*gateway.BinResult, error) {
	args := m.Called(ctx, bin)
	res, _ := args.Get(0).(*gateway.BinResult)
	return res, args.Error(1)
}

func (m *mockGateway) ChargeDirect(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*gateway.ChargeResult)
	return res, args.Error(1)
}

func (m *mockGateway) Charge3DS(ctx context.Context, req *gateway.ChargeRequest, callbackURL string) (*gateway.ThreeDSInit, error) {
	args := m.Called(ctx, req, callbackURL)
	res, _ := args.Get(0).(*gateway.ThreeDSInit)
	return res, args.Error(1)
}

func (m *mockGateway) Verify3DS(ctx context.Context, conversationID, paymentID string) (*gateway.VerifyResult, error) {
	args := m.Called(ctx, conversationID, paymentID)
	res, _ := args.Get(0).(*gateway.VerifyResult)
	return res, args.Error(1)
}

func (m *mockGateway) Cancel(ctx context.Context, paymentID, reason string) (*gateway.OperationResult, error) {
	args := m.Called(ctx, paymentID, reason)
	res, _ := args.Get(0).(*gateway.OperationResult)
	return res, args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (*gateway.OperationResult, error) {
	args := m.Called(ctx, paymentID, amount)
	res, _ := args.Get(0).(*gateway.OperationResult)
	return res, args.Error(1)
}

func (m *mockGateway) ParseCallback(form url.Values) (*gateway.Callback, error) {
	args := m.Called(form)
	res, _ := args.Get(0).(*gateway.Callback)
	return res, args.Error(1)
}

func (m *mockGateway) ParseWebhook(header http.Header, body []byte) (*gateway.WebhookEvent, error) {
	args := m.Called(header, body)
	res, _ := args.Get(0).(*gateway.WebhookEvent)
	return res, args.Error(1)
}

type recordingPublisher struct {
	mu        sync.Mutex
	completed []*models.OrderCompletedEvent
	confirmed []*models.OrderConfirmedEvent
	cancelled []*models.OrderCancelledEvent
	refunded  []*models.OrderItemRefundedEvent
	declined  []*models.PaymentDeclinedEvent
}

func (p *recordingPublisher) PublishOrderCompleted(_ context.Context, e *models.OrderCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return nil
}

func (p *recordingPublisher) PublishOrderConfirmed(_ context.Context, e *models.OrderConfirmedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, e)
	return nil
}

func (p *recordingPublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, e)
	return nil
}

func (p *recordingPublisher) PublishOrderItemRefunded(_ context.Context, e *models.OrderItemRefundedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunded = append(p.refunded, e)
	return nil
}

func (p *recordingPublisher) PublishPaymentDeclined(_ context.Context, e *models.PaymentDeclinedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declined = append(p.declined, e)
	return nil
}

// memLocker is an in-process stand-in for the redis client.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*redisclient.Lock
	seen  map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{locks: map[string]*redisclient.Lock{}, seen: map[string]bool{}}
}

func (l *memLocker) AcquireLock(_ context.Context, name string, _ time.Duration) (*redisclient.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[name]; held {
		return nil, nil
	}
	lock := &redisclient.Lock{}
	l.locks[name] = lock
	return lock, nil
}

func (l *memLocker) ReleaseLock(_ context.Context, lock *redisclient.Lock) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, held := range l.locks {
		if held == lock {
			delete(l.locks, name)
		}
	}
	return nil
}

func (l *memLocker) MarkOnce(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[key] {
		return false, nil
	}
	l.seen[key] = true
	return true, nil
}

func (l *memLocker) Forget(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, key)
	return nil
}

type fixture struct {
	store      *store.Store
	gw         *mockGateway
	events     *recordingPublisher
	locker     *memLocker
	checkout   *CheckoutService
	reconciler *Reconciler
	orders     *OrderService
	discounts  *DiscountValidator
	baskets    *BasketResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkout.db")
	st, err := store.NewStore(store.DriverSQLite, "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate())

	gw := &mockGateway{}
	registry, err := gateway.NewRegistry(gateway.ProviderIyzico, gw)
	require.NoError(t, err)

	events := &recordingPublisher{}
	locker := newMemLocker()
	baskets := NewBasketResolver(st)
	discounts := NewDiscountValidator(st)
	materializer := NewMaterializer(st, events)
	istanbul, err := time.LoadLocation("Europe/Istanbul")
	require.NoError(t, err)

	return &fixture{
		store:  st,
		gw:     gw,
		events: events,
		locker: locker,
		checkout: NewCheckoutService(st, registry, baskets, discounts, materializer, events, CheckoutOptions{
			Currency:        "TRY",
			PendingTTL:      30 * time.Minute,
			CallbackBaseURL: "https://shop.example.com/",
		}),
		reconciler: NewReconciler(st, registry, materializer, events, locker, time.Minute),
		orders:     NewOrderService(st, registry, events, istanbul),
		discounts:  discounts,
		baskets:    baskets,
	}
}

// seedVariant creates a variant priced 100.00 + 18% tax = 118.00.
func (f *fixture) seedVariant(t *testing.T, stock int) *models.Variant {
	t.Helper()
	ctx := context.Background()
	p := &models.Product{Name: "filtre kahve", TaxRate: decimal.NewFromInt(18), Published: true}
	require.NoError(t, f.store.CreateProduct(ctx, p))
	v := &models.Variant{
		ProductID: p.ID,
		SKU:       "KHV-" + uuid.NewString()[:8],
		Option:    models.OptionColumn{Option: models.WeightOption{Grams: 250}},
		Price:     decimal.RequireFromString("100.00"),
		Stock:     stock,
		Published: true,
	}
	require.NoError(t, f.store.CreateVariant(ctx, v))
	return v
}

func (f *fixture) stock(t *testing.T, variantID string) int {
	t.Helper()
	v, err := f.store.GetVariant(context.Background(), variantID)
	require.NoError(t, err)
	return v.Stock
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountOrders(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) expectBin(cardType gateway.CardType) {
	f.gw.On("BinCheck", mock.Anything, mock.Anything).
		Return(&gateway.BinResult{CardType: cardType, Supported: true, BankName: "Test Bank"}, nil)
}

func checkoutRequest(variantID string, qty float64) *CheckoutRequest {
	return &CheckoutRequest{
		Lines: []LineRequest{{VariantID: variantID, Quantity: qty}},
		Card: gateway.Card{
			HolderName:  "Ayşe Yılmaz",
			Number:      "5528 7900 0000 0008",
			ExpireMonth: "12",
			ExpireYear:  "2030",
			CVC:         "123",
		},
		Buyer: models.Buyer{
			Name:           "Ayşe",
			Surname:        "Yılmaz",
			Email:          "ayse@example.com",
			Phone:          "+905350000000",
			IdentityNumber: "74300864791",
			Address: models.Address{
				ContactName: "Ayşe Yılmaz",
				City:        "İstanbul",
				Country:     "Turkey",
				Line:        "Nidakule Göztepe, Merdivenköy Mah. Bora Sok. No:1",
			},
		},
		IP: "85.34.78.112",
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// sumLines is the total the provider would see for req.
func sumLines(req *gateway.ChargeRequest) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range req.Lines {
		sum = sum.Add(l.Price)
	}
	return sum
}
