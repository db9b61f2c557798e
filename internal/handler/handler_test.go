package handler

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benabook/ns-cafe/internal/domain/auth"
	"github.com/benabook/ns-cafe/internal/domain/cart"
	"github.com/benabook/ns-cafe/internal/domain/menu"
	"github.com/benabook/ns-cafe/internal/domain/order"
	"github.com/benabook/ns-cafe/internal/payment"
	"github.com/benabook/ns-cafe/internal/realtime"
)

// --- In-memory fixtures ---

type memMenu struct {
	items []menu.Item
}

func (m *memMenu) List(context.Context) ([]menu.Item, error) {
	return m.items, nil
}

func (m *memMenu) GetByID(_ context.Context, id string) (*menu.Item, error) {
	for i := range m.items {
		if m.items[i].ID == id {
			return &m.items[i], nil
		}
	}
	return nil, menu.ErrNotFound
}

type memCarts struct {
	mu       sync.Mutex
	sessions map[string][]order.Item
}

func newMemCarts() *memCarts {
	return &memCarts{sessions: make(map[string][]order.Item)}
}

func (m *memCarts) ForSession(sessionID string) cart.Persistence {
	return &memCartPort{carts: m, id: sessionID}
}

type memCartPort struct {
	carts *memCarts
	id    string
}

func (p *memCartPort) Load(context.Context) ([]order.Item, error) {
	p.carts.mu.Lock()
	defer p.carts.mu.Unlock()
	return append([]order.Item(nil), p.carts.sessions[p.id]...), nil
}

func (p *memCartPort) Save(_ context.Context, items []order.Item) error {
	p.carts.mu.Lock()
	defer p.carts.mu.Unlock()
	p.carts.sessions[p.id] = append([]order.Item(nil), items...)
	return nil
}

type memOrders struct {
	mu        sync.Mutex
	byID      map[string]*order.Order
	handles   map[string]string
	processed map[string]bool
}

func newMemOrders() *memOrders {
	return &memOrders{
		byID:      make(map[string]*order.Order),
		handles:   make(map[string]string),
		processed: make(map[string]bool),
	}
}

func (m *memOrders) Insert(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[o.ID]; ok {
		return order.ErrConflict
	}
	cp := *o
	m.byID[o.ID] = &cp
	return nil
}

func (m *memOrders) GetByID(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) GetAll(_ context.Context, status *order.Status) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.byID {
		if status == nil || o.Status == *status {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memOrders) UpdateStatus(_ context.Context, id string, status order.Status, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.Version != expectedVersion {
		return order.ErrVersionMismatch
	}
	o.Status = status
	o.Version++
	return nil
}

func (m *memOrders) UpdatePayment(_ context.Context, id string, payment order.PaymentStatus, status *order.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return order.ErrNotFound
	}
	o.PaymentStatus = payment
	if status != nil {
		o.Status = *status
	}
	o.Version++
	return nil
}

func (m *memOrders) SetPaymentHandle(_ context.Context, id, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return order.ErrNotFound
	}
	o.PaymentHandle = handle
	m.handles[handle] = id
	return nil
}

func (m *memOrders) FindIDByPaymentHandle(_ context.Context, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.handles[handle]
	if !ok {
		return "", order.ErrNotFound
	}
	return id, nil
}

func (m *memOrders) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed[eventID] {
		return true, nil
	}
	m.processed[eventID] = true
	return false, nil
}

func (m *memOrders) UnmarkEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, eventID)
	return nil
}

type stubAdapter struct {
	req *payment.Request
	err error
}

func (a *stubAdapter) CreateRequest(context.Context, string, decimal.Decimal) (*payment.Request, error) {
	if a.err != nil {
		return nil, a.err
	}
	cp := *a.req
	return &cp, nil
}

func (a *stubAdapter) PollStatus(context.Context, string) (bool, error) {
	return false, nil
}

type stubParser struct {
	settlement *payment.Settlement
	err        error
}

func (p *stubParser) ParseWebhook([]byte, string) (*payment.Settlement, error) {
	if p.err != nil {
		return nil, p.err
	}
	cp := *p.settlement
	return &cp, nil
}

type fakeKeyRepo struct {
	info *auth.KeyInfo
}

func (r *fakeKeyRepo) FindByHash(_ context.Context, hash string) (*auth.KeyInfo, error) {
	if r.info != nil && r.info.KeyHash == hash {
		return r.info, nil
	}
	return nil, auth.ErrUnauthorized
}

// --- Test harness ---

const testStaffKey = "staff-test-key"

type fixture struct {
	handler *Handler
	orders  *memOrders
	svc     *order.Service
	card    *stubAdapter
	parser  *stubParser
	hub     *realtime.Hub
	server  *httptest.Server
	client  *http.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	menuRepo := &memMenu{items: []menu.Item{
		{
			ID:       "steak-salad-bowl",
			Name:     "Steak Salad Bowl",
			Price:    decimal.RequireFromString("42.00"),
			Category: "salads-bowls",
		},
		{
			ID:       "iced-latte",
			Name:     "Iced Latte",
			Price:    decimal.RequireFromString("14.00"),
			Category: "drinks",
			Options: []menu.Option{
				{ID: "oat-milk", Name: "Oat Milk", PriceDelta: decimal.RequireFromString("2.00")},
			},
		},
	}}

	orders := newMemOrders()
	svc := order.NewService(orders, nil, decimal.RequireFromString("0.06"))

	card := &stubAdapter{req: &payment.Request{
		Handle:       "pi_test_1",
		ClientSecret: "pi_test_1_secret",
	}}
	parser := &stubParser{}

	verifier := auth.NewVerifier(nil, []byte("pepper"))
	keys := &fakeKeyRepo{info: &auth.KeyInfo{
		ID:      "kitchen",
		KeyHash: verifier.HashKey(testStaffKey),
		Name:    "kitchen",
		Scopes:  []string{auth.ScopeOrdersRead, auth.ScopeOrdersWrite},
	}}
	verifier = auth.NewVerifier(keys, []byte("pepper"))

	hub := realtime.NewHub(zap.NewNop())

	h := NewHandler(
		Config{},
		menuRepo,
		newMemCarts(),
		svc,
		map[order.PaymentMethod]payment.Adapter{order.MethodCard: card},
		map[order.PaymentMethod]payment.WebhookParser{
			order.MethodCard:      parser,
			order.MethodLightning: parser,
		},
		orders,
		verifier,
		hub,
	)

	server := httptest.NewServer(h.Routes())
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &fixture{
		handler: h,
		orders:  orders,
		svc:     svc,
		card:    card,
		parser:  parser,
		hub:     hub,
		server:  server,
		client:  &http.Client{Jar: jar},
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	return resp
}

func staffHeaders() map[string]string {
	return map[string]string{APIKeyHeader: testStaffKey}
}
