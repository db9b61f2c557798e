package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockRepo struct {
	mu        sync.Mutex
	byID      map[string]*Order
	processed map[string]bool

	insertErr  error
	updateErr  error
	paymentErr error

	statusCalls  int
	paymentCalls int
}

func newMockRepo(orders ...*Order) *mockRepo {
	byID := make(map[string]*Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	return &mockRepo{byID: byID, processed: make(map[string]bool)}
}

func (m *mockRepo) Insert(_ context.Context, o *Order) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[o.ID]; ok {
		return ErrConflict
	}
	cp := *o
	m.byID[o.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockRepo) GetAll(_ context.Context, status *Status) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.byID {
		if status == nil || o.Status == *status {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, id string, status Status, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	if m.updateErr != nil {
		return m.updateErr
	}
	o, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if o.Version != expectedVersion {
		return ErrVersionMismatch
	}
	o.Status = status
	o.Version++
	return nil
}

func (m *mockRepo) UpdatePayment(_ context.Context, id string, payment PaymentStatus, status *Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paymentCalls++
	if m.paymentErr != nil {
		return m.paymentErr
	}
	o, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	o.PaymentStatus = payment
	if status != nil {
		o.Status = *status
		o.Version++
	}
	return nil
}

func (m *mockRepo) SetPaymentHandle(_ context.Context, id, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	o.PaymentHandle = handle
	return nil
}

func (m *mockRepo) FindIDByPaymentHandle(_ context.Context, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.byID {
		if o.PaymentHandle == handle {
			return id, nil
		}
	}
	return "", ErrNotFound
}

func (m *mockRepo) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed[eventID] {
		return true, nil
	}
	m.processed[eventID] = true
	return false, nil
}

func (m *mockRepo) UnmarkEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, eventID)
	return nil
}

type mockWatcher struct {
	mu       sync.Mutex
	watched  []string
	canceled []string
}

func (m *mockWatcher) Watch(_ context.Context, orderID, _ string, _ time.Time) func() {
	m.mu.Lock()
	m.watched = append(m.watched, orderID)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.canceled = append(m.canceled, orderID)
		m.mu.Unlock()
	}
}

// --- Helpers ---

func testItem(menuItemID string, price string, qty int) Item {
	return Item{
		ID:         menuItemID + "-line",
		MenuItemID: menuItemID,
		Name:       "Item " + menuItemID,
		UnitPrice:  decimal.RequireFromString(price),
		Quantity:   qty,
	}
}

func testCustomer() CustomerInfo {
	return CustomerInfo{Name: "Aina", Discord: "aina#1234"}
}

func storedOrder(id string, status Status, payment PaymentStatus) *Order {
	return &Order{
		ID:            id,
		Items:         []Item{testItem("m1", "10.00", 1)},
		Customer:      testCustomer(),
		Total:         decimal.RequireFromString("10.00"),
		Status:        status,
		PaymentStatus: payment,
		PaymentMethod: MethodLightning,
		Version:       1,
	}
}

// --- Tests ---

func TestCreateOrder_EmptyCart(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, decimal.Zero)

	_, err := svc.CreateOrder(context.Background(), nil, testCustomer(), 15, MethodCard)
	require.ErrorIs(t, err, ErrEmptyCart)
	assert.Empty(t, repo.byID, "no order should be persisted")
}

func TestCreateOrder_BlankName(t *testing.T) {
	svc := NewService(newMockRepo(), nil, decimal.Zero)

	_, err := svc.CreateOrder(context.Background(),
		[]Item{testItem("m1", "5.00", 1)}, CustomerInfo{Name: ""}, 15, MethodCard)
	require.ErrorIs(t, err, ErrNameRequired)
}

func TestCreateOrder_InvalidPickupTime(t *testing.T) {
	svc := NewService(newMockRepo(), nil, decimal.Zero)

	_, err := svc.CreateOrder(context.Background(),
		[]Item{testItem("m1", "5.00", 1)}, testCustomer(), 45, MethodCard)

	var ipErr *InvalidPickupTimeError
	require.ErrorAs(t, err, &ipErr)
	assert.Equal(t, 45, ipErr.Minutes)
}

func TestCreateOrder_TotalWithoutTax(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, decimal.Zero)

	o, err := svc.CreateOrder(context.Background(), []Item{
		testItem("m1", "42.00", 1),
		testItem("m2", "14.00", 2),
	}, testCustomer(), 15, MethodLightning)

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("70.00").Equal(o.Total))
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, PaymentPending, o.PaymentStatus)
	assert.Equal(t, int64(1), o.Version)
}

func TestCreateOrder_TotalWithServiceTax(t *testing.T) {
	svc := NewService(newMockRepo(), nil, decimal.RequireFromString("0.06"))

	o, err := svc.CreateOrder(context.Background(), []Item{
		testItem("m1", "42.00", 1),
		testItem("m2", "14.00", 2),
	}, testCustomer(), 15, MethodLightning)

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("74.20").Equal(o.Total), "got %s", o.Total)
}

func TestCreateOrder_OptionPriceIncluded(t *testing.T) {
	svc := NewService(newMockRepo(), nil, decimal.Zero)
	oat := testItem("m1", "13.00", 2) // 12.00 latte + 1.00 oat milk, priced at add time
	oat.SelectedOption = &Option{ID: "oat", Name: "Oat Milk", PriceDelta: decimal.RequireFromString("1.00")}

	o, err := svc.CreateOrder(context.Background(), []Item{oat}, testCustomer(), 10, MethodCard)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("26.00").Equal(o.Total))
}

func TestCreateOrder_SnapshotIsCopied(t *testing.T) {
	svc := NewService(newMockRepo(), nil, decimal.Zero)
	items := []Item{testItem("m1", "5.00", 1)}

	o, err := svc.CreateOrder(context.Background(), items, testCustomer(), 15, MethodCard)
	require.NoError(t, err)

	items[0].Quantity = 99
	assert.Equal(t, 1, o.Items[0].Quantity, "order items must be immune to later cart mutation")
}

func TestCreateOrder_RepoError(t *testing.T) {
	repo := newMockRepo()
	repo.insertErr = errors.New("db down")
	svc := NewService(repo, nil, decimal.Zero)

	_, err := svc.CreateOrder(context.Background(),
		[]Item{testItem("m1", "5.00", 1)}, testCustomer(), 15, MethodCard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert order")
}

func TestTransitionStatus_LinearNext(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPending, PaymentPaid))
	svc := NewService(repo, nil, decimal.Zero)

	o, err := svc.TransitionStatus(context.Background(), "o1", StatusPreparing)
	require.NoError(t, err)
	assert.Equal(t, StatusPreparing, o.Status)
	assert.Equal(t, int64(2), o.Version)
	assert.Equal(t, 1, repo.statusCalls, "exactly one update call")
}

func TestTransitionStatus_CancelFromAnyNonTerminal(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusPreparing, StatusReady} {
		repo := newMockRepo(storedOrder("o1", from, PaymentPaid))
		svc := NewService(repo, nil, decimal.Zero)

		o, err := svc.TransitionStatus(context.Background(), "o1", StatusCancelled)
		require.NoError(t, err, "cancel from %s", from)
		assert.Equal(t, StatusCancelled, o.Status)
	}
}

func TestTransitionStatus_IllegalLeavesStateUnchanged(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusPending, StatusReady},
		{StatusPending, StatusCompleted},
		{StatusPreparing, StatusCompleted},
		{StatusReady, StatusPreparing},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusPending},
		{StatusCancelled, StatusCancelled},
	}
	for _, tc := range cases {
		repo := newMockRepo(storedOrder("o1", tc.from, PaymentPaid))
		svc := NewService(repo, nil, decimal.Zero)

		_, err := svc.TransitionStatus(context.Background(), "o1", tc.to)

		var itErr *IllegalTransitionError
		require.ErrorAs(t, err, &itErr, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.from, itErr.From)

		stored, _ := repo.GetByID(context.Background(), "o1")
		assert.Equal(t, tc.from, stored.Status, "stored status must not change")
		assert.Equal(t, 0, repo.statusCalls, "no update call for illegal transition")
	}
}

// Re-issuing the current status is rejected rather than treated as a no-op
// success. This is a deliberate choice: a same-status request means the
// caller's view is stale or the caller is buggy, and silently succeeding
// would hide that.
func TestTransitionStatus_SameStatusRejected(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPreparing, PaymentPaid))
	svc := NewService(repo, nil, decimal.Zero)

	_, err := svc.TransitionStatus(context.Background(), "o1", StatusPreparing)

	var itErr *IllegalTransitionError
	require.ErrorAs(t, err, &itErr)
	stored, _ := repo.GetByID(context.Background(), "o1")
	assert.Equal(t, StatusPreparing, stored.Status)
}

func TestTransitionStatus_NotFound(t *testing.T) {
	svc := NewService(newMockRepo(), nil, decimal.Zero)

	_, err := svc.TransitionStatus(context.Background(), "missing", StatusPreparing)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordPaymentOutcome_PaidAdvancesPending(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPending, PaymentPending))
	svc := NewService(repo, nil, decimal.Zero)

	require.NoError(t, svc.RecordPaymentOutcome(context.Background(), "o1", true))

	stored, _ := repo.GetByID(context.Background(), "o1")
	assert.Equal(t, PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, StatusPreparing, stored.Status)
}

func TestRecordPaymentOutcome_PaidKeepsNonPendingStatus(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusCancelled, PaymentPending))
	svc := NewService(repo, nil, decimal.Zero)

	require.NoError(t, svc.RecordPaymentOutcome(context.Background(), "o1", true))

	stored, _ := repo.GetByID(context.Background(), "o1")
	assert.Equal(t, PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestRecordPaymentOutcome_FailedLeavesStatus(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPending, PaymentPending))
	svc := NewService(repo, nil, decimal.Zero)

	require.NoError(t, svc.RecordPaymentOutcome(context.Background(), "o1", false))

	stored, _ := repo.GetByID(context.Background(), "o1")
	assert.Equal(t, PaymentFailed, stored.PaymentStatus)
	assert.Equal(t, StatusPending, stored.Status, "failed payment keeps order visible for retry")
}

func TestRecordPaymentOutcome_TerminalIsNoop(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPreparing, PaymentPaid))
	svc := NewService(repo, nil, decimal.Zero)

	require.NoError(t, svc.RecordPaymentOutcome(context.Background(), "o1", false))

	stored, _ := repo.GetByID(context.Background(), "o1")
	assert.Equal(t, PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, 0, repo.paymentCalls)
}

func TestApplySettlement_ReplayAppliedOnce(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPending, PaymentPending))
	svc := NewService(repo, nil, decimal.Zero)

	require.NoError(t, svc.ApplySettlement(context.Background(), "evt-1", "o1", true))
	require.NoError(t, svc.ApplySettlement(context.Background(), "evt-1", "o1", true))

	stored, _ := repo.GetByID(context.Background(), "o1")
	assert.Equal(t, PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, StatusPreparing, stored.Status)
	assert.Equal(t, 1, repo.paymentCalls, "replay must not double-apply")
}

// A transient repository failure while applying the outcome must not consume
// the event id: the processor redelivers with the same id, and that retry has
// to go through or the order stays unpaid forever.
func TestApplySettlement_RetryAfterTransientFailure(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPending, PaymentPending))
	svc := NewService(repo, nil, decimal.Zero)

	repo.paymentErr = errors.New("connection reset")
	require.Error(t, svc.ApplySettlement(context.Background(), "evt-1", "o1", true))

	repo.paymentErr = nil
	require.NoError(t, svc.ApplySettlement(context.Background(), "evt-1", "o1", true))

	stored, _ := repo.GetByID(context.Background(), "o1")
	assert.Equal(t, PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, StatusPreparing, stored.Status)
}

func TestPaymentWatch_CancelledOnOutcome(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPending, PaymentPending))
	w := &mockWatcher{}
	svc := NewService(repo, w, decimal.Zero)

	svc.StartPaymentWatch(context.Background(), "o1", "inv-1", time.Now().Add(15*time.Minute))
	require.NoError(t, svc.RecordPaymentOutcome(context.Background(), "o1", true))

	assert.Equal(t, []string{"o1"}, w.watched)
	assert.Equal(t, []string{"o1"}, w.canceled, "settlement must cancel the watch")
}

func TestPaymentWatch_CancelledOnOrderCancel(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPending, PaymentPending))
	w := &mockWatcher{}
	svc := NewService(repo, w, decimal.Zero)

	svc.StartPaymentWatch(context.Background(), "o1", "inv-1", time.Now().Add(15*time.Minute))
	_, err := svc.TransitionStatus(context.Background(), "o1", StatusCancelled)
	require.NoError(t, err)

	assert.Equal(t, []string{"o1"}, w.canceled)
}

func TestPaymentWatch_RestartCancelsPrevious(t *testing.T) {
	repo := newMockRepo(storedOrder("o1", StatusPending, PaymentPending))
	w := &mockWatcher{}
	svc := NewService(repo, w, decimal.Zero)

	svc.StartPaymentWatch(context.Background(), "o1", "inv-1", time.Now().Add(time.Minute))
	svc.StartPaymentWatch(context.Background(), "o1", "inv-2", time.Now().Add(time.Minute))

	assert.Equal(t, []string{"o1", "o1"}, w.watched)
	assert.Equal(t, []string{"o1"}, w.canceled, "re-issuing an invoice replaces the old watch")
}
