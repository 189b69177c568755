package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nocodeguys/digital-pass-system/internal/model"
	"github.com/nocodeguys/digital-pass-system/internal/repository"
)

type stubRepo struct {
	cart    *model.Cart
	cartErr error

	updateCartErr     error
	updateCartCalled  bool
	updatedAddress    model.Address
	updatedMetaFields map[string]any

	order    *model.Order
	orderErr error

	variants map[string]*model.Variant

	customer    *model.Customer
	customerErr error

	expiredBatches [][]model.Customer
	expiredErr     error

	enqueued []model.OutboxEntry

	pending    []model.OutboxEntry
	pendingErr error

	processedIDs []uuid.UUID
	failedIDs    []uuid.UUID
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetCartWithItems(ctx context.Context, cartID string) (*model.Cart, error) {
	return s.cart, s.cartErr
}

func (s *stubRepo) UpdateCartForDigitalCheckout(ctx context.Context, cartID, email string, address model.Address, metaUpdates map[string]any) error {
	s.updateCartCalled = true
	s.updatedAddress = address
	s.updatedMetaFields = metaUpdates
	return s.updateCartErr
}

func (s *stubRepo) GetOrderWithItems(ctx context.Context, orderID string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) GetVariant(ctx context.Context, variantID string) (*model.Variant, error) {
	v, ok := s.variants[variantID]
	if !ok {
		return nil, errors.New("variant not found")
	}
	return v, nil
}

func (s *stubRepo) GetCustomer(ctx context.Context, customerID string) (*model.Customer, error) {
	return s.customer, s.customerErr
}

func (s *stubRepo) ListExpiredCustomers(ctx context.Context, now time.Time, afterID string, limit int) ([]model.Customer, error) {
	if s.expiredErr != nil {
		return nil, s.expiredErr
	}
	if len(s.expiredBatches) == 0 {
		return nil, nil
	}
	batch := s.expiredBatches[0]
	s.expiredBatches = s.expiredBatches[1:]
	return batch, nil
}

func (s *stubRepo) EnqueueMembershipSync(ctx context.Context, entry model.OutboxEntry) error {
	s.enqueued = append(s.enqueued, entry)
	return nil
}

func (s *stubRepo) PendingMembershipSync(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	return s.pending, s.pendingErr
}

func (s *stubRepo) MarkMembershipSyncProcessed(ctx context.Context, id uuid.UUID) error {
	s.processedIDs = append(s.processedIDs, id)
	return nil
}

func (s *stubRepo) MarkMembershipSyncFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubStep struct {
	result model.ExtensionResult
	err    error
	calls  int
}

func (s *stubStep) Do(ctx context.Context, orderID string) (model.ExtensionResult, *model.CompensationSnapshot, error) {
	s.calls++
	return s.result, nil, s.err
}

func (s *stubStep) Undo(ctx context.Context, snapshot *model.CompensationSnapshot) error {
	return nil
}

type stubSynchronizer struct {
	upsertErr    error
	upsertCalls  int
	upsertEmails []string
	upsertNames  []string

	removeErr    error
	removeCalls  int
	removeEmails []string
	failFor      map[string]error
}

func (s *stubSynchronizer) UpsertMember(ctx context.Context, email, name string) error {
	s.upsertCalls++
	s.upsertEmails = append(s.upsertEmails, email)
	s.upsertNames = append(s.upsertNames, name)
	return s.upsertErr
}

func (s *stubSynchronizer) RemoveMember(ctx context.Context, email string) error {
	s.removeCalls++
	s.removeEmails = append(s.removeEmails, email)
	if err, ok := s.failFor[email]; ok {
		return err
	}
	return s.removeErr
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) SendOrderConfirmation(ctx context.Context, order *model.Order) error {
	s.calls++
	return s.err
}

func newTestService(repo *stubRepo, step *stubStep, sync *stubSynchronizer, notifier *stubNotifier) *Service {
	return NewService(repo, step, sync, notifier, zap.NewNop())
}

func customerOrder(customerID string) *model.Order {
	return &model.Order{
		ID:         "order_1",
		CustomerID: &customerID,
		Email:      "buyer@example.com",
	}
}

func TestHandleOrderPlaced_NotifierFailureDoesNotBlockExtension(t *testing.T) {
	repo := &stubRepo{
		order:    customerOrder("cus_1"),
		customer: &model.Customer{ID: "cus_1", Email: "buyer@example.com", FirstName: "Jane", LastName: "Doe"},
	}
	step := &stubStep{
		result: model.ExtensionResult{Success: true, CustomerID: "cus_1", DaysAdded: 30},
	}
	sync := &stubSynchronizer{}
	notifier := &stubNotifier{err: errors.New("smtp unavailable")}

	svc := newTestService(repo, step, sync, notifier)

	if err := svc.HandleOrderPlaced(context.Background(), "order_1"); err != nil {
		t.Fatalf("HandleOrderPlaced error: %v", err)
	}

	if step.calls != 1 {
		t.Fatalf("extension must run despite notifier failure, calls = %d", step.calls)
	}
	if sync.upsertCalls != 1 {
		t.Fatalf("membership sync must run despite notifier failure, calls = %d", sync.upsertCalls)
	}
}

func TestHandleOrderPlaced_StepFailureDoesNotBlockNotification(t *testing.T) {
	repo := &stubRepo{order: customerOrder("cus_1")}
	step := &stubStep{err: errors.New("database unavailable")}
	sync := &stubSynchronizer{}
	notifier := &stubNotifier{}

	svc := newTestService(repo, step, sync, notifier)

	if err := svc.HandleOrderPlaced(context.Background(), "order_1"); err != nil {
		t.Fatalf("step failure must not fail the listener, got %v", err)
	}

	if notifier.calls != 1 {
		t.Fatalf("confirmation must be sent despite step failure, calls = %d", notifier.calls)
	}
	if sync.upsertCalls != 0 {
		t.Fatalf("membership sync must not run after a failed extension")
	}
}

func TestHandleOrderPlaced_SyncsMemberWithFullName(t *testing.T) {
	repo := &stubRepo{
		order:    customerOrder("cus_1"),
		customer: &model.Customer{ID: "cus_1", Email: "buyer@example.com", FirstName: "Jane", LastName: "Doe"},
	}
	step := &stubStep{
		result: model.ExtensionResult{Success: true, CustomerID: "cus_1", DaysAdded: 30},
	}
	sync := &stubSynchronizer{}

	svc := newTestService(repo, step, sync, &stubNotifier{})

	if err := svc.HandleOrderPlaced(context.Background(), "order_1"); err != nil {
		t.Fatalf("HandleOrderPlaced error: %v", err)
	}

	if len(sync.upsertEmails) != 1 || sync.upsertEmails[0] != "buyer@example.com" {
		t.Fatalf("unexpected synced emails: %v", sync.upsertEmails)
	}
	if sync.upsertNames[0] != "Jane Doe" {
		t.Fatalf("member name = %q, want %q", sync.upsertNames[0], "Jane Doe")
	}
}

func TestHandleOrderPlaced_SyncFailureEnqueuedNotPropagated(t *testing.T) {
	repo := &stubRepo{
		order:    customerOrder("cus_1"),
		customer: &model.Customer{ID: "cus_1", Email: "buyer@example.com"},
	}
	step := &stubStep{
		result: model.ExtensionResult{Success: true, CustomerID: "cus_1", DaysAdded: 30},
	}
	sync := &stubSynchronizer{upsertErr: errors.New("community unavailable")}

	svc := newTestService(repo, step, sync, &stubNotifier{})

	if err := svc.HandleOrderPlaced(context.Background(), "order_1"); err != nil {
		t.Fatalf("sync failure must not fail the listener, got %v", err)
	}

	if len(repo.enqueued) != 1 {
		t.Fatalf("failed sync must be enqueued for redelivery, enqueued = %d", len(repo.enqueued))
	}
	entry := repo.enqueued[0]
	if entry.Action != model.MembershipUpsert || entry.Email != "buyer@example.com" {
		t.Fatalf("unexpected outbox entry: %+v", entry)
	}
}

func TestHandleOrderPlaced_NoSyncWithoutExtension(t *testing.T) {
	repo := &stubRepo{order: customerOrder("cus_1")}
	// Повторная доставка или заказ без цифровых товаров: шаг завершается
	// без продления.
	step := &stubStep{result: model.ExtensionResult{}}
	sync := &stubSynchronizer{}

	svc := newTestService(repo, step, sync, &stubNotifier{})

	if err := svc.HandleOrderPlaced(context.Background(), "order_1"); err != nil {
		t.Fatalf("HandleOrderPlaced error: %v", err)
	}

	if sync.upsertCalls != 0 {
		t.Fatalf("membership sync must not run without an extension")
	}
}

func TestHandleOrderPlaced_OrderLoadErrorPropagates(t *testing.T) {
	repo := &stubRepo{orderErr: repository.ErrOrderNotFound}

	svc := newTestService(repo, &stubStep{}, &stubSynchronizer{}, &stubNotifier{})

	err := svc.HandleOrderPlaced(context.Background(), "order_missing")
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPrepareDigitalCheckout_EmptyCart(t *testing.T) {
	repo := &stubRepo{cart: &model.Cart{ID: "cart_1"}}

	svc := newTestService(repo, &stubStep{}, &stubSynchronizer{}, &stubNotifier{})

	err := svc.PrepareDigitalCheckout(context.Background(), model.DigitalCheckoutInput{CartID: "cart_1"})
	if !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("expected ErrCartEmpty, got %v", err)
	}
}

func TestPrepareDigitalCheckout_PhysicalItemRejected(t *testing.T) {
	variantID := "var_physical"
	repo := &stubRepo{
		cart: &model.Cart{
			ID: "cart_1",
			Items: []model.LineItem{
				{ID: "item_1", VariantID: &variantID, Title: "T-Shirt", Quantity: 1},
			},
		},
		variants: map[string]*model.Variant{
			"var_physical": {ID: "var_physical", Metadata: map[string]any{}},
		},
	}

	svc := newTestService(repo, &stubStep{}, &stubSynchronizer{}, &stubNotifier{})

	err := svc.PrepareDigitalCheckout(context.Background(), model.DigitalCheckoutInput{CartID: "cart_1"})
	if !errors.Is(err, ErrRequiresShipping) {
		t.Fatalf("expected ErrRequiresShipping, got %v", err)
	}
	if repo.updateCartCalled {
		t.Fatalf("cart must not be updated when it requires shipping")
	}
}

func TestPrepareDigitalCheckout_WritesPlaceholderAddress(t *testing.T) {
	variantID := "var_pass"
	repo := &stubRepo{
		cart: &model.Cart{
			ID: "cart_1",
			Items: []model.LineItem{
				{ID: "item_1", VariantID: &variantID, Title: "Pass", Quantity: 1},
			},
		},
		variants: map[string]*model.Variant{
			"var_pass": {ID: "var_pass", Metadata: map[string]any{
				model.MetaIsDigital:  true,
				model.MetaAccessDays: float64(30),
			}},
		},
	}

	svc := newTestService(repo, &stubStep{}, &stubSynchronizer{}, &stubNotifier{})

	err := svc.PrepareDigitalCheckout(context.Background(), model.DigitalCheckoutInput{
		CartID:      "cart_1",
		Email:       "buyer@example.com",
		FirstName:   "Jane",
		LastName:    "Doe",
		CountryCode: "DE",
	})
	if err != nil {
		t.Fatalf("PrepareDigitalCheckout error: %v", err)
	}

	if !repo.updateCartCalled {
		t.Fatalf("cart update was not called")
	}
	addr := repo.updatedAddress
	if addr.Address1 != "Digital Delivery" || addr.City != "N/A" || addr.PostalCode != "00000" {
		t.Fatalf("unexpected placeholder address: %+v", addr)
	}
	if addr.CountryCode != "de" {
		t.Fatalf("country code = %q, want lowercase %q", addr.CountryCode, "de")
	}
	if repo.updatedMetaFields[model.MetaIsDigitalCheckout] != true {
		t.Fatalf("cart metadata must mark digital checkout: %+v", repo.updatedMetaFields)
	}
}

func TestAccessStatus_Active(t *testing.T) {
	repo := &stubRepo{
		customer: &model.Customer{
			ID:    "cus_1",
			Email: "buyer@example.com",
			Metadata: map[string]any{
				model.MetaAccessExpiresAt: "2025-03-20T12:00:00Z",
			},
		},
	}

	svc := newTestService(repo, &stubStep{}, &stubSynchronizer{}, &stubNotifier{})
	svc.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }

	info, err := svc.AccessStatus(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("AccessStatus error: %v", err)
	}

	if info.Status != model.AccessActive {
		t.Fatalf("status = %q, want %q", info.Status, model.AccessActive)
	}
	if info.DaysRemaining != 10 {
		t.Fatalf("daysRemaining = %d, want 10", info.DaysRemaining)
	}
}

func TestAccessStatus_NoExpiry(t *testing.T) {
	repo := &stubRepo{
		customer: &model.Customer{ID: "cus_1", Email: "buyer@example.com"},
	}

	svc := newTestService(repo, &stubStep{}, &stubSynchronizer{}, &stubNotifier{})

	info, err := svc.AccessStatus(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("AccessStatus error: %v", err)
	}

	if info.Status != model.AccessNone {
		t.Fatalf("status = %q, want %q", info.Status, model.AccessNone)
	}
	if info.ExpiresAt != nil {
		t.Fatalf("ExpiresAt = %v, want nil", info.ExpiresAt)
	}
}

func TestRunExpirySweep_RemovesExpiredMembers(t *testing.T) {
	repo := &stubRepo{
		expiredBatches: [][]model.Customer{
			{
				{ID: "cus_1", Email: "a@example.com"},
				{ID: "cus_2", Email: "b@example.com"},
			},
			{
				{ID: "cus_3", Email: "c@example.com"},
			},
		},
	}
	sync := &stubSynchronizer{}

	svc := newTestService(repo, &stubStep{}, sync, &stubNotifier{})

	processed, err := svc.RunExpirySweep(context.Background())
	if err != nil {
		t.Fatalf("RunExpirySweep error: %v", err)
	}

	if processed != 3 {
		t.Fatalf("processed = %d, want 3", processed)
	}
	if sync.removeCalls != 3 {
		t.Fatalf("remove calls = %d, want 3", sync.removeCalls)
	}
}

func TestRunExpirySweep_ContinuesAfterFailure(t *testing.T) {
	repo := &stubRepo{
		expiredBatches: [][]model.Customer{
			{
				{ID: "cus_1", Email: "a@example.com"},
				{ID: "cus_2", Email: "broken@example.com"},
				{ID: "cus_3", Email: "c@example.com"},
			},
		},
	}
	sync := &stubSynchronizer{
		failFor: map[string]error{
			"broken@example.com": errors.New("community unavailable"),
		},
	}

	svc := newTestService(repo, &stubStep{}, sync, &stubNotifier{})

	processed, err := svc.RunExpirySweep(context.Background())
	if err != nil {
		t.Fatalf("RunExpirySweep error: %v", err)
	}

	if processed != 2 {
		t.Fatalf("processed = %d, want 2 (failed customer skipped)", processed)
	}
	if len(repo.enqueued) != 1 {
		t.Fatalf("failed removal must be enqueued, enqueued = %d", len(repo.enqueued))
	}
	if repo.enqueued[0].Action != model.MembershipRemove {
		t.Fatalf("outbox action = %q, want %q", repo.enqueued[0].Action, model.MembershipRemove)
	}
}

func TestNextSweepAt(t *testing.T) {
	loc := time.UTC

	before := time.Date(2025, 3, 10, 1, 30, 0, 0, loc)
	next := nextSweepAt(before)
	want := time.Date(2025, 3, 10, 2, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("nextSweepAt(%v) = %v, want %v", before, next, want)
	}

	after := time.Date(2025, 3, 10, 2, 30, 0, 0, loc)
	next = nextSweepAt(after)
	want = time.Date(2025, 3, 11, 2, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("nextSweepAt(%v) = %v, want %v", after, next, want)
	}
}

func TestProcessOutboxBatch(t *testing.T) {
	okID := uuid.New()
	failID := uuid.New()

	repo := &stubRepo{
		pending: []model.OutboxEntry{
			{ID: okID, Action: model.MembershipUpsert, Email: "a@example.com", MemberName: "A"},
			{ID: failID, Action: model.MembershipRemove, Email: "broken@example.com"},
		},
	}
	sync := &stubSynchronizer{
		failFor: map[string]error{
			"broken@example.com": errors.New("community unavailable"),
		},
	}

	svc := newTestService(repo, &stubStep{}, sync, &stubNotifier{})

	svc.processOutboxBatch(context.Background())

	if len(repo.processedIDs) != 1 || repo.processedIDs[0] != okID {
		t.Fatalf("processed ids = %v, want [%v]", repo.processedIDs, okID)
	}
	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != failID {
		t.Fatalf("failed ids = %v, want [%v]", repo.failedIDs, failID)
	}
}
