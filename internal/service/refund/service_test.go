package refund

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/lock"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/pipeline"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/retry"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/psp"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/storage/memory"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/taskqueue"
)

type stubAnalytics struct {
	mu     sync.Mutex
	events []string
	props  []map[string]any
	err    error
}

func (s *stubAnalytics) EmitAnalyticsEvent(_ context.Context, _, eventName string, props map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventName)
	s.props = append(s.props, props)
	return s.err
}

func (s *stubAnalytics) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type stubRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *stubRecorder) ObserveRefund(outcome string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

type harness struct {
	oms       *memory.OrderManagementInMemory
	stripe    *psp.MockProvider
	paypal    *psp.MockProvider
	analytics *stubAnalytics
	recorder  *stubRecorder
	svc       *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		oms:       memory.NewOrderManagement(),
		stripe:    psp.NewStripe(),
		paypal:    psp.NewPayPal(),
		analytics: &stubAnalytics{},
		recorder:  &stubRecorder{},
	}

	caller := retry.New(retry.Config{MaxAttempts: 2}, nil,
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	registry, err := pipeline.Init(
		DefaultPipelines(domain.PSPStripe, domain.PSPPayPal),
		Steps(h.oms, caller, h.stripe, h.paypal),
		nil,
	)
	require.NoError(t, err)

	h.svc = NewService(Deps{
		Orders:    h.oms,
		Analytics: h.analytics,
		Pipelines: registry,
		Locker:    lock.New(memory.NewCache(), lock.WithPollInterval(time.Millisecond)),
		PSPPipelines: map[string]string{
			domain.PSPStripe: PipelineType(domain.PSPStripe),
			domain.PSPPayPal: PipelineType(domain.PSPPayPal),
		},
		ProductTypes: domain.NewProductTypes("edx_course"),
		Recorder:     h.recorder,
	})

	h.oms.PutCustomer(domain.Customer{ID: "C1", Email: "jane@example.com", Username: "jdoe", LMSUserID: "42"})
	return h
}

func ptr(v int64) *int64 { return &v }

func (h *harness) putOrder(pspName string, chargeState domain.TransactionState) {
	h.oms.PutOrder(domain.Order{
		ID:                   "O1",
		OrderNumber:          "2026-0001",
		CustomerID:           "C1",
		Currency:             "USD",
		TotalMinor:           19300,
		DiscountOnTotalMinor: ptr(500),
		LineItems: []domain.LineItem{
			{ID: "L1", ProductKey: "course-v1:edX+DemoX", ProductType: "edx_course", Name: "Demo", Quantity: 1, PriceMinor: 10000, DiscountMinor: ptr(200)},
			{ID: "L2", ProductKey: "course-v1:edX+CS50", ProductType: "edx_course", Name: "CS50", Quantity: 1, PriceMinor: 10000},
			{ID: "L3", ProductKey: "book-1", ProductType: "physical_book", Name: "Book", Quantity: 1, PriceMinor: 999, DiscountMinor: ptr(999)},
		},
		Payments: []domain.Payment{{
			Key:              "pay-1",
			PaymentInterface: pspName,
			InterfaceID:      "pi_123",
			AmountMinor:      19300,
			Currency:         "USD",
			Transactions: []domain.Transaction{{
				ID:            "tx-1",
				Type:          domain.TransactionCharge,
				State:         chargeState,
				AmountMinor:   19300,
				Currency:      "USD",
				InteractionID: "ch_123",
			}},
		}},
	})
}

func returned(messageID string) domain.OrderReturned {
	return domain.OrderReturned{OrderID: "O1", LineItemID: "L1", MessageID: messageID}
}

func (h *harness) order(t *testing.T) domain.Order {
	t.Helper()
	order, err := h.oms.GetOrderByID(context.Background(), "O1")
	require.NoError(t, err)
	return order
}

func refundTransactions(order domain.Order) int {
	n := 0
	for _, p := range order.Payments {
		for _, tx := range p.Transactions {
			if tx.Type == domain.TransactionRefund {
				n++
			}
		}
	}
	return n
}

func TestHandleOrderReturned_RefundsOnce(t *testing.T) {
	h := newHarness(t)
	h.putOrder(domain.PSPStripe, domain.TransactionSuccess)
	ctx := context.Background()

	outcome, err := h.svc.HandleOrderReturned(ctx, returned("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, outcome)

	order := h.order(t)
	assert.Equal(t, 1, refundTransactions(order))
	ri, ok := order.ReturnItemForLineItem("L1")
	require.True(t, ok)
	assert.Equal(t, domain.ReturnPaymentRefunded, ri.PaymentState)

	require.Equal(t, []string{domain.AnalyticsOrderRefunded}, h.analytics.events)
	props := h.analytics.props[0]
	assert.Equal(t, int64(700), props["discount"])
	assert.Equal(t, domain.PSPStripe, props["psp"])
	assert.Equal(t, "2026-0001", props["order_number"])
	assert.Len(t, props["products"], 2)

	outcome, err = h.svc.HandleOrderReturned(ctx, returned("m2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRefunded, outcome)

	assert.Equal(t, 1, h.stripe.Calls())
	assert.Equal(t, 1, refundTransactions(h.order(t)))
	assert.Equal(t, 1, h.analytics.count())
	assert.Equal(t, []string{string(OutcomeRefunded), string(OutcomeAlreadyRefunded)}, h.recorder.outcomes)
}

func TestHandleOrderReturned_ConcurrentDeliveriesRefundOnce(t *testing.T) {
	h := newHarness(t)
	h.putOrder(domain.PSPPayPal, domain.TransactionSuccess)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 4)
	errs := make([]error, 4)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = h.svc.HandleOrderReturned(ctx, returned("m1"))
		}(i)
	}
	wg.Wait()

	refunded := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeRefunded {
			refunded++
		} else {
			assert.Equal(t, OutcomeAlreadyRefunded, outcomes[i])
		}
	}
	assert.Equal(t, 1, refunded)
	assert.Equal(t, 1, h.paypal.Refunds())
	assert.Equal(t, 1, h.paypal.Calls())
	assert.Equal(t, 1, h.analytics.count())
	assert.Equal(t, 1, refundTransactions(h.order(t)))
}

func TestHandleOrderReturned_PSPAlreadyRefundedSkipsAnalytics(t *testing.T) {
	h := newHarness(t)
	h.putOrder(domain.PSPStripe, domain.TransactionSuccess)
	h.stripe.MarkRefunded("ch_123")

	outcome, err := h.svc.HandleOrderReturned(context.Background(), returned("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRefunded, outcome)
	assert.Equal(t, 0, h.analytics.count())

	order := h.order(t)
	assert.Equal(t, 0, refundTransactions(order))
	ri, ok := order.ReturnItemForLineItem("L1")
	require.True(t, ok)
	assert.Equal(t, domain.ReturnPaymentRefunded, ri.PaymentState)
}

func TestHandleOrderReturned_NoKnownPSP(t *testing.T) {
	tests := []struct {
		name  string
		psp   string
		state domain.TransactionState
	}{
		{name: "unknown provider", psp: "adyen", state: domain.TransactionSuccess},
		{name: "no successful charge", psp: domain.PSPStripe, state: domain.TransactionFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.putOrder(tt.psp, tt.state)

			outcome, err := h.svc.HandleOrderReturned(context.Background(), returned("m1"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoPSP, outcome)
			assert.Equal(t, 0, h.stripe.Calls())
			assert.Equal(t, 0, h.paypal.Calls())
			assert.Equal(t, 0, h.analytics.count())
			assert.Equal(t, 0, h.oms.Calls(memory.OpRecordRefundTransaction))
		})
	}
}

func TestHandleOrderReturned_NoRecognizedItems(t *testing.T) {
	h := newHarness(t)
	h.oms.PutOrder(domain.Order{
		ID:         "O1",
		CustomerID: "C1",
		LineItems:  []domain.LineItem{{ID: "L1", ProductType: "gift_card"}},
	})

	outcome, err := h.svc.HandleOrderReturned(context.Background(), returned("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotApplicable, outcome)
	assert.Equal(t, 0, h.oms.Calls(memory.OpCreateReturn))
}

func TestHandleOrderReturned_TransientPSPFailureIsRetriedByNextDelivery(t *testing.T) {
	h := newHarness(t)
	h.putOrder(domain.PSPStripe, domain.TransactionSuccess)
	h.stripe.FailNext(domain.ErrTemporary, domain.ErrTemporary)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.svc.HandleOrderReturned(ctx, returned("m1"))
	require.ErrorIs(t, err, domain.ErrTemporary)
	assert.False(t, domain.IsPermanent(err))
	assert.Equal(t, 2, h.stripe.Calls())
	assert.Equal(t, 0, h.analytics.count())

	outcome, err := h.svc.HandleOrderReturned(ctx, returned("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, outcome)
	assert.Equal(t, 1, h.stripe.Refunds())
}

func TestHandleOrderReturned_DeclinedRefundIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.putOrder(domain.PSPStripe, domain.TransactionSuccess)
	h.stripe.FailNext(domain.ErrRefundDeclined)

	_, err := h.svc.HandleOrderReturned(context.Background(), returned("m1"))
	require.ErrorIs(t, err, domain.ErrRefundDeclined)
	assert.Equal(t, 1, h.stripe.Calls())
}

func TestHandleOrderReturned_WithoutProductsSkipsAnalytics(t *testing.T) {
	h := newHarness(t)
	h.oms.PutOrder(domain.Order{
		ID:         "O1",
		CustomerID: "C1",
		Currency:   "USD",
		LineItems:  []domain.LineItem{{ID: "L1", ProductType: "edx_course"}},
		Payments: []domain.Payment{{
			Key:              "pay-1",
			PaymentInterface: domain.PSPStripe,
			Transactions: []domain.Transaction{{
				Type: domain.TransactionCharge, State: domain.TransactionSuccess, AmountMinor: 100, InteractionID: "ch_1",
			}},
		}},
	})

	outcome, err := h.svc.HandleOrderReturned(context.Background(), returned("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, outcome)
	assert.Equal(t, 0, h.analytics.count())
}

func TestHandleOrderReturned_AnalyticsFailureDoesNotFailRefund(t *testing.T) {
	h := newHarness(t)
	h.putOrder(domain.PSPStripe, domain.TransactionSuccess)
	h.analytics.err = errors.New("segment unavailable")

	outcome, err := h.svc.HandleOrderReturned(context.Background(), returned("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, outcome)
}

func TestHandleOrderReturned_UsesExistingReturnItem(t *testing.T) {
	h := newHarness(t)
	h.putOrder(domain.PSPStripe, domain.TransactionSuccess)
	ctx := context.Background()
	order := h.order(t)
	order, err := h.oms.CreateReturn(ctx, order.ID, order.Version, "L1")
	require.NoError(t, err)
	ri, _ := order.ReturnItemForLineItem("L1")

	ev := returned("m1")
	ev.ReturnItemID = ri.ID
	outcome, err := h.svc.HandleOrderReturned(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, outcome)
	assert.Equal(t, 1, h.oms.Calls(memory.OpCreateReturn))

	ev.ReturnItemID = "ghost"
	_, err = h.svc.HandleOrderReturned(ctx, ev)
	assert.True(t, domain.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrReturnItemNotFound)
}

func TestTotalDiscount(t *testing.T) {
	types := domain.NewProductTypes("edx_course")
	order := domain.Order{LineItems: []domain.LineItem{
		{ProductType: "edx_course", DiscountMinor: ptr(150)},
		{ProductType: "edx_course"},
		{ProductType: "physical_book", DiscountMinor: ptr(1000)},
	}}
	assert.Equal(t, int64(150), TotalDiscount(order, types))

	order.DiscountOnTotalMinor = ptr(50)
	assert.Equal(t, int64(200), TotalDiscount(order, types))
}

type collectingQueue struct {
	tasks []taskqueue.Task
}

func (q *collectingQueue) Submit(_ context.Context, task taskqueue.Task) error {
	q.tasks = append(q.tasks, task)
	return nil
}

func TestConsumers_SubmitRefundTask(t *testing.T) {
	h := newHarness(t)
	h.putOrder(domain.PSPStripe, domain.TransactionSuccess)
	queue := &collectingQueue{}
	consumer := h.svc.Consumers(queue)[0]
	assert.Equal(t, ConsumerRefundOrder, consumer.Name())

	err := consumer.Handle(context.Background(), eventbus.Payload{"order_id": "O1"})
	assert.ErrorIs(t, err, errIncompleteEvent)
	assert.Empty(t, queue.tasks)

	payload, err := eventbus.Encode(returned("m1"))
	require.NoError(t, err)
	require.NoError(t, consumer.Handle(context.Background(), payload))
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, TaskRefundOrderReturned, queue.tasks[0].Name())
	assert.Equal(t, "O1", queue.tasks[0].Key())

	require.NoError(t, queue.tasks[0].Execute(context.Background()))
	assert.Equal(t, 1, h.stripe.Refunds())
}
