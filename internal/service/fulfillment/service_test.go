package fulfillment

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/lock"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/retry"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/lms"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/notification"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/storage/memory"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/taskqueue"
)

type collectingQueue struct {
	mu    sync.Mutex
	tasks []taskqueue.Task
}

func (q *collectingQueue) Submit(_ context.Context, task taskqueue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *collectingQueue) pop() (taskqueue.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, true
}

// drain выполняет задачи, включая поставленные по ходу, и возвращает ошибки по именам задач.
func (q *collectingQueue) drain(ctx context.Context) map[string][]error {
	errs := make(map[string][]error)
	for {
		task, ok := q.pop()
		if !ok {
			return errs
		}
		if err := task.Execute(ctx); err != nil {
			errs[task.Name()] = append(errs[task.Name()], err)
		}
	}
}

type stubNotifier struct {
	mu    sync.Mutex
	err   error
	sends int
}

func (s *stubNotifier) SendNotification(context.Context, string, string, map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sends++
	return nil
}

type stubAnalytics struct {
	mu     sync.Mutex
	events []string
	props  []map[string]any
}

func (s *stubAnalytics) EmitAnalyticsEvent(_ context.Context, _, eventName string, props map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventName)
	s.props = append(s.props, props)
	return nil
}

type harness struct {
	oms       *memory.OrderManagementInMemory
	lms       *lms.MockService
	notifier  *stubNotifier
	analytics *stubAnalytics
	queue     *collectingQueue
	bus       *eventbus.Bus
	svc       *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		oms:       memory.NewOrderManagement(),
		lms:       lms.NewMockService(),
		notifier:  &stubNotifier{},
		analytics: &stubAnalytics{},
		queue:     &collectingQueue{},
	}

	noSleep := retry.WithSleep(func(context.Context, time.Duration) error { return nil })
	publisher := &eventbus.Deferred{}
	h.svc = NewService(Deps{
		Orders:        h.oms,
		Learners:      h.lms,
		Analytics:     h.analytics,
		Publisher:     publisher,
		Notifications: notification.NewService(memory.NewCache(), h.notifier, nil, nil),
		Confirmations: h.queue,
		Locker:        lock.New(memory.NewCache(), lock.WithPollInterval(time.Millisecond)),
		LMSCaller:     retry.New(retry.Config{MaxAttempts: 2}, nil, noSleep),
		ProductTypes:  domain.NewProductTypes("edx_course", "edx_program_bundle"),
	})

	consumers := append(h.svc.Consumers(h.queue),
		eventbus.NewConsumer("noop", func(context.Context, eventbus.Payload) error { return nil }))
	bus, err := eventbus.Init(eventbus.Config{Events: map[string][]string{
		string(eventbus.OrderPlaced):          {ConsumerFulfillOrder},
		string(eventbus.EnrollmentRequested):  {ConsumerLMSEnrollment, ConsumerFulfillmentAnalytics},
		string(eventbus.EntitlementRequested): {ConsumerLMSEntitlement, ConsumerFulfillmentAnalytics},
		string(eventbus.OrderSanctioned):      {"noop"},
		string(eventbus.OrderReturned):        {"noop"},
	}}, consumers)
	require.NoError(t, err)
	publisher.Bind(bus)
	h.bus = bus

	h.oms.PutCustomer(domain.Customer{ID: "C1", Email: "jane@example.com", FirstName: "Jane", Username: "jdoe", LMSUserID: "42"})
	return h
}

func (h *harness) putOrder(items ...domain.LineItem) domain.Order {
	order := domain.Order{
		ID:          "O1",
		OrderNumber: "2026-0001",
		CustomerID:  "C1",
		Currency:    "USD",
		TotalMinor:  29800,
		LineItems:   items,
	}
	h.oms.PutOrder(order)
	return order
}

func (h *harness) courseItem(id string) domain.LineItem {
	return domain.LineItem{
		ID:          id,
		ProductKey:  "course-v1:edX+" + id,
		ProductType: "edx_course",
		Name:        "Course " + id,
		Quantity:    1,
		StateID:     h.oms.StateID(domain.StatePendingFulfillment),
	}
}

func (h *harness) placed(messageID string) eventbus.Payload {
	payload, err := eventbus.Encode(domain.OrderPlaced{
		OrderID:         "O1",
		LineItemStateID: h.oms.StateID(domain.StatePendingFulfillment),
		SourceSystem:    "ct",
		MessageID:       messageID,
	})
	if err != nil {
		panic(err)
	}
	return payload
}

func (h *harness) stateKey(t *testing.T, lineItemID string) string {
	t.Helper()
	order, err := h.oms.GetOrderByID(context.Background(), "O1")
	require.NoError(t, err)
	item, ok := order.LineItem(lineItemID)
	require.True(t, ok)
	return h.oms.StateKey(item.StateID)
}

func TestOrderPlaced_EnrollsRecognizedItemsAndNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	book := domain.LineItem{ID: "L3", ProductType: "physical_book", StateID: h.oms.StateID(domain.StatePendingFulfillment)}
	h.putOrder(h.courseItem("L1"), h.courseItem("L2"), book)
	ctx := context.Background()

	require.NoError(t, eventbus.Failed(h.bus.Publish(ctx, eventbus.OrderPlaced, h.placed("m1"))))

	task, ok := h.queue.pop()
	require.True(t, ok)
	assert.Equal(t, TaskFulfillOrderPlaced, task.Name())
	require.NoError(t, task.Execute(ctx))

	assert.Equal(t, domain.StateProcessingFulfillment, h.stateKey(t, "L1"))
	assert.Equal(t, domain.StateProcessingFulfillment, h.stateKey(t, "L2"))
	assert.Equal(t, domain.StatePendingFulfillment, h.stateKey(t, "L3"))
	assert.Equal(t, []string{domain.AnalyticsFulfillmentRequested, domain.AnalyticsFulfillmentRequested}, h.analytics.events)

	errs := h.queue.drain(ctx)
	assert.Empty(t, errs)
	assert.Equal(t, 1, h.notifier.sends)

	enrollments := h.lms.Enrollments()
	require.Len(t, enrollments, 2)
	assert.Equal(t, "42", enrollments[0].LMSUserID)
	assert.Equal(t, domain.DefaultCourseMode, enrollments[0].CourseMode)
	assert.Equal(t, "m1", enrollments[0].MessageID)
	assert.Equal(t, h.oms.StateID(domain.StateProcessingFulfillment), enrollments[0].LineItemStateID)
	assert.Empty(t, h.lms.Entitlements())

	for _, id := range []string{"L1", "L2"} {
		assert.Equal(t, domain.StateSuccessFulfillment, h.stateKey(t, id))
		assert.True(t, domain.IsFulfillmentWalk(h.oms.History(id)), "history %v", h.oms.History(id))
	}
}

func TestOrderPlaced_ReplayFailsFastWithoutSecondNotification(t *testing.T) {
	h := newHarness(t)
	h.putOrder(h.courseItem("L1"), h.courseItem("L2"))
	ctx := context.Background()
	ev := domain.OrderPlaced{OrderID: "O1", LineItemStateID: h.oms.StateID(domain.StatePendingFulfillment), MessageID: "m1"}

	require.NoError(t, h.svc.HandleOrderPlaced(ctx, ev))
	h.queue.drain(ctx)

	err := h.svc.HandleOrderPlaced(ctx, ev)
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrLineItemStateMismatch)

	assert.Equal(t, 1, h.notifier.sends)
	assert.Len(t, h.lms.Enrollments(), 2)
}

func TestOrderPlaced_BundleItemRequestsEntitlement(t *testing.T) {
	h := newHarness(t)
	bundle := h.courseItem("L1")
	bundle.ProductType = "edx_program_bundle"
	bundle.Attributes = map[string]string{domain.AttributeBundleID: "bundle-7", domain.AttributeCourseMode: "professional"}
	h.putOrder(bundle)
	ctx := context.Background()

	require.NoError(t, h.svc.HandleOrderPlaced(ctx, domain.OrderPlaced{OrderID: "O1", LineItemStateID: bundle.StateID, MessageID: "m1"}))
	assert.Empty(t, h.queue.drain(ctx))

	entitlements := h.lms.Entitlements()
	require.Len(t, entitlements, 1)
	assert.Equal(t, "bundle-7", entitlements[0].BundleID)
	assert.Equal(t, "professional", entitlements[0].CourseMode)
	assert.Empty(t, h.lms.Enrollments())
	assert.Equal(t, "bundle-7", h.analytics.props[0]["bundle_id"])
}

func TestOrderPlaced_NoRecognizedItemsIsNoop(t *testing.T) {
	h := newHarness(t)
	h.putOrder(domain.LineItem{ID: "L1", ProductType: "gift_card", StateID: h.oms.StateID(domain.StatePendingFulfillment)})

	err := h.svc.HandleOrderPlaced(context.Background(), domain.OrderPlaced{OrderID: "O1", MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 0, h.oms.Calls(memory.OpTransitionLineItems))
	assert.Equal(t, 0, h.notifier.sends)
}

func TestOrderPlaced_LookupFailureIsRetryable(t *testing.T) {
	h := newHarness(t)

	err := h.svc.HandleOrderPlaced(context.Background(), domain.OrderPlaced{OrderID: "missing", MessageID: "m1"})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.False(t, domain.IsPermanent(err))
	assert.Equal(t, 0, h.notifier.sends)

	h.putOrder(h.courseItem("L1"))
	h.oms.InjectError(memory.OpGetCustomerByID, &domain.OMSError{Op: memory.OpGetCustomerByID, StatusCode: http.StatusBadGateway, Err: domain.ErrTemporary}, 1)
	err = h.svc.HandleOrderPlaced(context.Background(), domain.OrderPlaced{OrderID: "O1", MessageID: "m1"})
	require.ErrorIs(t, err, domain.ErrTemporary)
	assert.Equal(t, 0, h.oms.Calls(memory.OpTransitionLineItems))
}

func TestOrderPlaced_VersionConflictIsRetriedWithoutPartialUpdate(t *testing.T) {
	h := newHarness(t)
	h.putOrder(h.courseItem("L1"), h.courseItem("L2"))
	ctx := context.Background()
	conflict := &domain.OMSError{Op: memory.OpTransitionLineItems, StatusCode: http.StatusConflict, Err: domain.ErrVersionConflict}
	h.oms.InjectError(memory.OpTransitionLineItems, conflict, 1)
	ev := domain.OrderPlaced{OrderID: "O1", LineItemStateID: h.oms.StateID(domain.StatePendingFulfillment), MessageID: "m1"}

	err := h.svc.HandleOrderPlaced(ctx, ev)
	require.Error(t, err)
	assert.True(t, domain.IsVersionConflict(err))
	assert.False(t, domain.IsPermanent(err))
	assert.Equal(t, domain.StatePendingFulfillment, h.stateKey(t, "L1"))
	assert.Equal(t, domain.StatePendingFulfillment, h.stateKey(t, "L2"))
	assert.Equal(t, 0, h.notifier.sends)

	require.NoError(t, h.svc.HandleOrderPlaced(ctx, ev))
	assert.Equal(t, domain.StateProcessingFulfillment, h.stateKey(t, "L1"))
	assert.Empty(t, h.queue.drain(ctx))
	assert.Equal(t, 1, h.notifier.sends)
}

func TestCompleteFulfillment_LMSFailureMarksItemFailed(t *testing.T) {
	h := newHarness(t)
	h.putOrder(h.courseItem("L1"))
	ctx := context.Background()
	h.lms.FailEnroll(domain.ErrLearnerNotFound)

	require.NoError(t, h.svc.HandleOrderPlaced(ctx, domain.OrderPlaced{OrderID: "O1", LineItemStateID: h.oms.StateID(domain.StatePendingFulfillment), MessageID: "m1"}))
	assert.Empty(t, h.queue.drain(ctx))

	assert.Equal(t, domain.StateFailedFulfillment, h.stateKey(t, "L1"))
	assert.Empty(t, h.lms.Enrollments())
}

func TestCompleteFulfillment_SkipsItemThatAlreadyMoved(t *testing.T) {
	h := newHarness(t)
	h.putOrder(h.courseItem("L1"))
	ctx := context.Background()

	req := domain.FulfillmentRequest{OrderID: "O1", LineItemID: "L1", LineItemStateID: h.oms.StateID(domain.StateProcessingFulfillment)}
	require.NoError(t, h.svc.CompleteFulfillment(ctx, req, false))
	assert.Equal(t, domain.StatePendingFulfillment, h.stateKey(t, "L1"))
	assert.Equal(t, 0, h.oms.Calls(memory.OpTransitionLineItems))

	req.LineItemID = "ghost"
	err := h.svc.CompleteFulfillment(ctx, req, false)
	assert.True(t, domain.IsPermanent(err))
	assert.True(t, errors.Is(err, domain.ErrLineItemNotFound))
}

func (q *collectingQueue) take(name string) (taskqueue.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, task := range q.tasks {
		if task.Name() == name {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return task, true
		}
	}
	return nil, false
}

func TestOrderPlaced_ConfirmationRetriedAfterTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.putOrder(h.courseItem("L1"))
	ctx := context.Background()
	h.notifier.err = errors.New("smtp down")

	require.NoError(t, h.svc.HandleOrderPlaced(ctx, domain.OrderPlaced{OrderID: "O1", LineItemStateID: h.oms.StateID(domain.StatePendingFulfillment), MessageID: "m1"}))
	assert.Equal(t, domain.StateProcessingFulfillment, h.stateKey(t, "L1"))

	confirmation, ok := h.queue.take(TaskSendOrderConfirmation)
	require.True(t, ok)
	assert.Equal(t, "O1", confirmation.Key())

	err := confirmation.Execute(ctx)
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
	assert.Equal(t, 0, h.notifier.sends)

	h.notifier.mu.Lock()
	h.notifier.err = nil
	h.notifier.mu.Unlock()

	require.NoError(t, confirmation.Execute(ctx))
	assert.Equal(t, 1, h.notifier.sends)

	require.NoError(t, confirmation.Execute(ctx))
	assert.Equal(t, 1, h.notifier.sends)
}

func TestOrderPlaced_ConfirmationSentInlineWhenQueueRejects(t *testing.T) {
	h := newHarness(t)
	h.putOrder(h.courseItem("L1"))
	h.svc.confirmations = rejectingQueue{}

	require.NoError(t, h.svc.HandleOrderPlaced(context.Background(), domain.OrderPlaced{OrderID: "O1", LineItemStateID: h.oms.StateID(domain.StatePendingFulfillment), MessageID: "m1"}))
	assert.Equal(t, 1, h.notifier.sends)
}

type rejectingQueue struct{}

func (rejectingQueue) Submit(context.Context, taskqueue.Task) error {
	return taskqueue.ErrQueueClosed
}

type trackingLocker struct {
	mu    sync.Mutex
	held  bool
	calls int
}

func (l *trackingLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.held = true
	l.calls++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}()
	return fn(ctx)
}

func (l *trackingLocker) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

type lockAwarePublisher struct {
	locker       *trackingLocker
	events       []eventbus.Event
	publishUnder int
}

func (p *lockAwarePublisher) Publish(_ context.Context, event eventbus.Event, _ eventbus.Payload) []eventbus.Outcome {
	p.events = append(p.events, event)
	if p.locker.isHeld() {
		p.publishUnder++
	}
	return nil
}

type lockAwareQueue struct {
	locker      *trackingLocker
	names       []string
	submitUnder int
}

func (q *lockAwareQueue) Submit(_ context.Context, task taskqueue.Task) error {
	q.names = append(q.names, task.Name())
	if q.locker.isHeld() {
		q.submitUnder++
	}
	return nil
}

func TestOrderPlaced_LockCoversOnlyTransition(t *testing.T) {
	oms := memory.NewOrderManagement()
	oms.PutCustomer(domain.Customer{ID: "C1", Email: "jane@example.com", LMSUserID: "42"})
	pending := oms.StateID(domain.StatePendingFulfillment)
	oms.PutOrder(domain.Order{ID: "O1", CustomerID: "C1", LineItems: []domain.LineItem{
		{ID: "L1", ProductType: "edx_course", StateID: pending},
		{ID: "L2", ProductType: "edx_course", StateID: pending},
	}})

	locker := &trackingLocker{}
	publisher := &lockAwarePublisher{locker: locker}
	confirmations := &lockAwareQueue{locker: locker}
	svc := NewService(Deps{
		Orders:        oms,
		Publisher:     publisher,
		Notifications: notification.NewService(memory.NewCache(), &stubNotifier{}, nil, nil),
		Confirmations: confirmations,
		Locker:        locker,
		ProductTypes:  domain.NewProductTypes("edx_course"),
	})

	require.NoError(t, svc.HandleOrderPlaced(context.Background(), domain.OrderPlaced{OrderID: "O1", LineItemStateID: pending, MessageID: "m1"}))

	assert.Equal(t, 1, locker.calls)
	assert.Equal(t, 1, oms.Calls(memory.OpTransitionLineItems))
	assert.Equal(t, []eventbus.Event{eventbus.EnrollmentRequested, eventbus.EnrollmentRequested}, publisher.events)
	assert.Zero(t, publisher.publishUnder)
	assert.Equal(t, []string{TaskSendOrderConfirmation}, confirmations.names)
	assert.Zero(t, confirmations.submitUnder)
}

func TestConsumers_RejectPayloadWithoutOrder(t *testing.T) {
	h := newHarness(t)

	outcomes := h.bus.Publish(context.Background(), eventbus.OrderPlaced, eventbus.Payload{"message_id": "m1"})
	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].Err, errMissingOrderID)
	_, queued := h.queue.pop()
	assert.False(t, queued)
}
