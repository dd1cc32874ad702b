package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backoffice/services/fulfillment/internal/allocator"
	"example.com/backoffice/services/fulfillment/internal/ledger"
	"example.com/backoffice/services/fulfillment/internal/matcher"
	"example.com/backoffice/services/fulfillment/internal/metrics"
	"example.com/backoffice/services/fulfillment/internal/models"
	"example.com/backoffice/services/fulfillment/internal/repositories"
	"example.com/backoffice/services/fulfillment/internal/status"
	"example.com/backoffice/services/fulfillment/internal/tracing"
)

// MockOrderStore is a mock implementation of the order store
type MockOrderStore struct {
	mock.Mock
}

func (m *MockOrderStore) Create(ctx context.Context, order *models.PurchaseOrder) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockOrderStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PurchaseOrder, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PurchaseOrder), args.Error(1)
}

func (m *MockOrderStore) ReceivedForLine(ctx context.Context, orderLineID uuid.UUID) (int64, error) {
	args := m.Called(ctx, orderLineID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockOrderStore) ReceivedForArticle(ctx context.Context, orderID, articleID uuid.UUID) (int64, error) {
	args := m.Called(ctx, orderID, articleID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockOrderStore) AllocatedForArticle(ctx context.Context, orderID, articleID uuid.UUID) (int64, error) {
	args := m.Called(ctx, orderID, articleID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockOrderStore) ApplyApproval(ctx context.Context, approval *repositories.Approval) error {
	args := m.Called(ctx, approval)
	return args.Error(0)
}

func (m *MockOrderStore) MarkInvoiced(ctx context.Context, orderID uuid.UUID, expectedVersion int64, invoice *models.Invoice) error {
	args := m.Called(ctx, orderID, expectedVersion, invoice)
	return args.Error(0)
}

// MockStockStore is a mock implementation of the stock store
type MockStockStore struct {
	mock.Mock
}

func (m *MockStockStore) ApplyArrival(ctx context.Context, movement *models.StockMovement) (bool, error) {
	args := m.Called(ctx, movement)
	return args.Bool(0), args.Error(1)
}

func (m *MockStockStore) Level(ctx context.Context, articleID uuid.UUID, destinationType models.DestinationType, destinationID uuid.UUID) (int64, error) {
	args := m.Called(ctx, articleID, destinationType, destinationID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStockStore) ReservedAt(ctx context.Context, articleID uuid.UUID, destinationType models.DestinationType, destinationID uuid.UUID) (int64, error) {
	args := m.Called(ctx, articleID, destinationType, destinationID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStockStore) LatestPositiveMovements(ctx context.Context, articleID uuid.UUID) ([]models.StockMovement, error) {
	args := m.Called(ctx, articleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.StockMovement), args.Error(1)
}

// MockInvoiceStore is a mock implementation of the invoice store
type MockInvoiceStore struct {
	mock.Mock
}

func (m *MockInvoiceStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}

func (m *MockInvoiceStore) AppendPayment(ctx context.Context, payment *models.PaymentRecord) error {
	args := m.Called(ctx, payment)
	return args.Error(0)
}

func (m *MockInvoiceStore) SumPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	args := m.Called(ctx, invoiceID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockInvoiceStore) RecentIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

// MockPreorderStore is a mock implementation of the preorder store
type MockPreorderStore struct {
	mock.Mock
}

func (m *MockPreorderStore) Create(ctx context.Context, preorder *models.Preorder) error {
	args := m.Called(ctx, preorder)
	return args.Error(0)
}

func (m *MockPreorderStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Preorder, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Preorder), args.Error(1)
}

func (m *MockPreorderStore) OpenDemandsForArticle(ctx context.Context, articleID uuid.UUID) ([]matcher.Demand, error) {
	args := m.Called(ctx, articleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]matcher.Demand), args.Error(1)
}

func (m *MockPreorderStore) ArticlesWithOpenDemand(ctx context.Context) ([]uuid.UUID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockPreorderStore) ApplyMatch(ctx context.Context, application *repositories.MatchApplication) ([]models.AvailabilityNotification, error) {
	args := m.Called(ctx, application)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AvailabilityNotification), args.Error(1)
}

func (m *MockPreorderStore) ApplyDelivery(ctx context.Context, delivery *repositories.PreorderDelivery) error {
	args := m.Called(ctx, delivery)
	return args.Error(0)
}

func (m *MockPreorderStore) ActiveReservations(ctx context.Context, preorderID uuid.UUID) ([]models.StockReservation, error) {
	args := m.Called(ctx, preorderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.StockReservation), args.Error(1)
}

func (m *MockPreorderStore) ConvertToSale(ctx context.Context, update repositories.PreorderStatusUpdate, invoice *models.Invoice) error {
	args := m.Called(ctx, update, invoice)
	return args.Error(0)
}

func (m *MockPreorderStore) Notifications(ctx context.Context, preorderID uuid.UUID) ([]models.AvailabilityNotification, error) {
	args := m.Called(ctx, preorderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AvailabilityNotification), args.Error(1)
}

func (m *MockPreorderStore) AcknowledgeNotification(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockReconciler is a mock implementation of the status reconciler
type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) ReconcileInvoice(ctx context.Context, invoiceID uuid.UUID) (status.PaymentStatus, status.DeliveryStatus, error) {
	args := m.Called(ctx, invoiceID)
	return args.Get(0).(status.PaymentStatus), args.Get(1).(status.DeliveryStatus), args.Error(2)
}

// MockNotificationSink is a mock implementation of the notification sink
type MockNotificationSink struct {
	mock.Mock
}

func (m *MockNotificationSink) SendMessage(ctx context.Context, body interface{}) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}

type serviceMocks struct {
	orders     *MockOrderStore
	stock      *MockStockStore
	invoices   *MockInvoiceStore
	preorders  *MockPreorderStore
	reconciler *MockReconciler
	notifier   *MockNotificationSink
}

func newTestService(t *testing.T) (*FulfillmentService, *serviceMocks) {
	t.Helper()
	m := &serviceMocks{
		orders:     new(MockOrderStore),
		stock:      new(MockStockStore),
		invoices:   new(MockInvoiceStore),
		preorders:  new(MockPreorderStore),
		reconciler: new(MockReconciler),
		notifier:   new(MockNotificationSink),
	}
	svc := &FulfillmentService{
		orderRepo:    m.orders,
		stockRepo:    m.stock,
		invoiceRepo:  m.invoices,
		preorderRepo: m.preorders,
		reconciler:   m.reconciler,
		notifier:     m.notifier,
		metrics:      metrics.NewMetrics(),
		tracer:       tracing.Noop(),
	}
	return svc, m
}

func testOrder(ordered int64, price string, orderStatus models.PurchaseOrderStatus) *models.PurchaseOrder {
	orderID := uuid.New()
	return &models.PurchaseOrder{
		ID:        orderID,
		Reference: "PO-1001",
		Status:    orderStatus,
		Version:   3,
		Lines: []models.OrderLine{
			{
				ID:              uuid.New(),
				PurchaseOrderID: orderID,
				ArticleID:       uuid.New(),
				QuantityOrdered: ordered,
				UnitPrice:       decimal.RequireFromString(price),
			},
		},
	}
}

func TestApproveDelivery_SplitAcrossDestinations(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderInProgress)
	line := order.Lines[0]
	warehouseID := uuid.New()
	posID := uuid.New()

	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)
	m.orders.On("ReceivedForLine", ctx, line.ID).Return(int64(0), nil)
	m.orders.On("ReceivedForArticle", ctx, order.ID, line.ArticleID).Return(int64(0), nil)
	m.orders.On("AllocatedForArticle", ctx, order.ID, line.ArticleID).Return(int64(0), nil)

	var captured *repositories.Approval
	m.orders.On("ApplyApproval", ctx, mock.AnythingOfType("*repositories.Approval")).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(*repositories.Approval)
		}).
		Return(nil)
	m.preorders.On("OpenDemandsForArticle", ctx, line.ArticleID).Return([]matcher.Demand{}, nil)

	result, err := svc.ApproveDelivery(ctx, &ApproveDeliveryInput{
		OrderID:    order.ID,
		NoteNumber: "DN-42",
		Receipts: []ReceiptInput{
			{
				OrderLineID: line.ID,
				Quantity:    60,
				Allocations: []allocator.Proposal{
					{DestinationType: models.DestinationWarehouse, DestinationID: warehouseID, Quantity: 40},
					{DestinationType: models.DestinationPointOfSale, DestinationID: posID, Quantity: 20},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderPartiallyReceived, result.OrderStatus)

	require.NotNil(t, captured)
	require.Equal(t, order.ID, captured.OrderID)
	require.Equal(t, int64(3), captured.ExpectedVersion)
	require.Equal(t, "DN-42", captured.Note.Number)
	require.Len(t, captured.Receipts, 1)
	require.Equal(t, int64(60), captured.Receipts[0].QuantityReceived)
	require.Len(t, captured.Allocations, 2)
	require.Len(t, captured.Movements, 2)

	var total int64
	for _, movement := range captured.Movements {
		require.NotNil(t, movement.CausedByAllocationID)
		total += movement.Delta
	}
	require.Equal(t, int64(60), total)

	m.orders.AssertExpectations(t)
}

func TestApproveDelivery_RejectsOverReceipt(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderPartiallyReceived)
	line := order.Lines[0]
	warehouseID := uuid.New()

	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)
	m.orders.On("ReceivedForLine", ctx, line.ID).Return(int64(60), nil)

	_, err := svc.ApproveDelivery(ctx, &ApproveDeliveryInput{
		OrderID:    order.ID,
		NoteNumber: "DN-43",
		Receipts: []ReceiptInput{
			{
				OrderLineID: line.ID,
				Quantity:    50,
				Allocations: []allocator.Proposal{
					{DestinationType: models.DestinationWarehouse, DestinationID: warehouseID, Quantity: 50},
				},
			},
		},
	})
	require.Error(t, err)

	var overflow *ledger.QuantityOverflowError
	require.ErrorAs(t, err, &overflow)
	require.Equal(t, int64(100), overflow.Ordered)
	require.Equal(t, int64(60), overflow.Fulfilled)
	require.Equal(t, int64(50), overflow.Incoming)

	m.orders.AssertNotCalled(t, "ApplyApproval", mock.Anything, mock.Anything)
}

func TestApproveDelivery_RejectsRepeatedLineOverReceipt(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderInProgress)
	line := order.Lines[0]
	warehouseID := uuid.New()

	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)
	m.orders.On("ReceivedForLine", ctx, line.ID).Return(int64(0), nil)
	m.orders.On("ReceivedForArticle", ctx, order.ID, line.ArticleID).Return(int64(0), nil)
	m.orders.On("AllocatedForArticle", ctx, order.ID, line.ArticleID).Return(int64(0), nil)

	// Two receipts for the same line pass individually but their sum
	// exceeds the ordered quantity
	_, err := svc.ApproveDelivery(ctx, &ApproveDeliveryInput{
		OrderID:     order.ID,
		NoteNumber:  "DN-47",
		Destination: &DestinationRef{Type: models.DestinationWarehouse, ID: warehouseID},
		Receipts: []ReceiptInput{
			{OrderLineID: line.ID, Quantity: 60},
			{OrderLineID: line.ID, Quantity: 60},
		},
	})
	require.Error(t, err)

	var overflow *ledger.QuantityOverflowError
	require.ErrorAs(t, err, &overflow)
	require.Equal(t, int64(100), overflow.Ordered)
	require.Equal(t, int64(60), overflow.Fulfilled)
	require.Equal(t, int64(60), overflow.Incoming)

	m.orders.AssertNotCalled(t, "ApplyApproval", mock.Anything, mock.Anything)
}

func TestApproveDelivery_CompletesOrderAcrossApprovals(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	orderID := uuid.New()
	order := &models.PurchaseOrder{
		ID:        orderID,
		Reference: "PO-1002",
		Status:    models.OrderPartiallyReceived,
		Version:   4,
		Lines: []models.OrderLine{
			{ID: uuid.New(), PurchaseOrderID: orderID, ArticleID: uuid.New(), QuantityOrdered: 50, UnitPrice: decimal.RequireFromString("8.00")},
			{ID: uuid.New(), PurchaseOrderID: orderID, ArticleID: uuid.New(), QuantityOrdered: 30, UnitPrice: decimal.RequireFromString("12.00")},
		},
	}
	filled, open := order.Lines[0], order.Lines[1]
	warehouseID := uuid.New()

	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)
	// An earlier approval already received the first line in full
	m.orders.On("ReceivedForLine", ctx, filled.ID).Return(int64(50), nil)
	m.orders.On("ReceivedForLine", ctx, open.ID).Return(int64(0), nil)
	m.orders.On("ReceivedForArticle", ctx, order.ID, open.ArticleID).Return(int64(0), nil)
	m.orders.On("AllocatedForArticle", ctx, order.ID, open.ArticleID).Return(int64(0), nil)

	var captured *repositories.Approval
	m.orders.On("ApplyApproval", ctx, mock.AnythingOfType("*repositories.Approval")).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(*repositories.Approval)
		}).
		Return(nil)
	m.preorders.On("OpenDemandsForArticle", ctx, open.ArticleID).Return([]matcher.Demand{}, nil)

	result, err := svc.ApproveDelivery(ctx, &ApproveDeliveryInput{
		OrderID:     order.ID,
		NoteNumber:  "DN-48",
		Destination: &DestinationRef{Type: models.DestinationWarehouse, ID: warehouseID},
		Receipts: []ReceiptInput{
			{OrderLineID: open.ID, Quantity: 30},
		},
	})
	require.NoError(t, err)

	// The untouched first line counts its earlier receipt, so this
	// approval completes the order
	require.Equal(t, models.OrderReceived, result.OrderStatus)
	require.NotNil(t, captured)
	require.Equal(t, models.OrderReceived, captured.NextStatus)

	m.orders.AssertExpectations(t)
}

func TestApproveDelivery_RejectsAllocationMismatch(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderInProgress)
	line := order.Lines[0]

	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)
	m.orders.On("ReceivedForLine", ctx, line.ID).Return(int64(0), nil)
	m.orders.On("ReceivedForArticle", ctx, order.ID, line.ArticleID).Return(int64(0), nil)
	m.orders.On("AllocatedForArticle", ctx, order.ID, line.ArticleID).Return(int64(0), nil)

	_, err := svc.ApproveDelivery(ctx, &ApproveDeliveryInput{
		OrderID:    order.ID,
		NoteNumber: "DN-44",
		Receipts: []ReceiptInput{
			{
				OrderLineID: line.ID,
				Quantity:    60,
				Allocations: []allocator.Proposal{
					{DestinationType: models.DestinationWarehouse, DestinationID: uuid.New(), Quantity: 40},
				},
			},
		},
	})

	var mismatch *allocator.MismatchError
	require.ErrorAs(t, err, &mismatch)
	m.orders.AssertNotCalled(t, "ApplyApproval", mock.Anything, mock.Anything)
}

func TestApproveDelivery_RejectsInvoicedOrder(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderInvoiced)
	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)

	_, err := svc.ApproveDelivery(ctx, &ApproveDeliveryInput{
		OrderID:    order.ID,
		NoteNumber: "DN-45",
		Receipts: []ReceiptInput{
			{
				OrderLineID: order.Lines[0].ID,
				Quantity:    10,
				Allocations: []allocator.Proposal{
					{DestinationType: models.DestinationWarehouse, DestinationID: uuid.New(), Quantity: 10},
				},
			},
		},
	})

	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestApproveDelivery_FullReceiptCompletesOrder(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderPartiallyReceived)
	line := order.Lines[0]
	warehouseID := uuid.New()

	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)
	m.orders.On("ReceivedForLine", ctx, line.ID).Return(int64(60), nil)
	m.orders.On("ReceivedForArticle", ctx, order.ID, line.ArticleID).Return(int64(60), nil)
	m.orders.On("AllocatedForArticle", ctx, order.ID, line.ArticleID).Return(int64(60), nil)
	m.orders.On("ApplyApproval", ctx, mock.AnythingOfType("*repositories.Approval")).Return(nil)
	m.preorders.On("OpenDemandsForArticle", ctx, line.ArticleID).Return([]matcher.Demand{}, nil)

	result, err := svc.ApproveDelivery(ctx, &ApproveDeliveryInput{
		OrderID:    order.ID,
		NoteNumber: "DN-46",
		Receipts: []ReceiptInput{
			{
				OrderLineID: line.ID,
				Quantity:    40,
				Allocations: []allocator.Proposal{
					{DestinationType: models.DestinationWarehouse, DestinationID: warehouseID, Quantity: 40},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderReceived, result.OrderStatus)
}

func TestGenerateInvoice_PricesFromOrderLines(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderReceived)
	line := order.Lines[0]

	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)
	m.orders.On("ReceivedForLine", ctx, line.ID).Return(int64(100), nil)

	var captured *models.Invoice
	m.orders.On("MarkInvoiced", ctx, order.ID, int64(3), mock.AnythingOfType("*models.Invoice")).
		Run(func(args mock.Arguments) {
			captured = args.Get(3).(*models.Invoice)
		}).
		Return(nil)
	m.reconciler.On("ReconcileInvoice", ctx, mock.Anything).
		Return(status.PaymentUnpaid, status.DeliveryComplete, nil)

	invoice, err := svc.GenerateInvoice(ctx, order.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.InvoicePurchase, invoice.Type)
	require.True(t, decimal.RequireFromString("1050.00").Equal(invoice.TotalAmount))
	require.Len(t, invoice.Lines, 1)
	require.Equal(t, int64(100), invoice.Lines[0].QuantityOrdered)
	require.True(t, line.UnitPrice.Equal(invoice.Lines[0].UnitPrice))

	require.NotNil(t, captured)
	require.Equal(t, invoice.ID, captured.ID)
}

func TestGenerateInvoice_PartialRequiresFlag(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderPartiallyReceived)
	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)

	_, err := svc.GenerateInvoice(ctx, order.ID, false)

	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	m.orders.AssertNotCalled(t, "MarkInvoiced", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGenerateInvoice_PartialWithFlagBillsReceivedOnly(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderPartiallyReceived)
	line := order.Lines[0]

	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)
	m.orders.On("ReceivedForLine", ctx, line.ID).Return(int64(60), nil)
	m.orders.On("MarkInvoiced", ctx, order.ID, int64(3), mock.AnythingOfType("*models.Invoice")).Return(nil)
	m.reconciler.On("ReconcileInvoice", ctx, mock.Anything).
		Return(status.PaymentUnpaid, status.DeliveryComplete, nil)

	invoice, err := svc.GenerateInvoice(ctx, order.ID, true)
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("630.00").Equal(invoice.TotalAmount))
	require.Equal(t, int64(60), invoice.Lines[0].QuantityOrdered)
	require.Equal(t, int64(60), invoice.Lines[0].QuantityDelivered)
}

func TestRecordPayment_InstallmentsAdvanceStatus(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	invoiceID := uuid.New()
	invoice := &models.Invoice{ID: invoiceID, TotalAmount: decimal.RequireFromString("1000.00")}

	m.invoices.On("GetByID", ctx, invoiceID).Return(invoice, nil)
	m.invoices.On("AppendPayment", ctx, mock.AnythingOfType("*models.PaymentRecord")).Return(nil)
	m.reconciler.On("ReconcileInvoice", ctx, invoiceID).
		Return(status.PaymentPartial, status.DeliveryPending, nil)
	m.invoices.On("SumPayments", ctx, invoiceID).Return(decimal.RequireFromString("400.00"), nil)

	result, err := svc.RecordPayment(ctx, &PaymentInput{
		InvoiceID: invoiceID,
		Amount:    decimal.RequireFromString("400.00"),
		Method:    "bank_transfer",
	})
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.Equal(t, status.PaymentPartial, result.PaymentStatus)
	require.True(t, decimal.RequireFromString("400.00").Equal(result.TotalPaid))
}

func TestRecordPayment_ReplaySucceedsWithoutDoubleCount(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	invoiceID := uuid.New()
	paymentID := uuid.New()
	invoice := &models.Invoice{ID: invoiceID, TotalAmount: decimal.RequireFromString("1000.00")}

	m.invoices.On("GetByID", ctx, invoiceID).Return(invoice, nil)
	m.invoices.On("AppendPayment", ctx, mock.AnythingOfType("*models.PaymentRecord")).
		Return(repositories.ErrDuplicatePayment)
	m.reconciler.On("ReconcileInvoice", ctx, invoiceID).
		Return(status.PaymentPaid, status.DeliveryComplete, nil)
	m.invoices.On("SumPayments", ctx, invoiceID).Return(decimal.RequireFromString("1000.00"), nil)

	result, err := svc.RecordPayment(ctx, &PaymentInput{
		InvoiceID: invoiceID,
		PaymentID: paymentID,
		Amount:    decimal.RequireFromString("600.00"),
		Method:    "bank_transfer",
	})
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Equal(t, paymentID, result.PaymentID)
	require.True(t, decimal.RequireFromString("1000.00").Equal(result.TotalPaid))
}

func TestRecordPayment_RejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RecordPayment(context.Background(), &PaymentInput{
		InvoiceID: uuid.New(),
		Amount:    decimal.Zero,
		Method:    "cash",
	})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestRegisterStockArrival_ReplayIsAcknowledged(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	m.stock.On("ApplyArrival", ctx, mock.AnythingOfType("*models.StockMovement")).Return(false, nil)

	result, err := svc.RegisterStockArrival(ctx, &StockArrivalInput{
		ArticleID:       uuid.New(),
		DestinationType: models.DestinationWarehouse,
		DestinationID:   uuid.New(),
		Quantity:        25,
		ExternalRef:     "grn-778",
	})
	require.NoError(t, err)
	require.False(t, result.Applied)

	m.preorders.AssertNotCalled(t, "OpenDemandsForArticle", mock.Anything, mock.Anything)
}

func TestRegisterStockArrival_MatchesOldestPreorderFirst(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	articleID := uuid.New()
	warehouseID := uuid.New()

	older := &models.Preorder{
		ID:        uuid.New(),
		CreatedAt: time.Now().Add(-48 * time.Hour),
		Status:    models.PreorderConfirmed,
		Version:   1,
		Lines: []models.PreorderLine{
			{ID: uuid.New(), ArticleID: articleID, QuantityRequested: 50},
		},
	}
	newer := &models.Preorder{
		ID:        uuid.New(),
		CreatedAt: time.Now().Add(-1 * time.Hour),
		Status:    models.PreorderConfirmed,
		Version:   1,
		Lines: []models.PreorderLine{
			{ID: uuid.New(), ArticleID: articleID, QuantityRequested: 10},
		},
	}
	demands := []matcher.Demand{
		{PreorderID: older.ID, PreorderCreatedAt: older.CreatedAt, LineID: older.Lines[0].ID, ArticleID: articleID, Requested: 50},
		{PreorderID: newer.ID, PreorderCreatedAt: newer.CreatedAt, LineID: newer.Lines[0].ID, ArticleID: articleID, Requested: 10},
	}

	m.stock.On("ApplyArrival", ctx, mock.AnythingOfType("*models.StockMovement")).Return(true, nil)
	m.preorders.On("OpenDemandsForArticle", ctx, articleID).Return(demands, nil)
	m.stock.On("Level", ctx, articleID, models.DestinationWarehouse, warehouseID).Return(int64(30), nil)
	m.stock.On("ReservedAt", ctx, articleID, models.DestinationWarehouse, warehouseID).Return(int64(0), nil)
	m.preorders.On("GetByID", ctx, older.ID).Return(older, nil)

	var captured *repositories.MatchApplication
	created := []models.AvailabilityNotification{
		{ID: uuid.New(), PreorderID: older.ID, ArticleID: articleID, QuantityAvailable: 30},
	}
	m.preorders.On("ApplyMatch", ctx, mock.AnythingOfType("*repositories.MatchApplication")).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(*repositories.MatchApplication)
		}).
		Return(created, nil)
	m.notifier.On("SendMessage", ctx, mock.Anything).Return(nil)

	result, err := svc.RegisterStockArrival(ctx, &StockArrivalInput{
		ArticleID:       articleID,
		DestinationType: models.DestinationWarehouse,
		DestinationID:   warehouseID,
		Quantity:        30,
		ExternalRef:     "grn-779",
	})
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Len(t, result.Notifications, 1)

	// All 30 units go to the older preorder; the newer one waits
	require.NotNil(t, captured)
	require.Len(t, captured.Reservations, 1)
	require.Equal(t, older.Lines[0].ID, captured.Reservations[0].PreorderLineID)
	require.Equal(t, int64(30), captured.Reservations[0].Quantity)

	// 30 of 50 covered, so the preorder moves to preparing
	require.Len(t, captured.StatusUpdates, 1)
	require.Equal(t, models.PreorderPreparing, captured.StatusUpdates[0].NextStatus)

	m.notifier.AssertNumberOfCalls(t, "SendMessage", 1)
}

func TestRegisterStockArrival_RejectsNonPositiveQuantity(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RegisterStockArrival(context.Background(), &StockArrivalInput{
		ArticleID:       uuid.New(),
		DestinationType: models.DestinationWarehouse,
		DestinationID:   uuid.New(),
		Quantity:        0,
	})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestRematchOpenPreorders_SweepsArticlesWithDemand(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	articleID := uuid.New()
	warehouseID := uuid.New()
	preorder := &models.Preorder{
		ID:        uuid.New(),
		CreatedAt: time.Now().Add(-24 * time.Hour),
		Status:    models.PreorderConfirmed,
		Version:   1,
		Lines: []models.PreorderLine{
			{ID: uuid.New(), ArticleID: articleID, QuantityRequested: 15},
		},
	}
	demands := []matcher.Demand{
		{PreorderID: preorder.ID, PreorderCreatedAt: preorder.CreatedAt, LineID: preorder.Lines[0].ID, ArticleID: articleID, Requested: 15},
	}
	movement := models.StockMovement{
		ID:              uuid.New(),
		ArticleID:       articleID,
		DestinationType: models.DestinationWarehouse,
		DestinationID:   warehouseID,
		Delta:           15,
	}

	m.preorders.On("ArticlesWithOpenDemand", ctx).Return([]uuid.UUID{articleID}, nil)
	m.stock.On("LatestPositiveMovements", ctx, articleID).Return([]models.StockMovement{movement}, nil)
	m.preorders.On("OpenDemandsForArticle", ctx, articleID).Return(demands, nil)
	m.stock.On("Level", ctx, articleID, models.DestinationWarehouse, warehouseID).Return(int64(15), nil)
	m.stock.On("ReservedAt", ctx, articleID, models.DestinationWarehouse, warehouseID).Return(int64(0), nil)
	m.preorders.On("GetByID", ctx, preorder.ID).Return(preorder, nil)

	created := []models.AvailabilityNotification{
		{ID: uuid.New(), PreorderID: preorder.ID, ArticleID: articleID, QuantityAvailable: 15},
	}
	m.preorders.On("ApplyMatch", ctx, mock.AnythingOfType("*repositories.MatchApplication")).Return(created, nil)
	m.notifier.On("SendMessage", ctx, mock.Anything).Return(nil)

	err := svc.RematchOpenPreorders(ctx)
	require.NoError(t, err)

	m.preorders.AssertCalled(t, "ApplyMatch", ctx, mock.AnythingOfType("*repositories.MatchApplication"))
	m.notifier.AssertNumberOfCalls(t, "SendMessage", 1)
}

func TestRematchOpenPreorders_ContinuesPastFailingArticle(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	brokenID := uuid.New()
	quietID := uuid.New()

	m.preorders.On("ArticlesWithOpenDemand", ctx).Return([]uuid.UUID{brokenID, quietID}, nil)
	m.stock.On("LatestPositiveMovements", ctx, brokenID).Return(nil, errors.New("connection reset"))
	m.stock.On("LatestPositiveMovements", ctx, quietID).Return([]models.StockMovement{}, nil)

	err := svc.RematchOpenPreorders(ctx)
	require.NoError(t, err)

	m.stock.AssertCalled(t, "LatestPositiveMovements", ctx, quietID)
}

func TestDeliverPreorder_ConsumesReservationsAndMovesStockOut(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	articleID := uuid.New()
	warehouseID := uuid.New()
	preorder := &models.Preorder{
		ID:      uuid.New(),
		Status:  models.PreorderReady,
		Version: 2,
		Lines: []models.PreorderLine{
			{ID: uuid.New(), ArticleID: articleID, QuantityRequested: 20},
		},
	}
	reservations := []models.StockReservation{
		{
			ID:              uuid.New(),
			PreorderLineID:  preorder.Lines[0].ID,
			ArticleID:       articleID,
			DestinationType: models.DestinationWarehouse,
			DestinationID:   warehouseID,
			Quantity:        20,
		},
	}

	m.preorders.On("GetByID", ctx, preorder.ID).Return(preorder, nil)
	m.preorders.On("ActiveReservations", ctx, preorder.ID).Return(reservations, nil)

	var captured *repositories.PreorderDelivery
	m.preorders.On("ApplyDelivery", ctx, mock.AnythingOfType("*repositories.PreorderDelivery")).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(*repositories.PreorderDelivery)
		}).
		Return(nil)

	result, err := svc.DeliverPreorder(ctx, preorder.ID)
	require.NoError(t, err)
	require.Equal(t, models.PreorderDelivered, result.PreorderStatus)

	require.NotNil(t, captured)
	require.Equal(t, []uuid.UUID{reservations[0].ID}, captured.ReservationIDs)
	require.Equal(t, int64(20), captured.LineDeltas[preorder.Lines[0].ID])
	require.Len(t, captured.Movements, 1)
	require.Equal(t, int64(-20), captured.Movements[0].Delta)
	require.NotNil(t, captured.Movements[0].ExternalRef)
}

func TestDeliverPreorder_PartialReservationLeavesPreorderOpen(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	articleID := uuid.New()
	preorder := &models.Preorder{
		ID:      uuid.New(),
		Status:  models.PreorderPreparing,
		Version: 2,
		Lines: []models.PreorderLine{
			{ID: uuid.New(), ArticleID: articleID, QuantityRequested: 50},
		},
	}
	reservations := []models.StockReservation{
		{
			ID:              uuid.New(),
			PreorderLineID:  preorder.Lines[0].ID,
			ArticleID:       articleID,
			DestinationType: models.DestinationWarehouse,
			DestinationID:   uuid.New(),
			Quantity:        30,
		},
	}

	m.preorders.On("GetByID", ctx, preorder.ID).Return(preorder, nil)
	m.preorders.On("ActiveReservations", ctx, preorder.ID).Return(reservations, nil)
	m.preorders.On("ApplyDelivery", ctx, mock.AnythingOfType("*repositories.PreorderDelivery")).Return(nil)

	result, err := svc.DeliverPreorder(ctx, preorder.ID)
	require.NoError(t, err)
	require.Equal(t, models.PreorderPartiallyDelivered, result.PreorderStatus)
}

func TestDeliverPreorder_NoReservations(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	preorder := &models.Preorder{ID: uuid.New(), Status: models.PreorderConfirmed}
	m.preorders.On("GetByID", ctx, preorder.ID).Return(preorder, nil)
	m.preorders.On("ActiveReservations", ctx, preorder.ID).Return([]models.StockReservation{}, nil)

	_, err := svc.DeliverPreorder(ctx, preorder.ID)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestConvertPreorderToSale_RecordsDeposit(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	preorder := &models.Preorder{
		ID:          uuid.New(),
		Status:      models.PreorderDelivered,
		Version:     4,
		DepositPaid: decimal.RequireFromString("200.00"),
		Lines: []models.PreorderLine{
			{
				ID:                uuid.New(),
				ArticleID:         uuid.New(),
				QuantityRequested: 10,
				QuantityDelivered: 10,
				UnitPrice:         decimal.RequireFromString("45.00"),
			},
		},
	}

	m.preorders.On("GetByID", ctx, preorder.ID).Return(preorder, nil)
	m.preorders.On("ConvertToSale", ctx, mock.AnythingOfType("repositories.PreorderStatusUpdate"), mock.AnythingOfType("*models.Invoice")).
		Return(nil)

	var deposit *models.PaymentRecord
	m.invoices.On("AppendPayment", ctx, mock.AnythingOfType("*models.PaymentRecord")).
		Run(func(args mock.Arguments) {
			deposit = args.Get(1).(*models.PaymentRecord)
		}).
		Return(nil)
	m.reconciler.On("ReconcileInvoice", ctx, mock.Anything).
		Return(status.PaymentPartial, status.DeliveryComplete, nil)

	invoice, err := svc.ConvertPreorderToSale(ctx, preorder.ID)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceSale, invoice.Type)
	require.True(t, decimal.RequireFromString("450.00").Equal(invoice.TotalAmount))

	require.NotNil(t, deposit)
	require.Equal(t, "deposit", deposit.Method)
	require.True(t, preorder.DepositPaid.Equal(deposit.Amount))
}

func TestConvertPreorderToSale_RejectsOpenPreorder(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	preorder := &models.Preorder{ID: uuid.New(), Status: models.PreorderConfirmed}
	m.preorders.On("GetByID", ctx, preorder.ID).Return(preorder, nil)

	_, err := svc.ConvertPreorderToSale(ctx, preorder.ID)

	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	m.preorders.AssertNotCalled(t, "ConvertToSale", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileInvoiceStatuses_SweepsRecentInvoices(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	m.invoices.On("RecentIDs", ctx, 200).Return(ids, nil)
	for _, id := range ids {
		m.reconciler.On("ReconcileInvoice", ctx, id).
			Return(status.PaymentPaid, status.DeliveryComplete, nil)
	}

	err := svc.ReconcileInvoiceStatuses(ctx, 200)
	require.NoError(t, err)
	m.reconciler.AssertNumberOfCalls(t, "ReconcileInvoice", 3)
}

func TestGetOrderProgress_ComputesRemaining(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	order := testOrder(100, "10.50", models.OrderPartiallyReceived)
	line := order.Lines[0]

	m.orders.On("GetByID", ctx, order.ID).Return(order, nil)
	m.orders.On("ReceivedForLine", ctx, line.ID).Return(int64(60), nil)

	progress, err := svc.GetOrderProgress(ctx, order.ID)
	require.NoError(t, err)
	require.False(t, progress.Complete)
	require.Len(t, progress.Lines, 1)
	require.Equal(t, int64(60), progress.Lines[0].Received)
	require.Equal(t, int64(40), progress.Lines[0].Remaining)
}
