package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"example.com/backoffice/services/fulfillment/internal/allocator"
	"example.com/backoffice/services/fulfillment/internal/cache"
	"example.com/backoffice/services/fulfillment/internal/ledger"
	"example.com/backoffice/services/fulfillment/internal/matcher"
	"example.com/backoffice/services/fulfillment/internal/metrics"
	"example.com/backoffice/services/fulfillment/internal/models"
	"example.com/backoffice/services/fulfillment/internal/repositories"
	"example.com/backoffice/services/fulfillment/internal/status"
	"example.com/backoffice/services/fulfillment/internal/tracing"
)

// orderStore is the purchase order persistence the service needs
type orderStore interface {
	Create(ctx context.Context, order *models.PurchaseOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PurchaseOrder, error)
	ReceivedForLine(ctx context.Context, orderLineID uuid.UUID) (int64, error)
	ReceivedForArticle(ctx context.Context, orderID, articleID uuid.UUID) (int64, error)
	AllocatedForArticle(ctx context.Context, orderID, articleID uuid.UUID) (int64, error)
	ApplyApproval(ctx context.Context, approval *repositories.Approval) error
	MarkInvoiced(ctx context.Context, orderID uuid.UUID, expectedVersion int64, invoice *models.Invoice) error
}

// stockStore is the stock persistence the service needs
type stockStore interface {
	ApplyArrival(ctx context.Context, movement *models.StockMovement) (bool, error)
	Level(ctx context.Context, articleID uuid.UUID, destinationType models.DestinationType, destinationID uuid.UUID) (int64, error)
	ReservedAt(ctx context.Context, articleID uuid.UUID, destinationType models.DestinationType, destinationID uuid.UUID) (int64, error)
	LatestPositiveMovements(ctx context.Context, articleID uuid.UUID) ([]models.StockMovement, error)
}

// invoiceStore is the invoice persistence the service needs
type invoiceStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	AppendPayment(ctx context.Context, payment *models.PaymentRecord) error
	SumPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
	RecentIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// preorderStore is the preorder persistence the service needs
type preorderStore interface {
	Create(ctx context.Context, preorder *models.Preorder) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Preorder, error)
	OpenDemandsForArticle(ctx context.Context, articleID uuid.UUID) ([]matcher.Demand, error)
	ArticlesWithOpenDemand(ctx context.Context) ([]uuid.UUID, error)
	ApplyMatch(ctx context.Context, application *repositories.MatchApplication) ([]models.AvailabilityNotification, error)
	ApplyDelivery(ctx context.Context, delivery *repositories.PreorderDelivery) error
	ActiveReservations(ctx context.Context, preorderID uuid.UUID) ([]models.StockReservation, error)
	ConvertToSale(ctx context.Context, update repositories.PreorderStatusUpdate, invoice *models.Invoice) error
	Notifications(ctx context.Context, preorderID uuid.UUID) ([]models.AvailabilityNotification, error)
	AcknowledgeNotification(ctx context.Context, id uuid.UUID) error
}

// statusReconciler refreshes derived invoice statuses
type statusReconciler interface {
	ReconcileInvoice(ctx context.Context, invoiceID uuid.UUID) (status.PaymentStatus, status.DeliveryStatus, error)
}

// NotificationSink delivers availability notifications to an external
// channel, fire-and-forget
type NotificationSink interface {
	SendMessage(ctx context.Context, body interface{}) error
}

// MovementIndexer writes the stock movement audit trail to the search
// index
type MovementIndexer interface {
	IndexMovement(ctx context.Context, movement *models.StockMovement) error
}

// FulfillmentService coordinates the order-fulfillment workflows:
// delivery approval, invoice generation, payments and preorder
// matching
type FulfillmentService struct {
	orderRepo    orderStore
	stockRepo    stockStore
	invoiceRepo  invoiceStore
	preorderRepo preorderStore
	reconciler   statusReconciler
	cache        *cache.RedisCache
	audit        MovementIndexer
	notifier     NotificationSink
	metrics      *metrics.Metrics
	tracer       tracing.Tracer
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	redisCache *cache.RedisCache,
	audit MovementIndexer,
	notifier NotificationSink,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *FulfillmentService {
	invoiceRepo := repositories.NewInvoiceRepository(db, readOnlyDB)

	return &FulfillmentService{
		orderRepo:    repositories.NewOrderRepository(db, readOnlyDB),
		stockRepo:    repositories.NewStockRepository(db, readOnlyDB),
		invoiceRepo:  invoiceRepo,
		preorderRepo: repositories.NewPreorderRepository(db, readOnlyDB),
		reconciler:   status.NewReconciler(invoiceRepo),
		cache:        redisCache,
		audit:        audit,
		notifier:     notifier,
		metrics:      metricsCollector,
		tracer:       tracer,
	}
}

// DestinationRef identifies one stock destination
type DestinationRef struct {
	Type models.DestinationType
	ID   uuid.UUID
}

// ReceiptInput is one received order line with its proposed allocation
type ReceiptInput struct {
	OrderLineID uuid.UUID
	Quantity    int64
	Allocations []allocator.Proposal
}

// ApproveDeliveryInput is a delivery approval request. When
// Destination is set, receipts without explicit allocations send their
// full quantity there (single-destination mode).
type ApproveDeliveryInput struct {
	OrderID     uuid.UUID
	NoteNumber  string
	ReceivedAt  time.Time
	Receipts    []ReceiptInput
	Destination *DestinationRef
}

// DeliveryResult reports what a delivery approval produced
type DeliveryResult struct {
	DeliveryNoteID uuid.UUID                  `json:"delivery_note_id"`
	OrderStatus    models.PurchaseOrderStatus `json:"order_status"`
	Movements      []models.StockMovement     `json:"movements"`
}

// ApproveDelivery records a physical receipt of goods against a
// purchase order: it creates the delivery note, validates the
// allocation of every receipt line across destinations, applies the
// stock movements and advances the order, all as one transaction.
// Failure at any step leaves the order in its prior state.
func (s *FulfillmentService) ApproveDelivery(ctx context.Context, input *ApproveDeliveryInput) (*DeliveryResult, error) {
	txn := s.tracer.StartTransaction("approve-delivery")
	defer s.tracer.EndTransaction(txn)
	started := time.Now()

	if err := validateApprovalInput(input); err != nil {
		return nil, err
	}

	span := s.tracer.StartSpan("load-order", txn)
	order, err := s.orderRepo.GetByID(ctx, input.OrderID)
	span.End()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load purchase order")
	}

	if !order.Status.CanTransitionTo(models.OrderDeliveryCreated) {
		return nil, &StateError{Entity: "purchase order", Current: string(order.Status), Operation: "delivery approval"}
	}

	linesByID := make(map[uuid.UUID]*models.OrderLine, len(order.Lines))
	for i := range order.Lines {
		linesByID[order.Lines[i].ID] = &order.Lines[i]
	}

	approval, err := s.buildApproval(ctx, order, input, linesByID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		s.metrics.RecordError(metrics.OpApproveDelivery)
		return nil, err
	}

	span = s.tracer.StartSpan("apply-approval", txn)
	err = s.orderRepo.ApplyApproval(ctx, approval)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		s.metrics.RecordError(metrics.OpApproveDelivery)
		return nil, errors.Wrap(err, "failed to apply delivery approval")
	}

	log.Info().
		Str("order_id", order.ID.String()).
		Str("delivery_note", approval.Note.Number).
		Int("receipt_lines", len(approval.Receipts)).
		Int("allocations", len(approval.Allocations)).
		Str("order_status", string(approval.NextStatus)).
		Msg("Delivery approved")

	s.metrics.RecordSuccess(metrics.OpApproveDelivery)
	s.metrics.RecordTimer(metrics.OpApproveDelivery, time.Since(started).Milliseconds())
	s.invalidateOrderCache(ctx, order.ID)

	// Arrived stock may satisfy waiting preorders. Matching failures
	// are isolated per article and never undo the approval.
	for i := range approval.Movements {
		s.indexMovement(ctx, &approval.Movements[i])
		if _, err := s.matchMovement(ctx, &approval.Movements[i]); err != nil {
			log.Error().Err(err).
				Str("movement_id", approval.Movements[i].ID.String()).
				Str("article_id", approval.Movements[i].ArticleID.String()).
				Msg("Preorder matching failed for movement")
		}
	}

	return &DeliveryResult{
		DeliveryNoteID: approval.Note.ID,
		OrderStatus:    approval.NextStatus,
		Movements:      approval.Movements,
	}, nil
}

func validateApprovalInput(input *ApproveDeliveryInput) error {
	if input.OrderID == uuid.Nil {
		return &ValidationError{Reason: "order id is required"}
	}
	if input.NoteNumber == "" {
		return &ValidationError{Reason: "delivery note number is required"}
	}
	if len(input.Receipts) == 0 {
		return &ValidationError{Reason: "approval requires at least one receipt line"}
	}

	positive := false
	for _, receipt := range input.Receipts {
		if receipt.Quantity < 0 {
			return &ValidationError{Reason: fmt.Sprintf("negative receipt quantity %d", receipt.Quantity)}
		}
		if receipt.Quantity > 0 {
			positive = true
		}
		if len(receipt.Allocations) == 0 && input.Destination == nil {
			return &ValidationError{Reason: "receipt line has no destination"}
		}
	}
	if !positive {
		return &ValidationError{Reason: "approval requires at least one positive receipt quantity"}
	}

	return nil
}

// buildApproval validates quantities and allocations and assembles the
// write bundle. Pure decision: nothing is persisted here.
func (s *FulfillmentService) buildApproval(
	ctx context.Context,
	order *models.PurchaseOrder,
	input *ApproveDeliveryInput,
	linesByID map[uuid.UUID]*models.OrderLine,
) (*repositories.Approval, error) {
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	note := &models.DeliveryNote{
		ID:              uuid.New(),
		PurchaseOrderID: order.ID,
		Number:          input.NoteNumber,
		ReceivedAt:      receivedAt,
	}

	approval := &repositories.Approval{
		OrderID:         order.ID,
		ExpectedVersion: order.Version,
		Note:            note,
	}

	// Running totals let several receipts of the same line or article
	// in one approval be checked against the combined received
	// quantity, not each receipt in isolation.
	incomingByArticle := make(map[uuid.UUID]int64)
	allocatedByArticle := make(map[uuid.UUID]int64)
	incomingByLine := make(map[uuid.UUID]int64)
	receivedByLine := make(map[uuid.UUID]int64)

	for _, receipt := range input.Receipts {
		if receipt.Quantity == 0 {
			continue
		}

		line, ok := linesByID[receipt.OrderLineID]
		if !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("order line %s does not belong to order %s", receipt.OrderLineID, order.ID)}
		}

		received, known := receivedByLine[line.ID]
		if !known {
			var err error
			received, err = s.orderRepo.ReceivedForLine(ctx, line.ID)
			if err != nil {
				return nil, errors.Wrap(err, "failed to load received quantity")
			}
			receivedByLine[line.ID] = received
		}

		if err := ledger.CheckReceipt(line.QuantityOrdered, received+incomingByLine[line.ID], receipt.Quantity); err != nil {
			return nil, err
		}

		proposals := receipt.Allocations
		if len(proposals) == 0 {
			proposals = allocator.SingleDestination(input.Destination.Type, input.Destination.ID, receipt.Quantity)
		}

		receiptLine := models.ReceiptLine{
			ID:               uuid.New(),
			DeliveryNoteID:   note.ID,
			OrderLineID:      line.ID,
			ArticleID:        line.ArticleID,
			QuantityReceived: receipt.Quantity,
		}

		totalReceived, err := s.orderRepo.ReceivedForArticle(ctx, order.ID, line.ArticleID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load received quantity for article")
		}
		alreadyAllocated, err := s.orderRepo.AllocatedForArticle(ctx, order.ID, line.ArticleID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load allocated quantity for article")
		}

		plan, err := allocator.Build(
			receiptLine.ID,
			line.ArticleID,
			receipt.Quantity,
			totalReceived+incomingByArticle[line.ArticleID]+receipt.Quantity,
			alreadyAllocated+allocatedByArticle[line.ArticleID],
			proposals,
		)
		if err != nil {
			return nil, err
		}

		incomingByLine[line.ID] += receipt.Quantity
		incomingByArticle[line.ArticleID] += receipt.Quantity
		allocatedByArticle[line.ArticleID] += receipt.Quantity

		approval.Receipts = append(approval.Receipts, receiptLine)
		approval.Allocations = append(approval.Allocations, plan.Allocations...)
		for _, delta := range plan.Deltas {
			allocationID := delta.AllocationID
			approval.Movements = append(approval.Movements, models.StockMovement{
				ID:                   uuid.New(),
				ArticleID:            delta.ArticleID,
				DestinationType:      delta.DestinationType,
				DestinationID:        delta.DestinationID,
				Delta:                delta.Delta,
				CausedByAllocationID: &allocationID,
				AppliedAt:            receivedAt,
			})
		}
	}

	// Lines this approval does not touch still count what earlier
	// approvals received; completion is judged over the whole order.
	for i := range order.Lines {
		line := &order.Lines[i]
		if _, known := receivedByLine[line.ID]; known {
			continue
		}
		received, err := s.orderRepo.ReceivedForLine(ctx, line.ID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load received quantity")
		}
		receivedByLine[line.ID] = received
	}

	approval.NextStatus = nextOrderStatus(order, receivedByLine, incomingByLine)
	return approval, nil
}

// nextOrderStatus decides whether the approval completes the order's
// receiving. receivedByLine must cover every order line.
func nextOrderStatus(order *models.PurchaseOrder, receivedByLine, incoming map[uuid.UUID]int64) models.PurchaseOrderStatus {
	for _, line := range order.Lines {
		if receivedByLine[line.ID]+incoming[line.ID] < line.QuantityOrdered {
			return models.OrderPartiallyReceived
		}
	}
	return models.OrderReceived
}

// GenerateInvoice creates the purchase invoice for an order from its
// already-approved receipts. Totals come from received quantities and
// the ordered unit prices; prices are never recomputed at invoice
// time. Invoicing a partially received order requires the explicit
// allowPartial flag.
func (s *FulfillmentService) GenerateInvoice(ctx context.Context, orderID uuid.UUID, allowPartial bool) (*models.Invoice, error) {
	txn := s.tracer.StartTransaction("generate-invoice")
	defer s.tracer.EndTransaction(txn)

	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load purchase order")
	}

	switch order.Status {
	case models.OrderReceived:
	case models.OrderPartiallyReceived:
		if !allowPartial {
			return nil, &StateError{
				Entity:    "purchase order",
				Current:   string(order.Status),
				Operation: "invoice generation without explicit partial-receipt approval",
			}
		}
	default:
		return nil, &StateError{Entity: "purchase order", Current: string(order.Status), Operation: "invoice generation"}
	}

	orderRef := order.ID
	invoice := &models.Invoice{
		ID:              uuid.New(),
		Type:            models.InvoicePurchase,
		Number:          fmt.Sprintf("PI-%s-%d", order.Reference, time.Now().Unix()),
		PurchaseOrderID: &orderRef,
		TotalAmount:     decimal.Zero,
	}

	for _, line := range order.Lines {
		received, err := s.orderRepo.ReceivedForLine(ctx, line.ID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load received quantity")
		}
		if received == 0 {
			continue
		}

		invoice.Lines = append(invoice.Lines, models.InvoiceLine{
			ID:                uuid.New(),
			InvoiceID:         invoice.ID,
			ArticleID:         line.ArticleID,
			QuantityOrdered:   received,
			QuantityDelivered: received,
			UnitPrice:         line.UnitPrice,
		})
		invoice.TotalAmount = invoice.TotalAmount.Add(line.UnitPrice.Mul(decimal.NewFromInt(received)))
	}

	if len(invoice.Lines) == 0 {
		return nil, &StateError{Entity: "purchase order", Current: string(order.Status), Operation: "invoice generation with no received quantity"}
	}

	if err := s.orderRepo.MarkInvoiced(ctx, order.ID, order.Version, invoice); err != nil {
		s.tracer.RecordError(txn, err)
		s.metrics.RecordError(metrics.OpGenerateInvoice)
		return nil, errors.Wrap(err, "failed to create purchase invoice")
	}

	log.Info().
		Str("order_id", order.ID.String()).
		Str("invoice_number", invoice.Number).
		Str("total_amount", invoice.TotalAmount.String()).
		Msg("Purchase invoice generated")

	s.metrics.RecordSuccess(metrics.OpGenerateInvoice)
	s.reconcileAfterMutation(ctx, invoice.ID)
	s.invalidateOrderCache(ctx, order.ID)

	return invoice, nil
}

// reconcileAfterMutation refreshes the cached status fields of an
// invoice after a mutating event. The cache is self-healing: a failed
// refresh is logged and left for the fallback sweep.
func (s *FulfillmentService) reconcileAfterMutation(ctx context.Context, invoiceID uuid.UUID) {
	if _, _, err := s.reconciler.ReconcileInvoice(ctx, invoiceID); err != nil {
		log.Warn().Err(err).
			Str("invoice_id", invoiceID.String()).
			Msg("Failed to refresh derived invoice status, sweep will retry")
	}
	s.invalidateInvoiceCache(ctx, invoiceID)
}

func (s *FulfillmentService) invalidateInvoiceCache(ctx context.Context, invoiceID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.InvoiceStatusCacheKey(invoiceID)); err != nil {
		log.Debug().Err(err).Str("invoice_id", invoiceID.String()).Msg("Failed to invalidate invoice cache")
	}
}

func (s *FulfillmentService) invalidateOrderCache(ctx context.Context, orderID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.OrderProgressCacheKey(orderID)); err != nil {
		log.Debug().Err(err).Str("order_id", orderID.String()).Msg("Failed to invalidate order cache")
	}
}

func (s *FulfillmentService) indexMovement(ctx context.Context, movement *models.StockMovement) {
	if s.audit == nil {
		return
	}
	if err := s.audit.IndexMovement(ctx, movement); err != nil {
		log.Warn().Err(err).
			Str("movement_id", movement.ID.String()).
			Msg("Failed to index stock movement")
	}
}
