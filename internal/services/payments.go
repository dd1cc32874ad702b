package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"example.com/backoffice/services/fulfillment/internal/cache"
	"example.com/backoffice/services/fulfillment/internal/ledger"
	"example.com/backoffice/services/fulfillment/internal/metrics"
	"example.com/backoffice/services/fulfillment/internal/models"
	"example.com/backoffice/services/fulfillment/internal/repositories"
	"example.com/backoffice/services/fulfillment/internal/status"
)

const readModelTTL = 5 * time.Minute

// PaymentInput is an installment payment against an invoice. PaymentID
// is the caller's idempotency key; when empty a new one is generated
// and the request is not replay-safe.
type PaymentInput struct {
	InvoiceID  uuid.UUID       `json:"invoice_id"`
	PaymentID  uuid.UUID       `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// PaymentResult reports the derived invoice status after a payment
type PaymentResult struct {
	PaymentID      uuid.UUID             `json:"payment_id"`
	Duplicate      bool                  `json:"duplicate"`
	PaymentStatus  status.PaymentStatus  `json:"payment_status"`
	DeliveryStatus status.DeliveryStatus `json:"delivery_status"`
	TotalPaid      decimal.Decimal       `json:"total_paid"`
}

// RecordPayment appends an installment payment to an invoice and
// refreshes the derived payment status. A replay of an already
// recorded payment id succeeds without changing the total.
func (s *FulfillmentService) RecordPayment(ctx context.Context, input *PaymentInput) (*PaymentResult, error) {
	txn := s.tracer.StartTransaction("record-payment")
	defer s.tracer.EndTransaction(txn)

	if input.InvoiceID == uuid.Nil {
		return nil, &ValidationError{Reason: "invoice id is required"}
	}
	if !input.Amount.IsPositive() {
		return nil, &ValidationError{Reason: "payment amount must be positive"}
	}
	if input.Method == "" {
		return nil, &ValidationError{Reason: "payment method is required"}
	}

	if _, err := s.invoiceRepo.GetByID(ctx, input.InvoiceID); err != nil {
		return nil, errors.Wrap(err, "failed to load invoice")
	}

	paymentID := input.PaymentID
	if paymentID == uuid.Nil {
		paymentID = uuid.New()
	}
	recordedAt := input.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	payment := &models.PaymentRecord{
		ID:         paymentID,
		InvoiceID:  input.InvoiceID,
		Amount:     input.Amount,
		Method:     input.Method,
		RecordedAt: recordedAt,
	}

	duplicate := false
	err := s.invoiceRepo.AppendPayment(ctx, payment)
	switch {
	case errors.Is(err, repositories.ErrDuplicatePayment):
		duplicate = true
		log.Info().
			Str("invoice_id", input.InvoiceID.String()).
			Str("payment_id", paymentID.String()).
			Msg("Payment already recorded, acknowledging replay")
	case err != nil:
		s.tracer.RecordError(txn, err)
		s.metrics.RecordError(metrics.OpRecordPayment)
		return nil, errors.Wrap(err, "failed to record payment")
	default:
		log.Info().
			Str("invoice_id", input.InvoiceID.String()).
			Str("payment_id", paymentID.String()).
			Str("amount", input.Amount.String()).
			Str("method", input.Method).
			Msg("Payment recorded")
		s.metrics.RecordSuccess(metrics.OpRecordPayment)
	}

	paymentStatus, deliveryStatus, err := s.reconciler.ReconcileInvoice(ctx, input.InvoiceID)
	if err != nil {
		// The payment row is durable; report it and let the sweep
		// bring the cached status up.
		log.Warn().Err(err).
			Str("invoice_id", input.InvoiceID.String()).
			Msg("Failed to refresh invoice status after payment")
	}
	s.invalidateInvoiceCache(ctx, input.InvoiceID)

	total, err := s.invoiceRepo.SumPayments(ctx, input.InvoiceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sum payments")
	}

	return &PaymentResult{
		PaymentID:      paymentID,
		Duplicate:      duplicate,
		PaymentStatus:  paymentStatus,
		DeliveryStatus: deliveryStatus,
		TotalPaid:      total,
	}, nil
}

// ReconcileInvoiceStatuses sweeps recently touched invoices and
// corrects any cached status that drifted from its derived value. Runs
// on a schedule as the safety net behind event-driven reconciliation.
func (s *FulfillmentService) ReconcileInvoiceStatuses(ctx context.Context, limit int) error {
	ids, err := s.invoiceRepo.RecentIDs(ctx, limit)
	if err != nil {
		return errors.Wrap(err, "failed to list invoices for reconciliation")
	}

	var failed int
	for _, id := range ids {
		if _, _, err := s.reconciler.ReconcileInvoice(ctx, id); err != nil {
			failed++
			log.Error().Err(err).
				Str("invoice_id", id.String()).
				Msg("Invoice status reconciliation failed")
		}
	}

	log.Info().
		Int("checked", len(ids)).
		Int("failed", failed).
		Msg("Invoice status sweep finished")
	if failed > 0 {
		s.metrics.RecordError(metrics.OpReconcileStatus)
	} else {
		s.metrics.RecordSuccess(metrics.OpReconcileStatus)
	}
	return nil
}

// LineProgress is the fulfillment progress of one order line
type LineProgress struct {
	OrderLineID uuid.UUID `json:"order_line_id"`
	ArticleID   uuid.UUID `json:"article_id"`
	Ordered     int64     `json:"ordered"`
	Received    int64     `json:"received"`
	Remaining   int64     `json:"remaining"`
}

// OrderProgress is the read model of a purchase order's fulfillment
type OrderProgress struct {
	OrderID  uuid.UUID                  `json:"order_id"`
	Status   models.PurchaseOrderStatus `json:"status"`
	Lines    []LineProgress             `json:"lines"`
	Complete bool                       `json:"complete"`
}

// GetOrderProgress returns per-line received and remaining quantities
// for a purchase order, served from cache when fresh
func (s *FulfillmentService) GetOrderProgress(ctx context.Context, orderID uuid.UUID) (*OrderProgress, error) {
	if s.cache != nil {
		var cached OrderProgress
		if err := s.cache.Get(ctx, cache.OrderProgressCacheKey(orderID), &cached); err == nil {
			return &cached, nil
		}
	}

	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load purchase order")
	}

	progress := &OrderProgress{
		OrderID:  order.ID,
		Status:   order.Status,
		Complete: true,
	}
	for _, line := range order.Lines {
		received, err := s.orderRepo.ReceivedForLine(ctx, line.ID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load received quantity")
		}
		remaining := ledger.Remaining(line.QuantityOrdered, received)
		if remaining > 0 {
			progress.Complete = false
		}
		progress.Lines = append(progress.Lines, LineProgress{
			OrderLineID: line.ID,
			ArticleID:   line.ArticleID,
			Ordered:     line.QuantityOrdered,
			Received:    received,
			Remaining:   remaining,
		})
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.OrderProgressCacheKey(orderID), progress, readModelTTL); err != nil {
			log.Debug().Err(err).Str("order_id", orderID.String()).Msg("Failed to cache order progress")
		}
	}
	return progress, nil
}

// InvoiceStatus is the read model of an invoice's derived state
type InvoiceStatus struct {
	InvoiceID      uuid.UUID       `json:"invoice_id"`
	Number         string          `json:"number"`
	Type           models.InvoiceType `json:"type"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	PaymentStatus  string          `json:"payment_status"`
	DeliveryStatus string          `json:"delivery_status"`
}

// GetInvoiceStatus returns the invoice with its cached derived
// statuses and payment total, served from cache when fresh
func (s *FulfillmentService) GetInvoiceStatus(ctx context.Context, invoiceID uuid.UUID) (*InvoiceStatus, error) {
	if s.cache != nil {
		var cached InvoiceStatus
		if err := s.cache.Get(ctx, cache.InvoiceStatusCacheKey(invoiceID), &cached); err == nil {
			return &cached, nil
		}
	}

	invoice, err := s.invoiceRepo.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load invoice")
	}
	total, err := s.invoiceRepo.SumPayments(ctx, invoiceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sum payments")
	}

	result := &InvoiceStatus{
		InvoiceID:      invoice.ID,
		Number:         invoice.Number,
		Type:           invoice.Type,
		TotalAmount:    invoice.TotalAmount,
		TotalPaid:      total,
		PaymentStatus:  invoice.CachedPaymentStatus,
		DeliveryStatus: invoice.CachedDeliveryStatus,
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.InvoiceStatusCacheKey(invoiceID), result, readModelTTL); err != nil {
			log.Debug().Err(err).Str("invoice_id", invoiceID.String()).Msg("Failed to cache invoice status")
		}
	}
	return result, nil
}

// GetPreorderNotifications lists the availability notifications of a
// preorder
func (s *FulfillmentService) GetPreorderNotifications(ctx context.Context, preorderID uuid.UUID) ([]models.AvailabilityNotification, error) {
	notifications, err := s.preorderRepo.Notifications(ctx, preorderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	return notifications, nil
}

// AcknowledgeNotification marks an availability notification as seen
// by the customer-facing channel
func (s *FulfillmentService) AcknowledgeNotification(ctx context.Context, notificationID uuid.UUID) error {
	if err := s.preorderRepo.AcknowledgeNotification(ctx, notificationID); err != nil {
		return errors.Wrap(err, "failed to acknowledge notification")
	}
	return nil
}
