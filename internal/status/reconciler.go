package status

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// InvoiceSnapshot is the child data needed to derive invoice status
type InvoiceSnapshot struct {
	ID                   uuid.UUID
	TotalAmount          decimal.Decimal
	CachedPaymentStatus  string
	CachedDeliveryStatus string
	Payments             []decimal.Decimal
	Lines                []LineProgress
}

// InvoiceStore is the persistence the reconciler needs: a snapshot of
// an invoice's children and a write of the cached status fields
type InvoiceStore interface {
	Snapshot(ctx context.Context, invoiceID uuid.UUID) (*InvoiceSnapshot, error)
	WriteCachedStatuses(ctx context.Context, invoiceID uuid.UUID, payment PaymentStatus, delivery DeliveryStatus) error
}

// Reconciler recomputes invoice status from children and refreshes the
// cached fields when they disagree. It is the only writer of the
// caches; writes are idempotent at the data level.
type Reconciler struct {
	store InvoiceStore
}

// NewReconciler creates a new status reconciler
func NewReconciler(store InvoiceStore) *Reconciler {
	return &Reconciler{store: store}
}

// ReconcileInvoice derives the authoritative statuses and overwrites
// the cache if it drifted. A discrepancy is never an error; it is
// corrected and logged for audit.
func (r *Reconciler) ReconcileInvoice(ctx context.Context, invoiceID uuid.UUID) (PaymentStatus, DeliveryStatus, error) {
	snapshot, err := r.store.Snapshot(ctx, invoiceID)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to load invoice snapshot")
	}

	payment := DerivePayment(snapshot.TotalAmount, snapshot.Payments)
	delivery := DeriveDelivery(snapshot.Lines)

	if string(payment) == snapshot.CachedPaymentStatus && string(delivery) == snapshot.CachedDeliveryStatus {
		return payment, delivery, nil
	}

	log.Info().
		Str("invoice_id", invoiceID.String()).
		Str("cached_payment_status", snapshot.CachedPaymentStatus).
		Str("derived_payment_status", string(payment)).
		Str("cached_delivery_status", snapshot.CachedDeliveryStatus).
		Str("derived_delivery_status", string(delivery)).
		Msg("Cached invoice status drifted from derived value, correcting")

	if err := r.store.WriteCachedStatuses(ctx, invoiceID, payment, delivery); err != nil {
		return "", "", errors.Wrap(err, "failed to write corrected invoice statuses")
	}

	return payment, delivery, nil
}
