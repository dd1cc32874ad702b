package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backoffice/services/fulfillment/internal/models"
	"example.com/backoffice/services/fulfillment/internal/status"
)

// InvoiceRepository provides access to invoices and their payment
// records. It also implements status.InvoiceStore so the status
// reconciler can refresh the cached status fields.
type InvoiceRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *gorm.DB, readOnlyDB *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets an invoice with its lines
func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	err := r.readOnlyDB.WithContext(ctx).Preload("Lines").First(&invoice, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get invoice")
	}
	return &invoice, nil
}

// AppendPayment appends a payment record. The payment id is the
// idempotency key: replaying the same payment returns
// ErrDuplicatePayment and writes nothing.
func (r *InvoiceRepository) AppendPayment(ctx context.Context, payment *models.PaymentRecord) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(payment)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to append payment record")
	}
	if result.RowsAffected == 0 {
		return ErrDuplicatePayment
	}
	return nil
}

// SumPayments totals the payment records of an invoice
func (r *InvoiceRepository) SumPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("invoice_id = ?", invoiceID).
		Select("COALESCE(SUM(amount), 0) AS total").
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to sum payment records")
	}
	return row.Total, nil
}

// Snapshot loads the child data needed to derive an invoice's status.
// Reads go through the write database: the reconciler runs right after
// a mutation and must not race a replication lag.
func (r *InvoiceRepository) Snapshot(ctx context.Context, invoiceID uuid.UUID) (*status.InvoiceSnapshot, error) {
	var invoice models.Invoice
	err := r.db.WithContext(ctx).Preload("Lines").Preload("Payments").First(&invoice, invoiceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load invoice for snapshot")
	}

	snapshot := &status.InvoiceSnapshot{
		ID:                   invoice.ID,
		TotalAmount:          invoice.TotalAmount,
		CachedPaymentStatus:  invoice.CachedPaymentStatus,
		CachedDeliveryStatus: invoice.CachedDeliveryStatus,
		Payments:             make([]decimal.Decimal, 0, len(invoice.Payments)),
		Lines:                make([]status.LineProgress, 0, len(invoice.Lines)),
	}
	for _, payment := range invoice.Payments {
		snapshot.Payments = append(snapshot.Payments, payment.Amount)
	}
	for _, line := range invoice.Lines {
		snapshot.Lines = append(snapshot.Lines, status.LineProgress{
			Ordered:   line.QuantityOrdered,
			Delivered: line.QuantityDelivered,
		})
	}

	return snapshot, nil
}

// WriteCachedStatuses overwrites the cached status fields. Writing the
// same value twice is a no-op at the data level.
func (r *InvoiceRepository) WriteCachedStatuses(ctx context.Context, invoiceID uuid.UUID, payment status.PaymentStatus, delivery status.DeliveryStatus) error {
	err := r.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("id = ?", invoiceID).
		Updates(map[string]interface{}{
			"cached_payment_status":  string(payment),
			"cached_delivery_status": string(delivery),
		}).Error
	return errors.Wrap(err, "failed to write cached invoice statuses")
}

// RecentIDs lists invoice ids for the fallback reconciliation sweep,
// most recently updated first
func (r *InvoiceRepository) RecentIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Invoice{}).
		Order("updated_at DESC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list invoice ids")
	}
	return ids, nil
}
