package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backoffice/services/fulfillment/internal/models"
)

// OrderRepository provides access to purchase orders and their
// receiving history
type OrderRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB, readOnlyDB *gorm.DB) *OrderRepository {
	return &OrderRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a purchase order with its lines
func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PurchaseOrder, error) {
	var order models.PurchaseOrder
	err := r.readOnlyDB.WithContext(ctx).Preload("Lines").First(&order, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get purchase order")
	}
	return &order, nil
}

// Create creates a purchase order with its lines
func (r *OrderRepository) Create(ctx context.Context, order *models.PurchaseOrder) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(order).Error, "failed to create purchase order")
}

// ReceivedForLine sums the received quantity across all receipt lines
// of an order line
func (r *OrderRepository) ReceivedForLine(ctx context.Context, orderLineID uuid.UUID) (int64, error) {
	var received int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.ReceiptLine{}).
		Where("order_line_id = ?", orderLineID).
		Select("COALESCE(SUM(quantity_received), 0)").
		Scan(&received).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to sum received quantity for order line")
	}
	return received, nil
}

// ReceivedForArticle sums the physically received quantity for an
// article across all receipt lines of an order
func (r *OrderRepository) ReceivedForArticle(ctx context.Context, orderID, articleID uuid.UUID) (int64, error) {
	var received int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.ReceiptLine{}).
		Joins("JOIN order_lines ON order_lines.id = receipt_lines.order_line_id").
		Where("order_lines.purchase_order_id = ? AND receipt_lines.article_id = ?", orderID, articleID).
		Select("COALESCE(SUM(receipt_lines.quantity_received), 0)").
		Scan(&received).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to sum received quantity for article")
	}
	return received, nil
}

// AllocatedForArticle sums the quantity already assigned to
// destinations for an article across all receipt lines of an order
func (r *OrderRepository) AllocatedForArticle(ctx context.Context, orderID, articleID uuid.UUID) (int64, error) {
	var allocated int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Allocation{}).
		Joins("JOIN receipt_lines ON receipt_lines.id = allocations.receipt_line_id").
		Joins("JOIN order_lines ON order_lines.id = receipt_lines.order_line_id").
		Where("order_lines.purchase_order_id = ? AND allocations.article_id = ?", orderID, articleID).
		Select("COALESCE(SUM(allocations.quantity), 0)").
		Scan(&allocated).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to sum allocated quantity for article")
	}
	return allocated, nil
}

// Approval bundles everything a delivery approval writes: the delivery
// note, its receipt lines, the allocation of each receipt to
// destinations, and the resulting stock movements
type Approval struct {
	OrderID         uuid.UUID
	ExpectedVersion int64
	NextStatus      models.PurchaseOrderStatus
	Note            *models.DeliveryNote
	Receipts        []models.ReceiptLine
	Allocations     []models.Allocation
	Movements       []models.StockMovement
}

// ApplyApproval applies a delivery approval as a single all-or-nothing
// transaction. The conditional version update on the order guards
// against two concurrent approvals allocating the same receipt; a
// replayed approval finds its movements already applied and leaves
// stock untouched.
func (r *OrderRepository) ApplyApproval(ctx context.Context, approval *Approval) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.PurchaseOrder{}).
			Where("id = ? AND version = ?", approval.OrderID, approval.ExpectedVersion).
			Updates(map[string]interface{}{
				"status":  approval.NextStatus,
				"version": approval.ExpectedVersion + 1,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to update order status")
		}
		if result.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}

		if err := tx.Create(approval.Note).Error; err != nil {
			return errors.Wrap(err, "failed to create delivery note")
		}
		if err := tx.Create(&approval.Receipts).Error; err != nil {
			return errors.Wrap(err, "failed to create receipt lines")
		}
		if err := tx.Create(&approval.Allocations).Error; err != nil {
			return errors.Wrap(err, "failed to create allocations")
		}

		for i := range approval.Movements {
			if _, err := applyMovementTx(tx, &approval.Movements[i]); err != nil {
				return err
			}
		}

		return nil
	})
}

// MarkInvoiced transitions an order to invoiced and creates the
// purchase invoice in the same transaction
func (r *OrderRepository) MarkInvoiced(ctx context.Context, orderID uuid.UUID, expectedVersion int64, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.PurchaseOrder{}).
			Where("id = ? AND version = ?", orderID, expectedVersion).
			Updates(map[string]interface{}{
				"status":  models.OrderInvoiced,
				"version": expectedVersion + 1,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to update order status")
		}
		if result.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}

		if err := tx.Create(invoice).Error; err != nil {
			return errors.Wrap(err, "failed to create purchase invoice")
		}

		return nil
	})
}
