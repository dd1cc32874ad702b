package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DestinationType identifies the kind of stock destination
type DestinationType string

// Stock destination types
const (
	DestinationWarehouse   DestinationType = "warehouse"
	DestinationPointOfSale DestinationType = "point_of_sale"
)

// IsValid checks if the destination type is known
func (d DestinationType) IsValid() bool {
	return d == DestinationWarehouse || d == DestinationPointOfSale
}

// PurchaseOrderStatus represents the lifecycle state of a purchase order
type PurchaseOrderStatus string

// Purchase order statuses
const (
	OrderInProgress        PurchaseOrderStatus = "in_progress"
	OrderDeliveryCreated   PurchaseOrderStatus = "delivery_created"
	OrderPartiallyReceived PurchaseOrderStatus = "partially_received"
	OrderReceived          PurchaseOrderStatus = "received"
	OrderInvoiced          PurchaseOrderStatus = "invoiced"
)

// CanTransitionTo checks whether the order status may move to the target status
func (s PurchaseOrderStatus) CanTransitionTo(target PurchaseOrderStatus) bool {
	switch s {
	case OrderInProgress:
		return target == OrderDeliveryCreated
	case OrderDeliveryCreated:
		return target == OrderPartiallyReceived || target == OrderReceived
	case OrderPartiallyReceived:
		return target == OrderDeliveryCreated || target == OrderReceived || target == OrderInvoiced
	case OrderReceived:
		return target == OrderInvoiced
	case OrderInvoiced:
		return false
	}
	return false
}

// PreorderStatus represents the lifecycle state of a customer preorder
type PreorderStatus string

// Preorder statuses
const (
	PreorderConfirmed          PreorderStatus = "confirmed"
	PreorderPreparing          PreorderStatus = "preparing"
	PreorderReady              PreorderStatus = "ready"
	PreorderPartiallyDelivered PreorderStatus = "partially_delivered"
	PreorderDelivered          PreorderStatus = "delivered"
	PreorderCancelled          PreorderStatus = "cancelled"
	PreorderConvertedToSale    PreorderStatus = "converted_to_sale"
)

// CanTransitionTo checks whether the preorder status may move to the target status
func (s PreorderStatus) CanTransitionTo(target PreorderStatus) bool {
	switch s {
	case PreorderConfirmed:
		return target == PreorderPreparing || target == PreorderReady || target == PreorderCancelled
	case PreorderPreparing:
		return target == PreorderReady || target == PreorderPartiallyDelivered || target == PreorderCancelled
	case PreorderReady:
		return target == PreorderPartiallyDelivered || target == PreorderDelivered ||
			target == PreorderConvertedToSale || target == PreorderCancelled
	case PreorderPartiallyDelivered:
		return target == PreorderPartiallyDelivered || target == PreorderDelivered ||
			target == PreorderConvertedToSale
	case PreorderDelivered:
		return target == PreorderConvertedToSale
	case PreorderCancelled, PreorderConvertedToSale:
		return false
	}
	return false
}

// IsTerminal reports whether no further matching or delivery may touch the preorder
func (s PreorderStatus) IsTerminal() bool {
	return s == PreorderCancelled || s == PreorderConvertedToSale
}

// InvoiceType distinguishes supplier purchase invoices from customer sale invoices
type InvoiceType string

// Invoice types
const (
	InvoicePurchase InvoiceType = "purchase"
	InvoiceSale     InvoiceType = "sale"
)

// Article represents a sellable product
type Article struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt  `gorm:"index" json:"-"`
	SKU       string          `gorm:"column:sku;not null;uniqueIndex" json:"sku"`
	Name      string          `gorm:"not null" json:"name"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"unit_price"`
}

// StockLocation is a warehouse or point of sale that can hold stock
type StockLocation struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt  `gorm:"index" json:"-"`
	Type      DestinationType `gorm:"not null" json:"type"`
	Name      string          `gorm:"not null" json:"name"`
}

// StockLevel is the per-article, per-destination on-hand quantity.
// Mutated exclusively through stock movement application.
type StockLevel struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	ArticleID       uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_stock_level_article_destination,priority:1" json:"article_id"`
	DestinationType DestinationType `gorm:"not null;uniqueIndex:idx_stock_level_article_destination,priority:2" json:"destination_type"`
	DestinationID   uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_stock_level_article_destination,priority:3" json:"destination_id"`
	Quantity        int64           `gorm:"not null;default:0" json:"quantity"`
}

// PurchaseOrder represents a supplier order
type PurchaseOrder struct {
	ID           uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt      `gorm:"index" json:"-"`
	Reference    string              `gorm:"not null;uniqueIndex" json:"reference"`
	SupplierName string              `gorm:"not null" json:"supplier_name"`
	Status       PurchaseOrderStatus `gorm:"not null;default:'in_progress'" json:"status"`
	Version      int64               `gorm:"not null;default:0" json:"version"`
	Lines        []OrderLine         `gorm:"foreignKey:PurchaseOrderID" json:"lines"`
}

// OrderLine is a single article line on a purchase order.
// Immutable once the order is approved.
type OrderLine struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	PurchaseOrderID uuid.UUID       `gorm:"type:uuid;not null;index" json:"purchase_order_id"`
	ArticleID       uuid.UUID       `gorm:"type:uuid;not null;index" json:"article_id"`
	QuantityOrdered int64           `gorm:"not null" json:"quantity_ordered"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"unit_price"`
	ReceiptLines    []ReceiptLine   `gorm:"foreignKey:OrderLineID" json:"-"`
}

// DeliveryNote records a physical receipt of goods against a purchase order
type DeliveryNote struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
	PurchaseOrderID uuid.UUID     `gorm:"type:uuid;not null;index" json:"purchase_order_id"`
	Number          string        `gorm:"not null;uniqueIndex" json:"number"`
	ReceivedAt      time.Time     `gorm:"not null" json:"received_at"`
	Lines           []ReceiptLine `gorm:"foreignKey:DeliveryNoteID" json:"lines"`
}

// ReceiptLine records one partial receipt of an order line.
// Never edited after creation; corrections create a new receipt line.
type ReceiptLine struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
	DeliveryNoteID   uuid.UUID    `gorm:"type:uuid;not null;index" json:"delivery_note_id"`
	OrderLineID      uuid.UUID    `gorm:"type:uuid;not null;index" json:"order_line_id"`
	ArticleID        uuid.UUID    `gorm:"type:uuid;not null;index" json:"article_id"`
	QuantityReceived int64        `gorm:"not null" json:"quantity_received"`
	Allocations      []Allocation `gorm:"foreignKey:ReceiptLineID" json:"allocations"`
}

// Allocation assigns part of a received quantity to a stock destination
type Allocation struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	ReceiptLineID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"receipt_line_id"`
	ArticleID       uuid.UUID       `gorm:"type:uuid;not null;index" json:"article_id"`
	DestinationType DestinationType `gorm:"not null" json:"destination_type"`
	DestinationID   uuid.UUID       `gorm:"type:uuid;not null" json:"destination_id"`
	Quantity        int64           `gorm:"not null" json:"quantity"`
}

// StockMovement is the append-only audit trail of stock changes.
// The unique index on CausedByAllocationID prevents double-application
// of an allocation on retry; arrival movements carry a unique external
// reference instead.
type StockMovement struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	ArticleID            uuid.UUID       `gorm:"type:uuid;not null;index" json:"article_id"`
	DestinationType      DestinationType `gorm:"not null" json:"destination_type"`
	DestinationID        uuid.UUID       `gorm:"type:uuid;not null;index" json:"destination_id"`
	Delta                int64           `gorm:"not null" json:"delta"`
	CausedByAllocationID *uuid.UUID      `gorm:"type:uuid;uniqueIndex" json:"caused_by_allocation_id"`
	ExternalRef          *string         `gorm:"uniqueIndex" json:"external_ref"`
	AppliedAt            time.Time       `gorm:"not null" json:"applied_at"`
}

// Invoice represents a purchase or sale invoice. The cached status
// fields are read caches; the authoritative values are derived from
// payment records and line delivered quantities.
type Invoice struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt  `gorm:"index" json:"-"`
	Type                 InvoiceType     `gorm:"not null" json:"type"`
	Number               string          `gorm:"not null;uniqueIndex" json:"number"`
	PurchaseOrderID      *uuid.UUID      `gorm:"type:uuid;index" json:"purchase_order_id"`
	PreorderID           *uuid.UUID      `gorm:"type:uuid;index" json:"preorder_id"`
	TotalAmount          decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"total_amount"`
	CachedPaymentStatus  string          `gorm:"not null;default:'unpaid'" json:"cached_payment_status"`
	CachedDeliveryStatus string          `gorm:"not null;default:'pending'" json:"cached_delivery_status"`
	Lines                []InvoiceLine   `gorm:"foreignKey:InvoiceID" json:"lines"`
	Payments             []PaymentRecord `gorm:"foreignKey:InvoiceID" json:"-"`
}

// InvoiceLine is a single article line on an invoice
type InvoiceLine struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	InvoiceID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"invoice_id"`
	ArticleID         uuid.UUID       `gorm:"type:uuid;not null" json:"article_id"`
	QuantityOrdered   int64           `gorm:"not null" json:"quantity_ordered"`
	QuantityDelivered int64           `gorm:"not null;default:0" json:"quantity_delivered"`
	UnitPrice         decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"unit_price"`
}

// PaymentRecord is a single installment payment against an invoice.
// Append-only; never mutated or deleted in normal flow.
type PaymentRecord struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	InvoiceID  uuid.UUID       `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Amount     decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	Method     string          `gorm:"not null" json:"method"`
	RecordedAt time.Time       `gorm:"not null" json:"recorded_at"`
}

// Preorder is a customer order placed against insufficient stock,
// fulfilled incrementally as stock arrives
type Preorder struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt  `gorm:"index" json:"-"`
	CustomerName string          `gorm:"not null" json:"customer_name"`
	DepositPaid  decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"deposit_paid"`
	Status       PreorderStatus  `gorm:"not null;default:'confirmed'" json:"status"`
	Version      int64           `gorm:"not null;default:0" json:"version"`
	Lines        []PreorderLine  `gorm:"foreignKey:PreorderID" json:"lines"`
}

// PreorderLine is a single article line on a preorder
type PreorderLine struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	PreorderID        uuid.UUID       `gorm:"type:uuid;not null;index" json:"preorder_id"`
	ArticleID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"article_id"`
	QuantityRequested int64           `gorm:"not null" json:"quantity_requested"`
	QuantityDelivered int64           `gorm:"not null;default:0" json:"quantity_delivered"`
	UnitPrice         decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"unit_price"`
}

// StockReservation claims arrived stock for a preorder line so a
// concurrent match cannot allocate the same units twice
type StockReservation struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	PreorderLineID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"preorder_line_id"`
	ArticleID        uuid.UUID       `gorm:"type:uuid;not null;index" json:"article_id"`
	DestinationType  DestinationType `gorm:"not null" json:"destination_type"`
	DestinationID    uuid.UUID       `gorm:"type:uuid;not null" json:"destination_id"`
	Quantity         int64           `gorm:"not null" json:"quantity"`
	SourceMovementID uuid.UUID       `gorm:"type:uuid;not null;index" json:"source_movement_id"`
	Consumed         bool            `gorm:"not null;default:false" json:"consumed"`
}

// AvailabilityNotification informs a customer that stock arrived for
// a preorder. The unique index makes notification emission idempotent
// per source movement.
type AvailabilityNotification struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	PreorderID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_notification_dedup,priority:1" json:"preorder_id"`
	ArticleID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_notification_dedup,priority:2" json:"article_id"`
	SourceMovementID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_notification_dedup,priority:3" json:"source_movement_id"`
	QuantityAvailable int64     `gorm:"not null" json:"quantity_available"`
	Acknowledged      bool      `gorm:"not null;default:false" json:"acknowledged"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Article{},
		&StockLocation{},
		&StockLevel{},
		&PurchaseOrder{},
		&OrderLine{},
		&DeliveryNote{},
		&ReceiptLine{},
		&Allocation{},
		&StockMovement{},
		&Invoice{},
		&InvoiceLine{},
		&PaymentRecord{},
		&Preorder{},
		&PreorderLine{},
		&StockReservation{},
		&AvailabilityNotification{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
