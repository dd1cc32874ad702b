package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"example.com/backoffice/services/fulfillment/internal/metrics"
	"example.com/backoffice/services/fulfillment/internal/models"
)

// OrderLineInput is one article line on a new purchase order
type OrderLineInput struct {
	ArticleID       uuid.UUID       `json:"article_id"`
	QuantityOrdered int64           `json:"quantity_ordered"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
}

// CreateOrderInput carries everything needed to register a purchase order
type CreateOrderInput struct {
	Reference    string           `json:"reference"`
	SupplierName string           `json:"supplier_name"`
	Lines        []OrderLineInput `json:"lines"`
}

// CreateOrder registers a new purchase order in the in_progress state
func (s *FulfillmentService) CreateOrder(ctx context.Context, input *CreateOrderInput) (*models.PurchaseOrder, error) {
	txn := s.tracer.StartTransaction("create-order")
	defer s.tracer.EndTransaction(txn)

	if input.Reference == "" {
		return nil, &ValidationError{Reason: "order reference is required"}
	}
	if input.SupplierName == "" {
		return nil, &ValidationError{Reason: "supplier name is required"}
	}
	if len(input.Lines) == 0 {
		return nil, &ValidationError{Reason: "an order needs at least one line"}
	}

	order := &models.PurchaseOrder{
		ID:           uuid.New(),
		Reference:    input.Reference,
		SupplierName: input.SupplierName,
		Status:       models.OrderInProgress,
	}
	for _, line := range input.Lines {
		if line.ArticleID == uuid.Nil {
			return nil, &ValidationError{Reason: "order line article id is required"}
		}
		if line.QuantityOrdered <= 0 {
			return nil, &ValidationError{Reason: "ordered quantity must be positive"}
		}
		if line.UnitPrice.IsNegative() {
			return nil, &ValidationError{Reason: "unit price must not be negative"}
		}
		order.Lines = append(order.Lines, models.OrderLine{
			ID:              uuid.New(),
			PurchaseOrderID: order.ID,
			ArticleID:       line.ArticleID,
			QuantityOrdered: line.QuantityOrdered,
			UnitPrice:       line.UnitPrice,
		})
	}

	if err := s.orderRepo.Create(ctx, order); err != nil {
		s.metrics.RecordError(metrics.OpCreateOrder)
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to create purchase order")
	}

	log.Info().
		Str("order_id", order.ID.String()).
		Str("reference", order.Reference).
		Int("lines", len(order.Lines)).
		Msg("Purchase order created")
	s.metrics.RecordSuccess(metrics.OpCreateOrder)

	return order, nil
}

// PreorderLineInput is one article line on a new preorder
type PreorderLineInput struct {
	ArticleID         uuid.UUID       `json:"article_id"`
	QuantityRequested int64           `json:"quantity_requested"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
}

// CreatePreorderInput carries everything needed to register a preorder
type CreatePreorderInput struct {
	CustomerName string              `json:"customer_name"`
	DepositPaid  decimal.Decimal     `json:"deposit_paid"`
	Lines        []PreorderLineInput `json:"lines"`
}

// CreatePreorder registers a customer preorder in the confirmed state.
// Its lines enter the matching pool immediately, so the next stock
// arrival or rematch sweep can start reserving units for it.
func (s *FulfillmentService) CreatePreorder(ctx context.Context, input *CreatePreorderInput) (*models.Preorder, error) {
	txn := s.tracer.StartTransaction("create-preorder")
	defer s.tracer.EndTransaction(txn)

	if input.CustomerName == "" {
		return nil, &ValidationError{Reason: "customer name is required"}
	}
	if input.DepositPaid.IsNegative() {
		return nil, &ValidationError{Reason: "deposit must not be negative"}
	}
	if len(input.Lines) == 0 {
		return nil, &ValidationError{Reason: "a preorder needs at least one line"}
	}

	preorder := &models.Preorder{
		ID:           uuid.New(),
		CustomerName: input.CustomerName,
		DepositPaid:  input.DepositPaid,
		Status:       models.PreorderConfirmed,
	}
	for _, line := range input.Lines {
		if line.ArticleID == uuid.Nil {
			return nil, &ValidationError{Reason: "preorder line article id is required"}
		}
		if line.QuantityRequested <= 0 {
			return nil, &ValidationError{Reason: "requested quantity must be positive"}
		}
		if line.UnitPrice.IsNegative() {
			return nil, &ValidationError{Reason: "unit price must not be negative"}
		}
		preorder.Lines = append(preorder.Lines, models.PreorderLine{
			ID:                uuid.New(),
			PreorderID:        preorder.ID,
			ArticleID:         line.ArticleID,
			QuantityRequested: line.QuantityRequested,
			UnitPrice:         line.UnitPrice,
		})
	}

	if err := s.preorderRepo.Create(ctx, preorder); err != nil {
		s.metrics.RecordError(metrics.OpCreatePreorder)
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to create preorder")
	}

	log.Info().
		Str("preorder_id", preorder.ID.String()).
		Str("customer", preorder.CustomerName).
		Int("lines", len(preorder.Lines)).
		Msg("Preorder created")
	s.metrics.RecordSuccess(metrics.OpCreatePreorder)

	return preorder, nil
}
