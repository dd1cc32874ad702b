package handlers

import (
	"net/http"
	"time"

	"example.com/backoffice/services/fulfillment/internal/allocator"
	"example.com/backoffice/services/fulfillment/internal/ledger"
	"example.com/backoffice/services/fulfillment/internal/models"
	"example.com/backoffice/services/fulfillment/internal/repositories"
	"example.com/backoffice/services/fulfillment/internal/services"
	"example.com/backoffice/services/fulfillment/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// FulfillmentHandler handles fulfillment HTTP requests
type FulfillmentHandler struct {
	service *services.FulfillmentService
	tracer  tracing.Tracer
}

// NewFulfillmentHandler creates a new fulfillment handler
func NewFulfillmentHandler(service *services.FulfillmentService, tracer tracing.Tracer) *FulfillmentHandler {
	return &FulfillmentHandler{
		service: service,
		tracer:  tracer,
	}
}

// HandleCreateOrder registers a new purchase order
func (h *FulfillmentHandler) HandleCreateOrder(c *gin.Context) {
	var input services.CreateOrderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.service.CreateOrder(c.Request.Context(), &input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// HandleCreatePreorder registers a new customer preorder
func (h *FulfillmentHandler) HandleCreatePreorder(c *gin.Context) {
	var input services.CreatePreorderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	preorder, err := h.service.CreatePreorder(c.Request.Context(), &input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, preorder)
}

type destinationRequest struct {
	Type string    `json:"type" binding:"required"`
	ID   uuid.UUID `json:"id" binding:"required"`
}

type allocationRequest struct {
	DestinationType string    `json:"destination_type" binding:"required"`
	DestinationID   uuid.UUID `json:"destination_id" binding:"required"`
	Quantity        int64     `json:"quantity" binding:"required"`
}

type receiptRequest struct {
	OrderLineID uuid.UUID           `json:"order_line_id" binding:"required"`
	Quantity    int64               `json:"quantity"`
	Allocations []allocationRequest `json:"allocations"`
}

type approveDeliveryRequest struct {
	NoteNumber  string              `json:"note_number" binding:"required"`
	ReceivedAt  time.Time           `json:"received_at"`
	Destination *destinationRequest `json:"destination"`
	Receipts    []receiptRequest    `json:"receipts" binding:"required"`
}

// HandleApproveDelivery records a receipt of goods against a purchase order
func (h *FulfillmentHandler) HandleApproveDelivery(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	var req approveDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := &services.ApproveDeliveryInput{
		OrderID:    orderID,
		NoteNumber: req.NoteNumber,
		ReceivedAt: req.ReceivedAt,
	}
	if req.Destination != nil {
		input.Destination = &services.DestinationRef{
			Type: models.DestinationType(req.Destination.Type),
			ID:   req.Destination.ID,
		}
	}
	for _, receipt := range req.Receipts {
		in := services.ReceiptInput{
			OrderLineID: receipt.OrderLineID,
			Quantity:    receipt.Quantity,
		}
		for _, alloc := range receipt.Allocations {
			in.Allocations = append(in.Allocations, allocator.Proposal{
				DestinationType: models.DestinationType(alloc.DestinationType),
				DestinationID:   alloc.DestinationID,
				Quantity:        alloc.Quantity,
			})
		}
		input.Receipts = append(input.Receipts, in)
	}

	result, err := h.service.ApproveDelivery(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

type generateInvoiceRequest struct {
	AllowPartial bool `json:"allow_partial"`
}

// HandleGenerateInvoice creates the purchase invoice for an order
func (h *FulfillmentHandler) HandleGenerateInvoice(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	// Body is optional; an empty body means a full-receipt invoice
	var req generateInvoiceRequest
	_ = c.ShouldBindJSON(&req)

	invoice, err := h.service.GenerateInvoice(c.Request.Context(), orderID, req.AllowPartial)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, invoice)
}

// HandleGetOrderProgress returns per-line fulfillment progress
func (h *FulfillmentHandler) HandleGetOrderProgress(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	progress, err := h.service.GetOrderProgress(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, progress)
}

type paymentRequest struct {
	PaymentID  uuid.UUID       `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount" binding:"required"`
	Method     string          `json:"method" binding:"required"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// HandleRecordPayment appends an installment payment to an invoice
func (h *FulfillmentHandler) HandleRecordPayment(c *gin.Context) {
	invoiceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.RecordPayment(c.Request.Context(), &services.PaymentInput{
		InvoiceID:  invoiceID,
		PaymentID:  req.PaymentID,
		Amount:     req.Amount,
		Method:     req.Method,
		RecordedAt: req.RecordedAt,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	statusCode := http.StatusCreated
	if result.Duplicate {
		statusCode = http.StatusOK
	}
	c.JSON(statusCode, result)
}

// HandleGetInvoiceStatus returns the derived invoice status
func (h *FulfillmentHandler) HandleGetInvoiceStatus(c *gin.Context) {
	invoiceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	status, err := h.service.GetInvoiceStatus(c.Request.Context(), invoiceID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// HandleRegisterArrival records an external stock arrival
func (h *FulfillmentHandler) HandleRegisterArrival(c *gin.Context) {
	var input services.StockArrivalInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.RegisterStockArrival(c.Request.Context(), &input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	statusCode := http.StatusCreated
	if !result.Applied {
		statusCode = http.StatusOK
	}
	c.JSON(statusCode, result)
}

// HandleDeliverPreorder hands reserved stock over to the customer
func (h *FulfillmentHandler) HandleDeliverPreorder(c *gin.Context) {
	preorderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid preorder id"})
		return
	}

	result, err := h.service.DeliverPreorder(c.Request.Context(), preorderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleConvertPreorder closes a preorder into a sale invoice
func (h *FulfillmentHandler) HandleConvertPreorder(c *gin.Context) {
	preorderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid preorder id"})
		return
	}

	invoice, err := h.service.ConvertPreorderToSale(c.Request.Context(), preorderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, invoice)
}

// HandleListNotifications lists availability notifications of a preorder
func (h *FulfillmentHandler) HandleListNotifications(c *gin.Context) {
	preorderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid preorder id"})
		return
	}

	notifications, err := h.service.GetPreorderNotifications(c.Request.Context(), preorderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

// HandleAcknowledgeNotification marks a notification as seen
func (h *FulfillmentHandler) HandleAcknowledgeNotification(c *gin.Context) {
	notificationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}

	if err := h.service.AcknowledgeNotification(c.Request.Context(), notificationID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

// respondError maps domain errors onto HTTP status codes
func (h *FulfillmentHandler) respondError(c *gin.Context, err error) {
	var validationErr *services.ValidationError
	var stateErr *services.StateError
	var overflowErr *ledger.QuantityOverflowError
	var mismatchErr *allocator.MismatchError
	var overAllocErr *allocator.OverAllocationError

	switch {
	case errors.Is(err, repositories.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, repositories.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent modification, retry the request"})
	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, gin.H{"error": stateErr.Error()})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.As(err, &overflowErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": overflowErr.Error()})
	case errors.As(err, &mismatchErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": mismatchErr.Error()})
	case errors.As(err, &overAllocErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": overAllocErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// RegisterRoutes registers the handler's routes
func (h *FulfillmentHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	{
		v1.POST("/orders", h.HandleCreateOrder)
		v1.POST("/orders/:id/delivery-approvals", h.HandleApproveDelivery)
		v1.POST("/orders/:id/invoice", h.HandleGenerateInvoice)
		v1.GET("/orders/:id/progress", h.HandleGetOrderProgress)

		v1.POST("/invoices/:id/payments", h.HandleRecordPayment)
		v1.GET("/invoices/:id/status", h.HandleGetInvoiceStatus)

		v1.POST("/stock/arrivals", h.HandleRegisterArrival)

		v1.POST("/preorders", h.HandleCreatePreorder)
		v1.POST("/preorders/:id/delivery", h.HandleDeliverPreorder)
		v1.POST("/preorders/:id/convert", h.HandleConvertPreorder)
		v1.GET("/preorders/:id/notifications", h.HandleListNotifications)

		v1.POST("/notifications/:id/ack", h.HandleAcknowledgeNotification)
	}
}
