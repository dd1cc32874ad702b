package metrics

// Operation names used for counters, timers and error rates across the
// fulfillment workflows
const (
	OpCreateOrder         = "create_order"
	OpCreatePreorder      = "create_preorder"
	OpApproveDelivery     = "approve_delivery"
	OpGenerateInvoice     = "generate_invoice"
	OpRecordPayment       = "record_payment"
	OpRegisterArrival     = "register_stock_arrival"
	OpMatchPreorders      = "match_preorders"
	OpDeliverPreorder     = "deliver_preorder"
	OpConvertPreorder     = "convert_preorder_to_sale"
	OpReconcileStatus     = "reconcile_invoice_status"
	OpNotificationPublish = "publish_availability_notification"
)
