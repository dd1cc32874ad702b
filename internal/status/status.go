// Package status derives payment and delivery status from child
// records. Cached status fields on invoices and preorders are read
// optimizations only; this package computes the authoritative value
// and is the sole writer of the caches.
package status

import (
	"github.com/shopspring/decimal"
)

// PaymentStatus is the derived payment state of an invoice
type PaymentStatus string

// Payment statuses
const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// DeliveryStatus is the derived delivery state of an invoice or preorder
type DeliveryStatus string

// Delivery statuses
const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryPartial  DeliveryStatus = "partial"
	DeliveryComplete DeliveryStatus = "complete"
)

// Tolerance absorbs rounding drift from discounted line totals: one
// minor currency unit. A payment within Tolerance of the total counts
// as paid in full.
var Tolerance = decimal.New(1, -2)

// LineProgress is the ordered/delivered quantity pair of one line
type LineProgress struct {
	Ordered   int64
	Delivered int64
}

// DerivePayment computes the payment status of an invoice from its
// payment records. Overpayment is recorded as-is and the status stays
// paid; no negative remaining amount is exposed.
func DerivePayment(total decimal.Decimal, payments []decimal.Decimal) PaymentStatus {
	paid := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p)
	}

	if paid.IsZero() {
		return PaymentUnpaid
	}
	if paid.GreaterThanOrEqual(total.Sub(Tolerance)) {
		return PaymentPaid
	}
	return PaymentPartial
}

// DeriveDelivery computes the delivery status from per-line progress:
// pending when no line has any delivery, complete when every line is
// fully delivered, partial otherwise. An empty invoice is pending.
func DeriveDelivery(lines []LineProgress) DeliveryStatus {
	if len(lines) == 0 {
		return DeliveryPending
	}

	anyDelivered := false
	allComplete := true
	for _, line := range lines {
		if line.Delivered > 0 {
			anyDelivered = true
		}
		if line.Delivered < line.Ordered {
			allComplete = false
		}
	}

	if !anyDelivered {
		return DeliveryPending
	}
	if allComplete {
		return DeliveryComplete
	}
	return DeliveryPartial
}
