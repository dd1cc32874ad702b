// Package ledger provides pure quantity arithmetic for order lines:
// how much was ordered, how much has arrived or been delivered, and
// how much is still outstanding. It performs no I/O.
package ledger

import "fmt"

// QuantityOverflowError reports an attempt to receive or deliver more
// than was ordered. Over-delivery is never silently clamped; it
// indicates a data race or an operator error that must be surfaced.
type QuantityOverflowError struct {
	Ordered   int64
	Fulfilled int64
	Incoming  int64
}

func (e *QuantityOverflowError) Error() string {
	return fmt.Sprintf("quantity overflow: ordered %d, already fulfilled %d, incoming %d",
		e.Ordered, e.Fulfilled, e.Incoming)
}

// Remaining returns the quantity still outstanding on a line, floored
// at zero.
func Remaining(ordered, fulfilled int64) int64 {
	remaining := ordered - fulfilled
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FulfillmentFraction returns delivered/ordered, or 0 when nothing was
// ordered.
func FulfillmentFraction(ordered, delivered int64) float64 {
	if ordered == 0 {
		return 0
	}
	return float64(delivered) / float64(ordered)
}

// Sum totals a list of quantities.
func Sum(quantities []int64) int64 {
	var total int64
	for _, q := range quantities {
		total += q
	}
	return total
}

// CheckReceipt validates that receiving incoming units on top of the
// already fulfilled quantity stays within the ordered quantity.
func CheckReceipt(ordered, fulfilled, incoming int64) error {
	if fulfilled+incoming > ordered {
		return &QuantityOverflowError{
			Ordered:   ordered,
			Fulfilled: fulfilled,
			Incoming:  incoming,
		}
	}
	return nil
}
