// Package allocator decides how a received quantity is split across
// stock destinations. The decision is pure: it returns the allocations
// and the stock deltas to apply without persisting anything, so a
// failed application can be retried safely.
package allocator

import (
	"fmt"

	"github.com/google/uuid"

	"example.com/backoffice/services/fulfillment/internal/models"
)

// Proposal is one requested (destination, quantity) pair for a receipt
type Proposal struct {
	DestinationType models.DestinationType
	DestinationID   uuid.UUID
	Quantity        int64
}

// StockDelta is a stock increment to apply at a destination
type StockDelta struct {
	ArticleID       uuid.UUID
	DestinationType models.DestinationType
	DestinationID   uuid.UUID
	Delta           int64
	AllocationID    uuid.UUID
}

// Plan is a validated allocation decision, not yet persisted
type Plan struct {
	Allocations []models.Allocation
	Deltas      []StockDelta
}

// MismatchError reports proposals that do not exactly cover the
// receipt quantity, or contain an invalid destination quantity
type MismatchError struct {
	ReceiptQuantity  int64
	ProposedQuantity int64
	Reason           string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("allocation mismatch: receipt quantity %d, proposed %d (%s)",
		e.ReceiptQuantity, e.ProposedQuantity, e.Reason)
}

// OverAllocationError reports an allocation that would exceed the
// physically received quantity for the article across the order
type OverAllocationError struct {
	Requested        int64
	AlreadyAllocated int64
	TotalReceived    int64
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over-allocation: requested %d with %d already allocated, but only %d received",
		e.Requested, e.AlreadyAllocated, e.TotalReceived)
}

// Build validates the proposed split of a receipt line and produces
// the allocation plan. totalReceived is the sum of received quantities
// across all receipt lines of the order for this article (the current
// receipt included); alreadyAllocated is the sum already assigned to
// destinations by earlier approvals. The check catches two concurrent
// approvals allocating the same physical receipt twice.
func Build(
	receiptLineID uuid.UUID,
	articleID uuid.UUID,
	receiptQuantity int64,
	totalReceived int64,
	alreadyAllocated int64,
	proposals []Proposal,
) (*Plan, error) {
	if receiptQuantity <= 0 {
		return nil, &MismatchError{
			ReceiptQuantity:  receiptQuantity,
			ProposedQuantity: 0,
			Reason:           "receipt quantity must be positive",
		}
	}
	if len(proposals) == 0 {
		return nil, &MismatchError{
			ReceiptQuantity:  receiptQuantity,
			ProposedQuantity: 0,
			Reason:           "no destinations proposed",
		}
	}

	var proposed int64
	for _, p := range proposals {
		if p.Quantity < 0 {
			return nil, &MismatchError{
				ReceiptQuantity:  receiptQuantity,
				ProposedQuantity: p.Quantity,
				Reason:           "negative destination quantity",
			}
		}
		if !p.DestinationType.IsValid() {
			return nil, &MismatchError{
				ReceiptQuantity:  receiptQuantity,
				ProposedQuantity: p.Quantity,
				Reason:           fmt.Sprintf("unknown destination type %q", p.DestinationType),
			}
		}
		proposed += p.Quantity
	}

	// Allocations must exactly cover the receipt; no quantity may be
	// lost or invented by the split.
	if proposed != receiptQuantity {
		return nil, &MismatchError{
			ReceiptQuantity:  receiptQuantity,
			ProposedQuantity: proposed,
			Reason:           "proposals do not cover the receipt exactly",
		}
	}

	if alreadyAllocated+proposed > totalReceived {
		return nil, &OverAllocationError{
			Requested:        proposed,
			AlreadyAllocated: alreadyAllocated,
			TotalReceived:    totalReceived,
		}
	}

	plan := &Plan{
		Allocations: make([]models.Allocation, 0, len(proposals)),
		Deltas:      make([]StockDelta, 0, len(proposals)),
	}
	for _, p := range proposals {
		if p.Quantity == 0 {
			continue
		}
		allocation := models.Allocation{
			ID:              uuid.New(),
			ReceiptLineID:   receiptLineID,
			ArticleID:       articleID,
			DestinationType: p.DestinationType,
			DestinationID:   p.DestinationID,
			Quantity:        p.Quantity,
		}
		plan.Allocations = append(plan.Allocations, allocation)
		plan.Deltas = append(plan.Deltas, StockDelta{
			ArticleID:       articleID,
			DestinationType: p.DestinationType,
			DestinationID:   p.DestinationID,
			Delta:           p.Quantity,
			AllocationID:    allocation.ID,
		})
	}

	return plan, nil
}

// SingleDestination is the degenerate split: the full receipt quantity
// goes to one destination.
func SingleDestination(destinationType models.DestinationType, destinationID uuid.UUID, quantity int64) []Proposal {
	return []Proposal{{
		DestinationType: destinationType,
		DestinationID:   destinationID,
		Quantity:        quantity,
	}}
}
