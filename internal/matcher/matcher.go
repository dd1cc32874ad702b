// Package matcher decides how newly available stock is distributed
// across open preorder demand. The decision is pure; claiming the
// stock (reservations) and notifying customers happen in the caller's
// transaction.
package matcher

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Demand is one open preorder line waiting for stock
type Demand struct {
	PreorderID        uuid.UUID
	PreorderCreatedAt time.Time
	LineID            uuid.UUID
	ArticleID         uuid.UUID
	Requested         int64
	Delivered         int64
	Reserved          int64
}

// Outstanding returns the quantity the line still waits for, floored
// at zero
func (d Demand) Outstanding() int64 {
	outstanding := d.Requested - d.Delivered - d.Reserved
	if outstanding < 0 {
		return 0
	}
	return outstanding
}

// Claim assigns part of the available stock to a preorder line
type Claim struct {
	PreorderID uuid.UUID
	LineID     uuid.UUID
	Quantity   int64
}

// Match distributes the available quantity across demands, oldest
// preorder first. No article-level priority override exists: age is
// the only ordering. The sum of claims never exceeds available, and no
// claim exceeds the line's outstanding quantity.
func Match(available int64, demands []Demand) []Claim {
	if available <= 0 || len(demands) == 0 {
		return nil
	}

	ordered := make([]Demand, len(demands))
	copy(ordered, demands)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PreorderCreatedAt.Before(ordered[j].PreorderCreatedAt)
	})

	var claims []Claim
	left := available
	for _, demand := range ordered {
		if left == 0 {
			break
		}
		outstanding := demand.Outstanding()
		if outstanding == 0 {
			continue
		}

		quantity := outstanding
		if quantity > left {
			quantity = left
		}
		claims = append(claims, Claim{
			PreorderID: demand.PreorderID,
			LineID:     demand.LineID,
			Quantity:   quantity,
		})
		left -= quantity
	}

	return claims
}
