// Package allocation plans FEFO (first-expired-first-out) lot allocations.
// Planning is pure: callers pass a snapshot of lots and apply the returned
// steps themselves, inside whatever locking discipline their store uses.
package allocation

import (
	"slices"
	"strings"
	"time"

	"medipos/backend/internal/domain"
)

// CompareFEFO orders lots for draining: earliest expiry first, lots without
// an expiry date last, ties broken by receipt time and then ID so the order
// is total and stable across stores.
func CompareFEFO(a, b domain.Lot) int {
	if a.ExpiryDate == nil && b.ExpiryDate != nil {
		return 1
	}
	if a.ExpiryDate != nil && b.ExpiryDate == nil {
		return -1
	}
	if a.ExpiryDate != nil && b.ExpiryDate != nil {
		if a.ExpiryDate.Before(*b.ExpiryDate) {
			return -1
		}
		if a.ExpiryDate.After(*b.ExpiryDate) {
			return 1
		}
	}
	if a.ReceivedAt.Before(b.ReceivedAt) {
		return -1
	}
	if a.ReceivedAt.After(b.ReceivedAt) {
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Sellable reports whether the lot can satisfy a sale at the given moment.
func Sellable(lot domain.Lot, asOf time.Time) bool {
	if lot.QtyRemaining < 1 {
		return false
	}
	if lot.ExpiryDate != nil && !lot.ExpiryDate.After(asOf) {
		return false
	}
	return true
}

// Available sums the sellable quantity across lots at the given moment.
func Available(lots []domain.Lot, asOf time.Time) int {
	total := 0
	for _, lot := range lots {
		if Sellable(lot, asOf) {
			total += lot.QtyRemaining
		}
	}
	return total
}

// Plan greedily drains sellable lots in FEFO order until requested is
// satisfied. It never mutates the input. When stock runs out the partial
// plan is returned together with the uncovered shortfall; callers that need
// all-or-nothing semantics must check shortfall before applying any step.
func Plan(lots []domain.Lot, requested int, asOf time.Time) (steps []domain.AllocationStep, shortfall int) {
	if requested < 1 {
		return nil, 0
	}

	ordered := make([]domain.Lot, 0, len(lots))
	for _, lot := range lots {
		if Sellable(lot, asOf) {
			ordered = append(ordered, lot)
		}
	}
	slices.SortFunc(ordered, CompareFEFO)

	remaining := requested
	for _, lot := range ordered {
		if remaining == 0 {
			break
		}
		used := remaining
		if used > lot.QtyRemaining {
			used = lot.QtyRemaining
		}
		steps = append(steps, domain.AllocationStep{LotID: lot.ID, Qty: used})
		remaining -= used
	}
	return steps, remaining
}
