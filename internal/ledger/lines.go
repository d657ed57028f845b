package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"ticketledger/backend/internal/domain"
)

// MissingLines returns a zero-quantity line for every active product that the
// ticket does not have yet, priced from prices (absent means zero).
func MissingLines(ticketID string, existing []domain.TicketLine, active []domain.Product, prices map[string]decimal.Decimal) []domain.TicketLine {
	have := make(map[string]struct{}, len(existing))
	for _, line := range existing {
		have[line.ProductID] = struct{}{}
	}

	missing := make([]domain.TicketLine, 0)
	for _, product := range active {
		if !product.Active {
			continue
		}
		if _, ok := have[product.ID]; ok {
			continue
		}
		have[product.ID] = struct{}{}
		price, ok := prices[product.ID]
		if !ok {
			price = decimal.Zero
		}
		missing = append(missing, domain.TicketLine{
			TicketID:      ticketID,
			ProductID:     product.ID,
			UnitPriceUsed: price,
			Subtotal:      decimal.Zero,
		})
	}
	return missing
}

// ValidateLines reports every line that would make a close invalid: leftovers
// above the available stock, or a negative sold quantity.
func ValidateLines(lines []domain.TicketLine) []domain.LineViolation {
	var violations []domain.LineViolation
	for _, line := range lines {
		max := line.MaxLeftovers()
		sold := SoldQty(line.OrderQty, line.LeftoversPrev, line.LeftoversNow)
		switch {
		case line.LeftoversNow > max:
			violations = append(violations, domain.LineViolation{
				ProductID:    line.ProductID,
				Reason:       domain.ReasonLeftoversExceed,
				LeftoversNow: line.LeftoversNow,
				Max:          max,
				SoldQty:      sold,
			})
		case sold < 0 || line.LeftoversNow < 0:
			violations = append(violations, domain.LineViolation{
				ProductID:    line.ProductID,
				Reason:       domain.ReasonNegativeSold,
				LeftoversNow: line.LeftoversNow,
				Max:          max,
				SoldQty:      sold,
			})
		}
	}
	return violations
}

// FirstReason picks the reason code reported for a set of violations.
// LEFTOVERS_EXCEED wins over NEGATIVE_SOLD.
func FirstReason(violations []domain.LineViolation) domain.CloseReason {
	reason := domain.CloseReason("")
	for _, v := range violations {
		if v.Reason == domain.ReasonLeftoversExceed {
			return v.Reason
		}
		reason = v.Reason
	}
	return reason
}

// CarryMap captures the final leftovers of a closed ticket by product.
func CarryMap(lines []domain.TicketLine) map[string]int {
	carry := make(map[string]int, len(lines))
	for _, line := range lines {
		carry[line.ProductID] = line.LeftoversNow
	}
	return carry
}

// PlanCarryover rewrites the lines of the next open ticket so that each one
// starts from the carried quantity. Products absent from carry keep their own
// leftoversPrev. Leftovers above the new maximum are clamped and sold quantities
// are floored at zero, since the target has not been closed yet.
func PlanCarryover(carry map[string]int, target []domain.TicketLine) []domain.TicketLine {
	planned := make([]domain.TicketLine, 0, len(target))
	for _, line := range target {
		if prev, ok := carry[line.ProductID]; ok {
			line.LeftoversPrev = prev
		}
		max := line.MaxLeftovers()
		if line.LeftoversNow > max {
			line.LeftoversNow = max
		}
		sold := SoldQty(line.OrderQty, line.LeftoversPrev, line.LeftoversNow)
		if sold < 0 {
			sold = 0
		}
		line.SoldQty = sold
		line.Subtotal = Subtotal(sold, line.UnitPriceUsed)
		planned = append(planned, line)
	}
	return planned
}

// RepriceLines applies price to every line of productID and reports whether
// any line belonged to that product.
func RepriceLines(lines []domain.TicketLine, productID string, price decimal.Decimal) ([]domain.TicketLine, bool) {
	out := make([]domain.TicketLine, len(lines))
	touched := false
	for i, line := range lines {
		if line.ProductID == productID {
			line.UnitPriceUsed = price
			line.Subtotal = Subtotal(line.SoldQty, price)
			touched = true
		}
		out[i] = line
	}
	return out, touched
}

// LineRef points at a persisted line of a product.
type LineRef struct {
	TicketID string
	LineID   string
	SoldQty  int
}

// RepriceBatch is the write group for one ticket in a price cascade.
type RepriceBatch struct {
	TicketID string
	LineIDs  []string
}

// PlanReprice groups the affected lines per ticket, in a stable order, so that
// each ticket can be rewritten as one unit.
func PlanReprice(refs []LineRef) []RepriceBatch {
	byTicket := make(map[string][]string)
	for _, ref := range refs {
		byTicket[ref.TicketID] = append(byTicket[ref.TicketID], ref.LineID)
	}
	batches := make([]RepriceBatch, 0, len(byTicket))
	for ticketID, lineIDs := range byTicket {
		sort.Strings(lineIDs)
		batches = append(batches, RepriceBatch{TicketID: ticketID, LineIDs: lineIDs})
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].TicketID < batches[j].TicketID
	})
	return batches
}

// SortLinesByProductOrder orders lines by the product display order, then name.
func SortLinesByProductOrder(lines []domain.TicketLineView) {
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].DisplayOrder != lines[j].DisplayOrder {
			return lines[i].DisplayOrder < lines[j].DisplayOrder
		}
		return lines[i].ProductName < lines[j].ProductName
	})
}
