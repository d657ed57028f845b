// Package ledger holds the arithmetic and planning rules of the ticket ledger.
// Everything here is pure: callers load state, ask ledger what it should
// become, and persist the answer.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ticketledger/backend/internal/domain"
)

const DateLayout = "2006-01-02"

// ParseDate validates a YYYY-MM-DD calendar date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", raw, err)
	}
	return t, nil
}

func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func SoldQty(orderQty, leftoversPrev, leftoversNow int) int {
	return leftoversPrev + orderQty - leftoversNow
}

// Subtotal never goes negative: a negative sold quantity contributes zero.
func Subtotal(soldQty int, unitPrice decimal.Decimal) decimal.Decimal {
	if soldQty < 0 {
		soldQty = 0
	}
	return Round2(decimal.NewFromInt(int64(soldQty)).Mul(unitPrice))
}

type UnknownBatteryModeError struct {
	Mode domain.BatteryMode
}

func (e *UnknownBatteryModeError) Error() string {
	return fmt.Sprintf("unknown battery mode %q", e.Mode)
}

func SurchargeTotal(mode domain.BatteryMode, unitPrice decimal.Decimal, qty int) (decimal.Decimal, error) {
	switch mode {
	case domain.BatteryModePerDay:
		return Round2(unitPrice.Mul(decimal.NewFromInt(int64(qty)))), nil
	default:
		return decimal.Zero, &UnknownBatteryModeError{Mode: mode}
	}
}

func GrandTotal(subtotals []decimal.Decimal, surcharge decimal.Decimal) decimal.Decimal {
	sum := surcharge
	for _, s := range subtotals {
		sum = sum.Add(s)
	}
	return Round2(sum)
}

func Balance(total, paid decimal.Decimal) decimal.Decimal {
	diff := total.Sub(paid)
	if diff.IsNegative() {
		return decimal.Zero
	}
	return Round2(diff)
}

func PaymentStatusFor(total, paid decimal.Decimal) domain.PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(total):
		return domain.PaymentPaid
	case paid.IsZero():
		return domain.PaymentCredit
	default:
		return domain.PaymentPartial
	}
}

// PriceLine recomputes the derived fields of a line from its quantities and
// its own price snapshot.
func PriceLine(line domain.TicketLine) domain.TicketLine {
	line.SoldQty = SoldQty(line.OrderQty, line.LeftoversPrev, line.LeftoversNow)
	line.Subtotal = Subtotal(line.SoldQty, line.UnitPriceUsed)
	return line
}

// Recompute refreshes total, balance and payment status of a ticket from its
// lines, its surcharge snapshot and its paid amount.
func Recompute(ticket domain.Ticket, lines []domain.TicketLine) (domain.Ticket, error) {
	surcharge, err := SurchargeTotal(ticket.BatteryMode, ticket.BatteryUnitPrice, ticket.BatteryQty)
	if err != nil {
		return ticket, err
	}
	subtotals := make([]decimal.Decimal, 0, len(lines))
	for _, line := range lines {
		subtotals = append(subtotals, line.Subtotal)
	}
	ticket.Total = GrandTotal(subtotals, surcharge)
	ticket.Balance = Balance(ticket.Total, ticket.PaidAmount)
	ticket.PaymentStatus = PaymentStatusFor(ticket.Total, ticket.PaidAmount)
	return ticket, nil
}
