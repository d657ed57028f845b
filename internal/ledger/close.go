package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"ticketledger/backend/internal/domain"
)

// Settlement says what happened to the cash handed over at close. Exactly one
// of the two cases applies to a ticket.
type Settlement interface {
	Amount() decimal.Decimal
	LeftoversReported() bool
}

// SettledToday means the vendor reported leftovers and the cash pays this ticket.
type SettledToday struct {
	Paid decimal.Decimal
}

func (s SettledToday) Amount() decimal.Decimal { return s.Paid }
func (SettledToday) LeftoversReported() bool   { return true }

// Deferred means leftovers were not reported; the cash is credited to the
// vendor's next open ticket instead.
type Deferred struct {
	Credit decimal.Decimal
}

func (d Deferred) Amount() decimal.Decimal { return d.Credit }
func (Deferred) LeftoversReported() bool   { return false }

func NewSettlement(leftoversReported bool, amount decimal.Decimal) Settlement {
	amount = Round2(amount)
	if leftoversReported {
		return SettledToday{Paid: amount}
	}
	return Deferred{Credit: amount}
}

type CloseInput struct {
	BatteryQty int
	Settlement Settlement
	ClosedBy   string
	ClosedAt   time.Time
}

type CloseOutcome struct {
	Ticket     domain.Ticket
	Lines      []domain.TicketLine
	Violations []domain.LineViolation
}

func (o CloseOutcome) Rejected() bool {
	return len(o.Violations) > 0
}

// FinalizeClose computes the closed state of an open ticket. When any line
// breaks the leftovers rules nothing is computed and the violations are
// returned instead.
func FinalizeClose(ticket domain.Ticket, lines []domain.TicketLine, settings domain.Settings, in CloseInput) (CloseOutcome, error) {
	if violations := ValidateLines(lines); len(violations) > 0 {
		return CloseOutcome{Ticket: ticket, Lines: lines, Violations: violations}, nil
	}

	priced := make([]domain.TicketLine, 0, len(lines))
	for _, line := range lines {
		priced = append(priced, PriceLine(line))
	}

	ticket.BatteryMode = settings.BatteryMode
	ticket.BatteryUnitPrice = settings.BatteryUnitPrice
	ticket.BatteryQty = in.BatteryQty

	carried := ticket.CarriedCredit
	switch s := in.Settlement.(type) {
	case SettledToday:
		ticket.PaidAmount = Round2(carried.Add(s.Paid))
		ticket.CarryoverCredit = decimal.Zero
		ticket.LeftoversReported = true
	case Deferred:
		ticket.PaidAmount = carried
		ticket.CarryoverCredit = s.Credit
		ticket.LeftoversReported = false
	}

	recomputed, err := Recompute(ticket, priced)
	if err != nil {
		return CloseOutcome{}, err
	}
	closedAt := in.ClosedAt.UTC()
	recomputed.Status = domain.TicketClosed
	recomputed.ClosedAt = &closedAt
	recomputed.ClosedBy = in.ClosedBy

	return CloseOutcome{Ticket: recomputed, Lines: priced}, nil
}

// PendingCredit reports the credit a closed ticket still owes downstream.
func PendingCredit(ticket domain.Ticket) (decimal.Decimal, bool) {
	if ticket.Status != domain.TicketClosed || ticket.LeftoversReported {
		return decimal.Zero, false
	}
	if ticket.CarryoverAppliedAt != nil || !ticket.CarryoverCredit.IsPositive() {
		return decimal.Zero, false
	}
	return ticket.CarryoverCredit, true
}
