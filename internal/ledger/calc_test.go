package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"ticketledger/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSoldQtyAndSubtotal(t *testing.T) {
	cases := []struct {
		name     string
		prev     int
		order    int
		now      int
		price    string
		sold     int
		subtotal string
	}{
		{name: "plain day", prev: 0, order: 10, now: 2, price: "1.50", sold: 8, subtotal: "12.00"},
		{name: "carried stock", prev: 5, order: 3, now: 1, price: "2.00", sold: 7, subtotal: "14.00"},
		{name: "rounding", prev: 0, order: 3, now: 0, price: "0.335", sold: 3, subtotal: "1.01"},
		{name: "negative sold clamps subtotal", prev: 0, order: 2, now: 5, price: "4.00", sold: -3, subtotal: "0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sold := SoldQty(tc.order, tc.prev, tc.now)
			if sold != tc.sold {
				t.Fatalf("expected sold %d, got %d", tc.sold, sold)
			}
			subtotal := Subtotal(sold, dec(tc.price))
			if !subtotal.Equal(dec(tc.subtotal)) {
				t.Fatalf("expected subtotal %s, got %s", tc.subtotal, subtotal)
			}
		})
	}
}

func TestSurchargeTotalDispatchesOnMode(t *testing.T) {
	total, err := SurchargeTotal(domain.BatteryModePerDay, dec("3.00"), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !total.Equal(dec("6.00")) {
		t.Fatalf("expected 6.00, got %s", total)
	}

	_, err = SurchargeTotal(domain.BatteryMode("PER_WEEK"), dec("3.00"), 1)
	var modeErr *UnknownBatteryModeError
	if !errors.As(err, &modeErr) {
		t.Fatalf("expected unknown mode error, got %v", err)
	}
}

func TestBalanceAndPaymentStatus(t *testing.T) {
	cases := []struct {
		total   string
		paid    string
		balance string
		status  domain.PaymentStatus
	}{
		{total: "15.00", paid: "15.00", balance: "0", status: domain.PaymentPaid},
		{total: "15.00", paid: "20.00", balance: "0", status: domain.PaymentPaid},
		{total: "15.00", paid: "0", balance: "15.00", status: domain.PaymentCredit},
		{total: "15.00", paid: "4.50", balance: "10.50", status: domain.PaymentPartial},
		{total: "0", paid: "0", balance: "0", status: domain.PaymentPaid},
	}

	for _, tc := range cases {
		balance := Balance(dec(tc.total), dec(tc.paid))
		if !balance.Equal(dec(tc.balance)) {
			t.Fatalf("total=%s paid=%s: expected balance %s, got %s", tc.total, tc.paid, tc.balance, balance)
		}
		if again := Balance(dec(tc.total), dec(tc.paid)); !again.Equal(balance) {
			t.Fatalf("balance is not stable across calls")
		}
		if status := PaymentStatusFor(dec(tc.total), dec(tc.paid)); status != tc.status {
			t.Fatalf("total=%s paid=%s: expected %s, got %s", tc.total, tc.paid, tc.status, status)
		}
	}
}

func TestRecomputeUsesSnapshotAndLines(t *testing.T) {
	ticket := domain.Ticket{
		BatteryMode:      domain.BatteryModePerDay,
		BatteryUnitPrice: dec("3.00"),
		BatteryQty:       1,
		PaidAmount:       dec("10.00"),
	}
	lines := []domain.TicketLine{
		{ProductID: "p1", Subtotal: dec("12.00")},
		{ProductID: "p2", Subtotal: dec("0.50")},
	}

	got, err := Recompute(ticket, lines)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !got.Total.Equal(dec("15.50")) {
		t.Fatalf("expected total 15.50, got %s", got.Total)
	}
	if !got.Balance.Equal(dec("5.50")) {
		t.Fatalf("expected balance 5.50, got %s", got.Balance)
	}
	if got.PaymentStatus != domain.PaymentPartial {
		t.Fatalf("expected PARTIAL, got %s", got.PaymentStatus)
	}
}

func TestParseDateRejectsGarbage(t *testing.T) {
	if _, err := ParseDate("2025-01-02"); err != nil {
		t.Fatalf("expected valid date, got %v", err)
	}
	for _, raw := range []string{"", "2025-13-01", "02/01/2025", "2025-1-2"} {
		if _, err := ParseDate(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
