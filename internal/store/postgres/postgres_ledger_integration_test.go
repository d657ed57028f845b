package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/ledger"
	"ticketledger/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set LEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedVendorAndProduct(t *testing.T, s *Store) (domain.Vendor, domain.Product) {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	vendor, err := s.CreateVendor(ctx, domain.Vendor{Name: "Vendor IT", Code: fmt.Sprintf("IT%d", stamp), Active: true})
	if err != nil {
		t.Fatalf("create vendor: %v", err)
	}
	product, err := s.CreateProduct(ctx, domain.Product{Name: fmt.Sprintf("Product IT %d", stamp), Active: true})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ticket_lines WHERE ticket_id IN (SELECT id FROM tickets WHERE vendor_id = $1)`, vendor.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tickets WHERE vendor_id = $1`, vendor.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM price_history WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM vendors WHERE id = $1`, vendor.ID)
	})
	return *vendor, *product
}

func newTicket(vendorID, productID, date string, price decimal.Decimal) domain.Ticket {
	settings := domain.DefaultSettings()
	return domain.Ticket{
		VendorID:          vendorID,
		Date:              date,
		Status:            domain.TicketOpen,
		BatteryMode:       settings.BatteryMode,
		BatteryUnitPrice:  settings.BatteryUnitPrice,
		BatteryQty:        settings.BatteryQty,
		LeftoversReported: true,
		Lines: []domain.TicketLine{
			{ProductID: productID, UnitPriceUsed: price},
		},
	}
}

func TestCloseAndCarryoverRoundTrip(t *testing.T) {
	s := openTestStore(t)
	vendor, product := seedVendorAndProduct(t, s)
	ctx := context.Background()
	price := decimal.RequireFromString("1.50")

	if _, err := s.UpsertPrice(ctx, domain.PriceEntry{ProductID: product.ID, ValidFrom: "2025-01-01", Price: price}); err != nil {
		t.Fatalf("upsert price: %v", err)
	}
	prices, err := s.EffectivePrices(ctx, []string{product.ID}, "2025-01-05")
	if err != nil {
		t.Fatalf("effective prices: %v", err)
	}
	if !prices[product.ID].Equal(price) {
		t.Fatalf("expected 1.50, got %s", prices[product.ID])
	}

	first, err := s.CreateTicket(ctx, newTicket(vendor.ID, product.ID, "2025-01-01", price))
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if _, err := s.CreateTicket(ctx, newTicket(vendor.ID, product.ID, "2025-01-01", price)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on duplicate vendor/date, got %v", err)
	}
	second, err := s.CreateTicket(ctx, newTicket(vendor.ID, product.ID, "2025-01-02", price))
	if err != nil {
		t.Fatalf("create second ticket: %v", err)
	}

	if _, err := s.SaveOrder(ctx, first.ID, []domain.OrderEntry{{ProductID: product.ID, Qty: 10}}); err != nil {
		t.Fatalf("save order: %v", err)
	}
	if _, err := s.SetLeftoversNow(ctx, first.ID, product.ID, domain.LeftoversUpdate{Qty: 2}); err != nil {
		t.Fatalf("set leftovers: %v", err)
	}

	out, err := s.CloseTicket(ctx, first.ID, domain.DefaultSettings(), ledger.CloseInput{
		BatteryQty: 1,
		Settlement: ledger.NewSettlement(true, decimal.RequireFromString("15")),
		ClosedBy:   "admin",
		ClosedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !out.Ticket.Total.Equal(decimal.RequireFromString("15.00")) || out.Ticket.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("unexpected close outcome: total=%s status=%s", out.Ticket.Total, out.Ticket.PaymentStatus)
	}

	result, err := s.ApplyCarryover(ctx, first.ID, time.Now())
	if err != nil {
		t.Fatalf("carryover: %v", err)
	}
	if result.TargetTicketID != second.ID {
		t.Fatalf("expected target %s, got %s", second.ID, result.TargetTicketID)
	}
	next, err := s.GetTicket(ctx, second.ID)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if next.Lines[0].LeftoversPrev != 2 {
		t.Fatalf("expected leftoversPrev 2, got %d", next.Lines[0].LeftoversPrev)
	}
}

func TestConcurrentCloseOnlyOneWins(t *testing.T) {
	s := openTestStore(t)
	vendor, product := seedVendorAndProduct(t, s)
	ctx := context.Background()

	ticket, err := s.CreateTicket(ctx, newTicket(vendor.ID, product.ID, "2025-02-01", decimal.RequireFromString("2.00")))
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	closed, already := 0, 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CloseTicket(ctx, ticket.ID, domain.DefaultSettings(), ledger.CloseInput{
				Settlement: ledger.NewSettlement(true, decimal.Zero),
				ClosedAt:   time.Now(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				closed++
			case errors.Is(err, store.ErrAlreadyClosed):
				already++
			default:
				t.Errorf("unexpected close error: %v", err)
			}
		}()
	}
	wg.Wait()

	if closed != 1 || already != 3 {
		t.Fatalf("expected exactly one winner, got closed=%d already=%d", closed, already)
	}
}

func TestGetOrCreateSettingsIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetOrCreateSettings(ctx, domain.DefaultSettings()); err != nil {
				t.Errorf("get or create settings: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestConfirmedOverrideCommitsAuditInSameTransaction(t *testing.T) {
	s := openTestStore(t)
	vendor, product := seedVendorAndProduct(t, s)
	ctx := context.Background()

	ticket, err := s.CreateTicket(ctx, newTicket(vendor.ID, product.ID, "2025-02-01", decimal.RequireFromString("1.00")))
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE entity_id = $1`, ticket.ID)
	})

	res, err := s.SetLeftoversNow(ctx, ticket.ID, product.ID, domain.LeftoversUpdate{Qty: 3})
	if err != nil || !res.NeedsConfirm {
		t.Fatalf("expected confirmation request, got %+v %v", res, err)
	}

	res, err = s.SetLeftoversNow(ctx, ticket.ID, product.ID, domain.LeftoversUpdate{
		Qty:       3,
		Confirmed: true,
		Reason:    "found stock",
		Audit:     domain.AuditLog{Actor: "operator", EntityType: "ticket", EntityID: ticket.ID},
	})
	if err != nil || !res.OK || res.Line.LeftoversNow != 3 {
		t.Fatalf("confirmed override: %+v %v", res, err)
	}

	logs, err := s.ListAuditLogs(ctx, domain.AuditFilter{EntityIDs: []string{ticket.ID}, Action: domain.AuditLeftoversOverride, Limit: 10})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected one override audit row, got %d", len(logs))
	}
}
