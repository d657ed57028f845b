package httpapi

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"ticketledger/backend/internal/domain"
)

func TestBuildDailyReportWritesRowsAndTotals(t *testing.T) {
	rows := []domain.DailyTicketRow{
		{
			VendorTicketSummary: domain.VendorTicketSummary{
				ID: "tkt_1", Date: "2025-01-01", Status: domain.TicketClosed,
				Total: decimal.RequireFromString("15.00"), Balance: decimal.Zero, PaymentStatus: domain.PaymentPaid,
			},
			VendorCode: "V001", VendorName: "Rosa",
			PaidAmount: decimal.RequireFromString("15.00"), CarryoverCredit: decimal.Zero, OrderedUnits: 10,
		},
		{
			VendorTicketSummary: domain.VendorTicketSummary{
				ID: "tkt_2", Date: "2025-01-01", Status: domain.TicketOpen,
				Total: decimal.RequireFromString("4.50"), Balance: decimal.RequireFromString("4.50"), PaymentStatus: domain.PaymentCredit,
			},
			VendorCode: "V002", VendorName: "Julio",
			PaidAmount: decimal.Zero, CarryoverCredit: decimal.Zero, OrderedUnits: 3,
		},
	}

	f, err := buildDailyReport("2025-01-01", rows)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	defer f.Close()

	checks := map[string]string{
		"A1": "Daily tickets 2025-01-01",
		"B3": "Vendor",
		"A4": "V001",
		"B5": "Julio",
		"H5": "CREDIT",
		"A6": "Total",
		"D6": "13",
	}
	for cell, want := range checks {
		got, err := f.GetCellValue(dailyReportSheet, cell)
		if err != nil {
			t.Fatalf("read %s: %v", cell, err)
		}
		if got != want {
			t.Fatalf("cell %s = %q, want %q", cell, got, want)
		}
	}

	raw, err := f.GetCellValue(dailyReportSheet, "E6", excelize.Options{RawCellValue: true})
	if err != nil {
		t.Fatalf("read total: %v", err)
	}
	if !decimal.RequireFromString(raw).Equal(decimal.RequireFromString("19.5")) {
		t.Fatalf("expected total 19.5, got %s", raw)
	}
}

func TestDailyReportEndpointServesWorkbook(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	admin := login(t, h, "admin", "admin123")
	vendor, _ := seedCatalog(t, h, admin, "1.00")
	openTicket(t, h, admin, vendor.ID, "2025-01-01")

	rec := doJSON(t, h, http.MethodGet, "/api/v1/reports/daily.xlsx?date=2025-01-01", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("unexpected content type %q", got)
	}

	f, err := excelize.OpenReader(rec.Body)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	name, err := f.GetCellValue(dailyReportSheet, "B4")
	if err != nil || name != "Rosa" {
		t.Fatalf("expected vendor row, got %q %v", name, err)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/reports/daily.xlsx?date=01-01-2025", admin, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", rec.Code)
	}
}
