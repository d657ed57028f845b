package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/ledger"
)

const dailyReportSheet = "Tickets"

var dailyReportHeadings = []interface{}{
	"Vendor code", "Vendor", "Status", "Ordered units", "Total", "Paid", "Balance", "Payment status", "Carryover credit",
}

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		date = time.Now().UTC().Format(ledger.DateLayout)
	}

	rows, err := a.service.DailyTickets(r.Context(), date)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	f, err := buildDailyReport(date, rows)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"daily-tickets-%s.xlsx\"", date))
	if err := f.Write(w); err != nil {
		a.logger.WithError(err).WithField("date", date).Error("writing daily report failed")
	}
}

// buildDailyReport lays out one row per ticket followed by a totals row.
func buildDailyReport(date string, rows []domain.DailyTicketRow) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", dailyReportSheet); err != nil {
		f.Close()
		return nil, err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 2})
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := f.SetCellValue(dailyReportSheet, "A1", "Daily tickets "+date); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.SetSheetRow(dailyReportSheet, "A3", &dailyReportHeadings); err != nil {
		f.Close()
		return nil, err
	}

	total, paid, balance, credit := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	units := 0
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+4)
		if err != nil {
			f.Close()
			return nil, err
		}
		values := []interface{}{
			row.VendorCode,
			row.VendorName,
			string(row.Status),
			row.OrderedUnits,
			row.Total.InexactFloat64(),
			row.PaidAmount.InexactFloat64(),
			row.Balance.InexactFloat64(),
			string(row.PaymentStatus),
			row.CarryoverCredit.InexactFloat64(),
		}
		if err := f.SetSheetRow(dailyReportSheet, cell, &values); err != nil {
			f.Close()
			return nil, err
		}
		total = total.Add(row.Total)
		paid = paid.Add(row.PaidAmount)
		balance = balance.Add(row.Balance)
		credit = credit.Add(row.CarryoverCredit)
		units += row.OrderedUnits
	}

	last := len(rows) + 4
	totals := []interface{}{
		"Total", "", "", units,
		total.InexactFloat64(), paid.InexactFloat64(), balance.InexactFloat64(), "", credit.InexactFloat64(),
	}
	if err := f.SetSheetRow(dailyReportSheet, fmt.Sprintf("A%d", last), &totals); err != nil {
		f.Close()
		return nil, err
	}

	for _, styled := range []struct {
		from, to string
		style    int
	}{
		{"A1", "A1", bold},
		{"A3", "I3", bold},
		{fmt.Sprintf("A%d", last), fmt.Sprintf("I%d", last), bold},
		{"E4", fmt.Sprintf("G%d", last), money},
		{"I4", fmt.Sprintf("I%d", last), money},
	} {
		if err := f.SetCellStyle(dailyReportSheet, styled.from, styled.to, styled.style); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.SetColWidth(dailyReportSheet, "B", "B", 28); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
