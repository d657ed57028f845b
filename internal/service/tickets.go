package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/ledger"
	"ticketledger/backend/internal/lock"
	"ticketledger/backend/internal/logging"
	"ticketledger/backend/internal/store"
	"ticketledger/backend/internal/xid"
)

// GetTicket returns the vendor's ticket for date, creating it when no action
// has touched that pair yet.
func (s *Service) GetTicket(ctx context.Context, vendorID string, date string) (domain.TicketView, error) {
	if err := validateDate("date", date); err != nil {
		return domain.TicketView{}, err
	}
	if _, err := s.repo.GetVendor(ctx, vendorID); err != nil {
		return domain.TicketView{}, err
	}

	ticket, err := s.getOrInitialize(ctx, vendorID, date)
	if err != nil {
		return domain.TicketView{}, err
	}
	return s.buildView(ctx, ticket)
}

func (s *Service) GetTicketByID(ctx context.Context, ticketID string) (domain.TicketView, error) {
	ticket, err := s.loadSynced(ctx, ticketID)
	if err != nil {
		return domain.TicketView{}, err
	}
	return s.buildView(ctx, ticket)
}

func (s *Service) loadSynced(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return s.syncLines(ctx, ticket)
}

func (s *Service) getOrInitialize(ctx context.Context, vendorID string, date string) (*domain.Ticket, error) {
	ticket, err := s.repo.FindTicket(ctx, vendorID, date)
	if errors.Is(err, store.ErrNotFound) {
		ticket, err = s.createTicket(ctx, vendorID, date)
	}
	if err != nil {
		return nil, err
	}
	return s.syncLines(ctx, ticket)
}

// createTicket opens a ticket with one zero line per active product priced at
// date. When the vendor already has a closed ticket before date, its leftovers
// and any deferred credit are pulled in right away.
func (s *Service) createTicket(ctx context.Context, vendorID string, date string) (*domain.Ticket, error) {
	products, err := s.repo.ListProducts(ctx, false)
	if err != nil {
		return nil, err
	}
	prices, err := s.repo.EffectivePrices(ctx, productIDs(products), date)
	if err != nil {
		return nil, err
	}
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}

	created, err := s.repo.CreateTicket(ctx, domain.Ticket{
		VendorID:          vendorID,
		Date:              date,
		Status:            domain.TicketOpen,
		BatteryMode:       settings.BatteryMode,
		BatteryUnitPrice:  settings.BatteryUnitPrice,
		BatteryQty:        settings.BatteryQty,
		PaidAmount:        decimal.Zero,
		LeftoversReported: true,
		CarryoverCredit:   decimal.Zero,
		CarriedCredit:     decimal.Zero,
		CreatedBy:         actorName(ctx),
		CreatedAt:         s.now().UTC(),
		Lines:             ledger.MissingLines("", nil, products, prices),
	})
	if errors.Is(err, store.ErrConflict) {
		return s.repo.FindTicket(ctx, vendorID, date)
	}
	if err != nil {
		return nil, err
	}

	prev, err := s.repo.FindPreviousClosedTicket(ctx, vendorID, date)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return created, nil
	case err != nil:
		s.logger.WithError(err).WithField("ticket_id", created.ID).Warn("previous ticket lookup failed")
		return created, nil
	}
	if _, err := s.propagate(ctx, prev.ID); err != nil {
		logging.LogError(s.logger, "service", "createTicket", "carryover into new ticket failed", prev.ID, err)
		return created, nil
	}
	return s.repo.GetTicket(ctx, created.ID)
}

// syncLines inserts a zero line for every active product the ticket lacks,
// priced as of the ticket's date.
func (s *Service) syncLines(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	products, err := s.repo.ListProducts(ctx, false)
	if err != nil {
		return nil, err
	}
	missing := ledger.MissingLines(ticket.ID, ticket.Lines, products, nil)
	if len(missing) == 0 {
		return ticket, nil
	}

	ids := make([]string, 0, len(missing))
	for _, line := range missing {
		ids = append(ids, line.ProductID)
	}
	prices, err := s.repo.EffectivePrices(ctx, ids, ticket.Date)
	if err != nil {
		return nil, err
	}
	for i := range missing {
		missing[i].UnitPriceUsed = prices[missing[i].ProductID]
	}
	if _, err := s.repo.InsertMissingLines(ctx, ticket.ID, missing); err != nil {
		return nil, err
	}
	return s.repo.GetTicket(ctx, ticket.ID)
}

func productIDs(products []domain.Product) []string {
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *Service) buildView(ctx context.Context, ticket *domain.Ticket) (domain.TicketView, error) {
	vendor, err := s.repo.GetVendor(ctx, ticket.VendorID)
	if err != nil {
		return domain.TicketView{}, err
	}
	products, err := s.repo.ListProducts(ctx, true)
	if err != nil {
		return domain.TicketView{}, err
	}
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	lines := make([]domain.TicketLineView, 0, len(ticket.Lines))
	for _, line := range ticket.Lines {
		product := byID[line.ProductID]
		lines = append(lines, domain.TicketLineView{
			TicketLine:   line,
			ProductName:  product.Name,
			DisplayOrder: product.DisplayOrder,
			Max:          line.MaxLeftovers(),
		})
	}
	ledger.SortLinesByProductOrder(lines)

	surcharge, err := ledger.SurchargeTotal(ticket.BatteryMode, ticket.BatteryUnitPrice, ticket.BatteryQty)
	if err != nil {
		return domain.TicketView{}, err
	}

	carried := false
	if _, err := s.repo.FindPreviousClosedTicket(ctx, ticket.VendorID, ticket.Date); err == nil {
		carried = true
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.TicketView{}, err
	}

	view := domain.TicketView{
		Ticket:         *ticket,
		Vendor:         *vendor,
		Lines:          lines,
		SurchargeTotal: surcharge,
		CarriedOver:    carried,
	}
	view.Ticket.Lines = nil
	return view, nil
}

// SaveOrder sets the issued quantity of existing lines. Orders are only taken
// while the ticket is open.
func (s *Service) SaveOrder(ctx context.Context, ticketID string, req domain.SaveOrderRequest) (domain.TicketView, error) {
	if err := s.validateStruct(req); err != nil {
		return domain.TicketView{}, err
	}
	ticket, err := s.loadSynced(ctx, ticketID)
	if err != nil {
		return domain.TicketView{}, err
	}
	if ticket.Status != domain.TicketOpen {
		return domain.TicketView{}, store.ErrTicketClosed
	}

	saved, err := s.repo.SaveOrder(ctx, ticketID, req.Lines)
	if err != nil {
		return domain.TicketView{}, err
	}

	units := 0
	for _, entry := range req.Lines {
		units += entry.Qty
	}
	s.logAudit(ctx, domain.AuditOrderSaved, "ticket", ticketID, fmt.Sprintf("lines=%d,units=%d", len(req.Lines), units))
	return s.buildView(ctx, saved)
}

// UpdateLeftoversNow sets one line's end-of-day leftovers. A value above the
// available stock is only accepted when confirmed with a reason, and the
// store writes the override and its audit entry together.
func (s *Service) UpdateLeftoversNow(ctx context.Context, ticketID string, productID string, req domain.LeftoversRequest) (domain.LeftoversResult, error) {
	if err := s.validateStruct(req); err != nil {
		return domain.LeftoversResult{}, err
	}
	ticket, err := s.loadSynced(ctx, ticketID)
	if err != nil {
		return domain.LeftoversResult{}, err
	}
	if ticket.Status != domain.TicketOpen {
		return domain.LeftoversResult{}, store.ErrTicketClosed
	}

	result, err := s.repo.SetLeftoversNow(ctx, ticketID, productID, domain.LeftoversUpdate{
		Qty:       req.Qty,
		Confirmed: req.Confirmed,
		Reason:    strings.TrimSpace(req.Reason),
		Audit: domain.AuditLog{
			ID:         xid.New("aud"),
			Actor:      actorName(ctx),
			EntityType: "ticket",
			EntityID:   ticketID,
			CreatedAt:  s.now().UTC(),
		},
	})
	if errors.Is(err, store.ErrOverrideReason) {
		return domain.LeftoversResult{}, invalid("reason", "required")
	}
	if err != nil {
		return domain.LeftoversResult{}, err
	}
	if result.OK && result.Attempted > result.Max {
		s.logger.WithFields(logrus.Fields{
			"ticket_id":  ticketID,
			"product_id": productID,
			"qty":        result.Attempted,
			"max":        result.Max,
		}).Info("leftovers override recorded")
	}
	return result, nil
}

// CloseTicket validates and closes an open ticket, then forwards its
// leftovers. Expected domain failures come back in the result, not as errors.
func (s *Service) CloseTicket(ctx context.Context, ticketID string, req domain.CloseRequest) (domain.CloseResult, error) {
	if req.BatteryQty < 0 {
		return domain.CloseResult{Reason: domain.ReasonInvalidBatteryQty, TicketID: ticketID}, nil
	}
	if req.PaidAmount.IsNegative() {
		return domain.CloseResult{Reason: domain.ReasonInvalidPaidAmount, TicketID: ticketID}, nil
	}
	reported := req.LeftoversReported == nil || *req.LeftoversReported

	release, err := s.locker.Obtain(ctx, lock.KindTicket, ticketID)
	if err != nil {
		return domain.CloseResult{}, err
	}
	defer release()

	if _, err := s.loadSynced(ctx, ticketID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CloseResult{Reason: domain.ReasonNotFound, TicketID: ticketID}, nil
		}
		return domain.CloseResult{}, err
	}
	return s.closeLocked(ctx, ticketID, req.BatteryQty, ledger.NewSettlement(reported, req.PaidAmount))
}

// closeLocked expects the caller to hold the ticket lock.
func (s *Service) closeLocked(ctx context.Context, ticketID string, batteryQty int, settlement ledger.Settlement) (domain.CloseResult, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return domain.CloseResult{}, err
	}

	out, err := s.repo.CloseTicket(ctx, ticketID, settings, ledger.CloseInput{
		BatteryQty: batteryQty,
		Settlement: settlement,
		ClosedBy:   actorName(ctx),
		ClosedAt:   s.now(),
	})
	switch {
	case errors.Is(err, store.ErrAlreadyClosed):
		return domain.CloseResult{
			OK:            true,
			AlreadyClosed: true,
			TicketID:      ticketID,
			Total:         out.Ticket.Total,
			Balance:       out.Ticket.Balance,
			PaymentStatus: out.Ticket.PaymentStatus,
		}, nil
	case errors.Is(err, store.ErrNotFound):
		return domain.CloseResult{Reason: domain.ReasonNotFound, TicketID: ticketID}, nil
	case err != nil:
		return domain.CloseResult{}, err
	}
	if out.Rejected() {
		return domain.CloseResult{
			Reason:     ledger.FirstReason(out.Violations),
			Violations: out.Violations,
			TicketID:   ticketID,
		}, nil
	}

	closed := out.Ticket
	s.logAudit(ctx, domain.AuditTicketClosed, "ticket", ticketID, fmt.Sprintf("total=%s,paid=%s,credit=%s,leftovers_reported=%t",
		closed.Total.StringFixed(2), closed.PaidAmount.StringFixed(2), closed.CarryoverCredit.StringFixed(2), closed.LeftoversReported))

	result := domain.CloseResult{
		OK:            true,
		TicketID:      ticketID,
		Total:         closed.Total,
		Balance:       closed.Balance,
		PaymentStatus: closed.PaymentStatus,
	}
	carry, err := s.propagate(ctx, ticketID)
	if err != nil {
		logging.LogError(s.logger, "service", "CloseTicket", "carryover propagation failed", ticketID, err)
		return result, nil
	}
	result.CarryoverTicketID = carry.TargetTicketID
	return result, nil
}

// ReopenTicket moves a closed ticket back to open. Carryover already pushed
// to a later ticket is left as is.
func (s *Service) ReopenTicket(ctx context.Context, ticketID string) (domain.Ticket, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Ticket{}, err
	}

	release, err := s.locker.Obtain(ctx, lock.KindTicket, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer release()

	ticket, changed, err := s.repo.ReopenTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if changed {
		s.logAudit(ctx, domain.AuditTicketReopened, "ticket", ticketID, fmt.Sprintf("date=%s", ticket.Date))
	}
	return *ticket, nil
}

// PropagateCarryover re-runs the forward step for a closed ticket. Running it
// again is safe: leftovers are re-applied and the credit is never doubled.
func (s *Service) PropagateCarryover(ctx context.Context, ticketID string) (domain.CarryoverResult, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.CarryoverResult{}, err
	}

	release, err := s.locker.Obtain(ctx, lock.KindTicket, ticketID)
	if err != nil {
		return domain.CarryoverResult{}, err
	}
	defer release()

	return s.propagate(ctx, ticketID)
}

func (s *Service) propagate(ctx context.Context, sourceID string) (domain.CarryoverResult, error) {
	result, err := s.repo.ApplyCarryover(ctx, sourceID, s.now())
	if err != nil {
		return result, err
	}
	if result.TargetTicketID == "" {
		return result, nil
	}

	s.logger.WithFields(logrus.Fields{
		"source_ticket_id": sourceID,
		"target_ticket_id": result.TargetTicketID,
		"credit":           result.CreditApplied.StringFixed(2),
	}).Debug("carryover applied")
	s.logAudit(ctx, domain.AuditCarryoverApplied, "ticket", result.TargetTicketID,
		fmt.Sprintf("source=%s,lines=%d,credit=%s", sourceID, result.LinesUpdated, result.CreditApplied.StringFixed(2)))
	return result, nil
}

func (s *Service) VendorHistory(ctx context.Context, vendorID string, limit int) ([]domain.VendorTicketSummary, error) {
	if _, err := s.repo.GetVendor(ctx, vendorID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 365 {
		limit = 30
	}
	return s.repo.ListVendorTickets(ctx, vendorID, limit)
}

func (s *Service) DailyTickets(ctx context.Context, date string) ([]domain.DailyTicketRow, error) {
	if err := validateDate("date", date); err != nil {
		return nil, err
	}
	return s.repo.ListTicketsByDate(ctx, date)
}

// OrderBoard lists active vendors for date with whether an order was issued
// and when it was last saved.
func (s *Service) OrderBoard(ctx context.Context, date string) ([]domain.OrderBoardEntry, error) {
	if date == "" {
		date = s.today()
	}
	rows, err := s.DailyTickets(ctx, date)
	if err != nil {
		return nil, err
	}
	vendors, err := s.repo.ListVendors(ctx, false)
	if err != nil {
		return nil, err
	}

	byVendor := make(map[string]domain.DailyTicketRow, len(rows))
	ticketIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		byVendor[row.VendorID] = row
		ticketIDs = append(ticketIDs, row.ID)
	}

	savedAt := make(map[string]domain.AuditLog, len(ticketIDs))
	if len(ticketIDs) > 0 {
		logs, err := s.repo.ListAuditLogs(ctx, domain.AuditFilter{
			EntityType: "ticket",
			EntityIDs:  ticketIDs,
			Action:     domain.AuditOrderSaved,
			Limit:      500,
		})
		if err != nil {
			return nil, err
		}
		for _, entry := range logs {
			if _, seen := savedAt[entry.EntityID]; !seen {
				savedAt[entry.EntityID] = entry
			}
		}
	}

	board := make([]domain.OrderBoardEntry, 0, len(vendors))
	for _, vendor := range vendors {
		entry := domain.OrderBoardEntry{Vendor: vendor}
		if row, ok := byVendor[vendor.ID]; ok {
			entry.TicketID = row.ID
			entry.HasOrder = row.OrderedUnits > 0
			if saved, ok := savedAt[row.ID]; ok {
				at := saved.CreatedAt
				entry.OrderSavedAt = &at
			}
		}
		board = append(board, entry)
	}
	return board, nil
}
