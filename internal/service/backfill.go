package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/ledger"
	"ticketledger/backend/internal/lock"
	"ticketledger/backend/internal/store"
)

// SaveHistoricalEntry records a complete back-dated ticket in one go: the
// quantities replace whatever the ticket held, lines are priced as of the
// ticket's date, and the ticket is closed and carried forward.
func (s *Service) SaveHistoricalEntry(ctx context.Context, req domain.HistoricalEntryRequest) (domain.CloseResult, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.CloseResult{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.CloseResult{}, err
	}
	if err := validateDate("date", req.Date); err != nil {
		return domain.CloseResult{}, err
	}
	if req.PaidAmount.IsNegative() {
		return domain.CloseResult{Reason: domain.ReasonInvalidPaidAmount}, nil
	}
	if _, err := s.repo.GetVendor(ctx, req.VendorID); err != nil {
		return domain.CloseResult{}, err
	}

	proposed := make([]domain.TicketLine, 0, len(req.Entries))
	seen := make(map[string]struct{}, len(req.Entries))
	for _, e := range req.Entries {
		if _, dup := seen[e.ProductID]; dup {
			return domain.CloseResult{}, invalid("entries", "unique")
		}
		seen[e.ProductID] = struct{}{}
		if _, err := s.repo.GetProduct(ctx, e.ProductID); err != nil {
			return domain.CloseResult{}, err
		}
		proposed = append(proposed, domain.TicketLine{
			ProductID:     e.ProductID,
			LeftoversPrev: e.LeftoversPrev,
			OrderQty:      e.OrderQty,
			LeftoversNow:  e.LeftoversNow,
		})
	}
	if violations := ledger.ValidateLines(proposed); len(violations) > 0 {
		return domain.CloseResult{Reason: ledger.FirstReason(violations), Violations: violations}, nil
	}

	ticket, err := s.getOrInitialize(ctx, req.VendorID, req.Date)
	if err != nil {
		return domain.CloseResult{}, err
	}

	release, err := s.locker.Obtain(ctx, lock.KindTicket, ticket.ID)
	if err != nil {
		return domain.CloseResult{}, err
	}
	defer release()

	ids := make([]string, 0, len(ticket.Lines))
	for _, line := range ticket.Lines {
		ids = append(ids, line.ProductID)
	}
	prices, err := s.repo.EffectivePrices(ctx, ids, req.Date)
	if err != nil {
		return domain.CloseResult{}, err
	}
	reopened, err := s.repo.ReplaceLineQuantities(ctx, ticket.ID, req.Entries, prices)
	if err != nil {
		return domain.CloseResult{}, err
	}
	s.logAudit(ctx, domain.AuditHistoricalEntry, "ticket", ticket.ID,
		fmt.Sprintf("date=%s,entries=%d,reopened=%t", req.Date, len(req.Entries), reopened))

	reported := req.LeftoversReported == nil || *req.LeftoversReported
	result, err := s.closeLocked(ctx, ticket.ID, req.BatteryQty, ledger.NewSettlement(reported, req.PaidAmount))
	if err != nil || !result.OK {
		s.logger.WithFields(logrus.Fields{
			"ticket_id": ticket.ID,
			"date":      req.Date,
			"reason":    string(result.Reason),
		}).WithError(err).Warn("historical entry saved but ticket left open")
	}
	return result, err
}

// SeedInitialLeftovers sets the starting stock of each vendor at a cutover
// date. It is guarded by a PIN on top of the admin role and is disabled when
// no PIN is configured.
func (s *Service) SeedInitialLeftovers(ctx context.Context, req domain.InitialLeftoversRequest) (domain.InitialLeftoversResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.InitialLeftoversResponse{}, err
	}
	if len(s.initLeftoversPIN) == 0 {
		return domain.InitialLeftoversResponse{}, fmt.Errorf("%w: initial leftovers are disabled", store.ErrForbidden)
	}
	if !s.validLeftoversPIN(req.PIN) {
		return domain.InitialLeftoversResponse{}, fmt.Errorf("%w: invalid pin", store.ErrForbidden)
	}
	if err := s.validateStruct(req); err != nil {
		return domain.InitialLeftoversResponse{}, err
	}
	if err := validateDate("date", req.Date); err != nil {
		return domain.InitialLeftoversResponse{}, err
	}

	byVendor := make(map[string]map[string]int)
	for _, e := range req.Entries {
		if _, err := s.repo.GetProduct(ctx, e.ProductID); err != nil {
			return domain.InitialLeftoversResponse{}, err
		}
		if byVendor[e.VendorID] == nil {
			if _, err := s.repo.GetVendor(ctx, e.VendorID); err != nil {
				return domain.InitialLeftoversResponse{}, err
			}
			byVendor[e.VendorID] = make(map[string]int)
		}
		byVendor[e.VendorID][e.ProductID] = e.Qty
	}

	vendorIDs := make([]string, 0, len(byVendor))
	for id := range byVendor {
		vendorIDs = append(vendorIDs, id)
	}
	sort.Strings(vendorIDs)

	resp := domain.InitialLeftoversResponse{Date: req.Date, Tickets: make([]string, 0, len(vendorIDs))}
	for _, vendorID := range vendorIDs {
		ticket, err := s.getOrInitialize(ctx, vendorID, req.Date)
		if err != nil {
			return resp, err
		}
		if err := s.repo.SeedLeftoversPrev(ctx, ticket.ID, byVendor[vendorID]); err != nil {
			return resp, err
		}
		s.logAudit(ctx, domain.AuditInitialLeftovers, "ticket", ticket.ID, fmt.Sprintf("date=%s,products=%d", req.Date, len(byVendor[vendorID])))
		resp.Tickets = append(resp.Tickets, ticket.ID)
	}
	return resp, nil
}
