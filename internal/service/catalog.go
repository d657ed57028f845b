package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/ledger"
	"ticketledger/backend/internal/lock"
	"ticketledger/backend/internal/store"
)

func (s *Service) ListVendors(ctx context.Context, includeInactive bool) ([]domain.Vendor, error) {
	return s.repo.ListVendors(ctx, includeInactive)
}

func (s *Service) SearchVendors(ctx context.Context, query string) ([]domain.Vendor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.repo.ListVendors(ctx, false)
	}
	return s.repo.SearchVendors(ctx, query)
}

func (s *Service) GetVendor(ctx context.Context, id string) (domain.Vendor, error) {
	vendor, err := s.repo.GetVendor(ctx, id)
	if err != nil {
		return domain.Vendor{}, err
	}
	return *vendor, nil
}

func (s *Service) CreateVendor(ctx context.Context, req domain.VendorCreateRequest) (domain.Vendor, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Vendor{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	if err := s.validateStruct(req); err != nil {
		return domain.Vendor{}, err
	}

	vendor := domain.Vendor{
		Name:       req.Name,
		Code:       req.Code,
		Active:     req.Active == nil || *req.Active,
		IsFavorite: req.IsFavorite,
		CreatedAt:  s.now().UTC(),
	}

	generated := vendor.Code == ""
	for attempt := 0; ; attempt++ {
		if generated {
			code, err := s.nextVendorCode(ctx)
			if err != nil {
				return domain.Vendor{}, err
			}
			vendor.Code = code
		}
		created, err := s.repo.CreateVendor(ctx, vendor)
		if errors.Is(err, store.ErrConflict) && generated && attempt == 0 {
			continue
		}
		if err != nil {
			return domain.Vendor{}, err
		}
		return *created, nil
	}
}

func (s *Service) nextVendorCode(ctx context.Context) (string, error) {
	vendors, err := s.repo.ListVendors(ctx, true)
	if err != nil {
		return "", err
	}
	codes := make([]string, 0, len(vendors))
	for _, v := range vendors {
		codes = append(codes, v.Code)
	}
	return NextVendorCode(codes), nil
}

// NextVendorCode returns V### one above the highest numeric V code in use,
// skipping any code that is already taken.
func NextVendorCode(existing []string) string {
	taken := make(map[string]struct{}, len(existing))
	highest := 0
	for _, code := range existing {
		code = strings.ToUpper(strings.TrimSpace(code))
		taken[code] = struct{}{}
		if !strings.HasPrefix(code, "V") {
			continue
		}
		if n, err := strconv.Atoi(code[1:]); err == nil && n > highest {
			highest = n
		}
	}
	for n := highest + 1; ; n++ {
		code := fmt.Sprintf("V%03d", n)
		if _, ok := taken[code]; !ok {
			return code
		}
	}
}

func (s *Service) UpdateVendor(ctx context.Context, id string, req domain.VendorUpdateRequest) (domain.Vendor, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Vendor{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.Vendor{}, err
	}

	existing, err := s.repo.GetVendor(ctx, id)
	if err != nil {
		return domain.Vendor{}, err
	}
	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if len(name) < 2 {
			return domain.Vendor{}, invalid("name", "min")
		}
		updated.Name = name
	}
	if req.Code != nil {
		code := strings.ToUpper(strings.TrimSpace(*req.Code))
		if code == "" {
			return domain.Vendor{}, invalid("code", "required")
		}
		updated.Code = code
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.IsFavorite != nil {
		updated.IsFavorite = *req.IsFavorite
	}

	saved, err := s.repo.UpdateVendor(ctx, updated)
	if err != nil {
		return domain.Vendor{}, err
	}
	return *saved, nil
}

func (s *Service) SetVendorFavorite(ctx context.Context, id string, favorite bool) (domain.Vendor, error) {
	return s.UpdateVendor(ctx, id, domain.VendorUpdateRequest{IsFavorite: &favorite})
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateStruct(req); err != nil {
		return domain.Product{}, err
	}
	if req.InitialPrice != nil && !req.InitialPrice.IsPositive() {
		return domain.Product{}, invalid("initial_price", "gt")
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:         req.Name,
		Active:       true,
		DisplayOrder: req.DisplayOrder,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialPrice != nil {
		from := req.PriceFrom
		if from == "" {
			from = s.today()
		}
		if _, err := s.repo.UpsertPrice(ctx, domain.PriceEntry{
			ProductID: created.ID,
			ValidFrom: from,
			Price:     ledger.Round2(*req.InitialPrice),
			UpdatedAt: s.now().UTC(),
		}); err != nil {
			return domain.Product{}, err
		}
		s.logAudit(ctx, domain.AuditPriceSet, "product", created.ID, fmt.Sprintf("valid_from=%s,price=%s", from, req.InitialPrice.StringFixed(2)))
	}
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, invalid("name", "required")
		}
		updated.Name = name
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.DisplayOrder != nil {
		updated.DisplayOrder = *req.DisplayOrder
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	return *saved, nil
}

// EffectivePrice resolves the price in force for a product on date, zero
// when no entry applies yet.
func (s *Service) EffectivePrice(ctx context.Context, productID string, date string) (decimal.Decimal, error) {
	if err := validateDate("date", date); err != nil {
		return decimal.Zero, err
	}
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return decimal.Zero, err
	}
	prices, err := s.repo.EffectivePrices(ctx, []string{productID}, date)
	if err != nil {
		return decimal.Zero, err
	}
	return prices[productID], nil
}

func (s *Service) ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.PriceEntry, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListPriceHistory(ctx, productID, limit)
}

// SetProductPrice upserts the (product, validFrom) entry and then re-prices
// every existing line of the product. A failure in the cascade leaves the
// tickets already rewritten intact; calling again finishes the job.
func (s *Service) SetProductPrice(ctx context.Context, productID string, req domain.SetPriceRequest) (domain.SetPriceResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.SetPriceResponse{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.SetPriceResponse{}, err
	}
	if err := validateDate("valid_from", req.ValidFrom); err != nil {
		return domain.SetPriceResponse{}, err
	}
	if !req.Price.IsPositive() {
		return domain.SetPriceResponse{}, invalid("price", "gt")
	}
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return domain.SetPriceResponse{}, err
	}

	release, err := s.locker.Obtain(ctx, lock.KindPrice, productID)
	if err != nil {
		return domain.SetPriceResponse{}, err
	}
	defer release()

	price := ledger.Round2(req.Price)
	entry, err := s.repo.UpsertPrice(ctx, domain.PriceEntry{
		ProductID: productID,
		ValidFrom: req.ValidFrom,
		Price:     price,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return domain.SetPriceResponse{}, err
	}
	s.logAudit(ctx, domain.AuditPriceSet, "product", productID, fmt.Sprintf("valid_from=%s,price=%s", req.ValidFrom, price.StringFixed(2)))

	tickets, lines, err := s.cascadePrice(ctx, productID, price)
	resp := domain.SetPriceResponse{Entry: *entry, TicketsUpdated: tickets, LinesUpdated: lines}
	if err != nil {
		return resp, fmt.Errorf("price cascade stopped after %d tickets: %w", tickets, err)
	}
	return resp, nil
}

// cascadePrice plans the write groups from the current line set, then
// rewrites one ticket per store transaction.
func (s *Service) cascadePrice(ctx context.Context, productID string, price decimal.Decimal) (int, int, error) {
	refs, err := s.repo.ListLineRefsByProduct(ctx, productID)
	if err != nil {
		return 0, 0, err
	}

	tickets, lines := 0, 0
	for _, batch := range ledger.PlanReprice(refs) {
		n, err := s.repo.RepriceTicket(ctx, batch.TicketID, productID, price)
		if err != nil {
			return tickets, lines, err
		}
		if n > 0 {
			tickets++
			lines += n
		}
	}
	return tickets, lines, nil
}
