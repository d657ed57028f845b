package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/ledger"
	"ticketledger/backend/internal/store"
	"ticketledger/backend/internal/xid"
)

// Store keeps every relation in maps behind one RWMutex. Each method holds the
// lock for its whole body, so multi-row writes are atomic.
type Store struct {
	mu             sync.RWMutex
	vendors        map[string]domain.Vendor
	products       map[string]domain.Product
	prices         map[string]map[string]domain.PriceEntry
	settings       *domain.Settings
	tickets        map[string]domain.Ticket
	ticketLines    map[string][]domain.TicketLine
	ticketByVendor map[string]string
	auditLogs      []domain.AuditLog
	users          map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD;
// dev defaults are used with a warning when they are unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		logrus.Warn("memory store: using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"operator", operatorPwd, domain.RoleOperator},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			logrus.WithError(err).Fatalf("memory store: failed to hash seed password for %s", u.username)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store with only the seed user accounts.
func New() *Store {
	return &Store{
		vendors:        make(map[string]domain.Vendor),
		products:       make(map[string]domain.Product),
		prices:         make(map[string]map[string]domain.PriceEntry),
		tickets:        make(map[string]domain.Ticket),
		ticketLines:    make(map[string][]domain.TicketLine),
		ticketByVendor: make(map[string]string),
		auditLogs:      make([]domain.AuditLog, 0, 128),
		users:          seedUsers(),
	}
}

// NewSeeded returns a store with a small demo catalog for local runs.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for i, name := range []string{"Empanada", "Alfajor", "Medialuna", "Chipa"} {
		p := domain.Product{ID: xid.New("prd"), Name: name, Active: true, DisplayOrder: i + 1, CreatedAt: now}
		s.products[p.ID] = p
		s.prices[p.ID] = map[string]domain.PriceEntry{
			"2025-01-01": {ProductID: p.ID, ValidFrom: "2025-01-01", Price: decimal.NewFromFloat(1.5 + float64(i)*0.5), UpdatedAt: now},
		}
	}
	for i, name := range []string{"Rosa", "Julio", "Marta"} {
		v := domain.Vendor{ID: xid.New("vnd"), Name: name, Code: "V00" + string(rune('1'+i)), Active: true, CreatedAt: now}
		s.vendors[v.ID] = v
	}
	return s
}

func vendorDateKey(vendorID, date string) string {
	return vendorID + "|" + date
}

func (s *Store) CreateVendor(_ context.Context, vendor domain.Vendor) (*domain.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vendor.Name == "" || vendor.Code == "" {
		return nil, store.ErrInvalidInput
	}
	for _, existing := range s.vendors {
		if strings.EqualFold(existing.Code, vendor.Code) {
			return nil, store.ErrConflict
		}
	}
	if vendor.ID == "" {
		vendor.ID = xid.New("vnd")
	}
	if vendor.CreatedAt.IsZero() {
		vendor.CreatedAt = time.Now().UTC()
	}
	s.vendors[vendor.ID] = vendor
	created := vendor
	return &created, nil
}

func (s *Store) UpdateVendor(_ context.Context, vendor domain.Vendor) (*domain.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vendors[vendor.ID]; !ok {
		return nil, store.ErrNotFound
	}
	for id, existing := range s.vendors {
		if id != vendor.ID && strings.EqualFold(existing.Code, vendor.Code) {
			return nil, store.ErrConflict
		}
	}
	s.vendors[vendor.ID] = vendor
	updated := vendor
	return &updated, nil
}

func (s *Store) GetVendor(_ context.Context, id string) (*domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vendor, ok := s.vendors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &vendor, nil
}

func (s *Store) ListVendors(_ context.Context, includeInactive bool) ([]domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vendors := make([]domain.Vendor, 0, len(s.vendors))
	for _, v := range s.vendors {
		if !includeInactive && !v.Active {
			continue
		}
		vendors = append(vendors, v)
	}
	slices.SortFunc(vendors, compareVendors)
	return vendors, nil
}

func (s *Store) SearchVendors(_ context.Context, query string) ([]domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	vendors := make([]domain.Vendor, 0)
	for _, v := range s.vendors {
		if !v.Active {
			continue
		}
		if strings.Contains(strings.ToLower(v.Name), needle) || strings.Contains(strings.ToLower(v.Code), needle) {
			vendors = append(vendors, v)
		}
	}
	slices.SortFunc(vendors, compareVendors)
	return vendors, nil
}

func compareVendors(a, b domain.Vendor) int {
	if a.IsFavorite != b.IsFavorite {
		if a.IsFavorite {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Name, b.Name)
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; !exists {
		return nil, store.ErrNotFound
	}
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listProductsLocked(includeInactive), nil
}

func (s *Store) listProductsLocked(includeInactive bool) []domain.Product {
	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !includeInactive && !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.DisplayOrder != b.DisplayOrder {
			return a.DisplayOrder - b.DisplayOrder
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products
}

func (s *Store) UpsertPrice(_ context.Context, entry domain.PriceEntry) (*domain.PriceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[entry.ProductID]; !ok {
		return nil, store.ErrNotFound
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	byDate, ok := s.prices[entry.ProductID]
	if !ok {
		byDate = make(map[string]domain.PriceEntry)
		s.prices[entry.ProductID] = byDate
	}
	byDate[entry.ValidFrom] = entry
	saved := entry
	return &saved, nil
}

func (s *Store) EffectivePrices(_ context.Context, productIDs []string, date string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.effectivePricesLocked(productIDs, date), nil
}

func (s *Store) effectivePricesLocked(productIDs []string, date string) map[string]decimal.Decimal {
	result := make(map[string]decimal.Decimal, len(productIDs))
	for _, id := range productIDs {
		best := ""
		price := decimal.Zero
		for validFrom, entry := range s.prices[id] {
			if validFrom <= date && validFrom > best {
				best = validFrom
				price = entry.Price
			}
		}
		result[id] = price
	}
	return result
}

func (s *Store) ListPriceHistory(_ context.Context, productID string, limit int) ([]domain.PriceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]domain.PriceEntry, 0, len(s.prices[productID]))
	for _, entry := range s.prices[productID] {
		history = append(history, entry)
	}
	slices.SortFunc(history, func(a, b domain.PriceEntry) int {
		return strings.Compare(b.ValidFrom, a.ValidFrom)
	})
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (s *Store) GetOrCreateSettings(_ context.Context, defaults domain.Settings) (*domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings == nil {
		created := defaults
		created.ID = domain.SettingsID
		if created.UpdatedAt.IsZero() {
			created.UpdatedAt = time.Now().UTC()
		}
		s.settings = &created
	}
	current := *s.settings
	return &current, nil
}

func (s *Store) UpdateSettings(_ context.Context, settings domain.Settings) (*domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings.ID = domain.SettingsID
	settings.UpdatedAt = time.Now().UTC()
	s.settings = &settings
	current := settings
	return &current, nil
}

func (s *Store) CreateTicket(_ context.Context, ticket domain.Ticket) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := vendorDateKey(ticket.VendorID, ticket.Date)
	if _, exists := s.ticketByVendor[key]; exists {
		return nil, store.ErrConflict
	}
	if _, ok := s.vendors[ticket.VendorID]; !ok {
		return nil, store.ErrNotFound
	}
	if ticket.ID == "" {
		ticket.ID = xid.New("tkt")
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = time.Now().UTC()
	}

	lines := make([]domain.TicketLine, 0, len(ticket.Lines))
	seen := make(map[string]struct{}, len(ticket.Lines))
	for _, line := range ticket.Lines {
		if _, dup := seen[line.ProductID]; dup {
			continue
		}
		seen[line.ProductID] = struct{}{}
		line.ID = xid.New("ln")
		line.TicketID = ticket.ID
		lines = append(lines, ledger.PriceLine(line))
	}
	ticket.Lines = nil

	ticket, err := ledger.Recompute(ticket, lines)
	if err != nil {
		return nil, err
	}
	s.tickets[ticket.ID] = ticket
	s.ticketLines[ticket.ID] = lines
	s.ticketByVendor[key] = ticket.ID
	return s.ticketLocked(ticket.ID), nil
}

// replaceLinesLocked stores lines and refreshes the owning ticket's totals
// from them.
func (s *Store) replaceLinesLocked(ticketID string, lines []domain.TicketLine) error {
	ticket, err := ledger.Recompute(s.tickets[ticketID], lines)
	if err != nil {
		return err
	}
	s.tickets[ticketID] = ticket
	s.ticketLines[ticketID] = lines
	return nil
}

// ticketLocked returns a deep copy of a ticket with its lines.
func (s *Store) ticketLocked(id string) *domain.Ticket {
	ticket, ok := s.tickets[id]
	if !ok {
		return nil
	}
	ticket.Lines = slices.Clone(s.ticketLines[id])
	if ticket.Lines == nil {
		ticket.Lines = []domain.TicketLine{}
	}
	return &ticket
}

func (s *Store) GetTicket(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket := s.ticketLocked(id)
	if ticket == nil {
		return nil, store.ErrNotFound
	}
	return ticket, nil
}

func (s *Store) FindTicket(_ context.Context, vendorID string, date string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ticketByVendor[vendorDateKey(vendorID, date)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.ticketLocked(id), nil
}

func (s *Store) FindPreviousClosedTicket(_ context.Context, vendorID string, date string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Ticket
	for id, t := range s.tickets {
		if t.VendorID != vendorID || t.Status != domain.TicketClosed || t.Date >= date {
			continue
		}
		if found == nil || t.Date > found.Date {
			found = s.ticketLocked(id)
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

// nextOpenTicketLocked finds the earliest open ticket of vendorID dated after date.
func (s *Store) nextOpenTicketLocked(vendorID string, date string) (string, bool) {
	bestID, bestDate := "", ""
	for id, t := range s.tickets {
		if t.VendorID != vendorID || t.Status != domain.TicketOpen || t.Date <= date {
			continue
		}
		if bestID == "" || t.Date < bestDate {
			bestID, bestDate = id, t.Date
		}
	}
	return bestID, bestID != ""
}

func (s *Store) InsertMissingLines(_ context.Context, ticketID string, lines []domain.TicketLine) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[ticketID]; !ok {
		return 0, store.ErrNotFound
	}
	existing := slices.Clone(s.ticketLines[ticketID])
	have := make(map[string]struct{}, len(existing))
	for _, line := range existing {
		have[line.ProductID] = struct{}{}
	}
	inserted := 0
	for _, line := range lines {
		if _, dup := have[line.ProductID]; dup {
			continue
		}
		have[line.ProductID] = struct{}{}
		line.ID = xid.New("ln")
		line.TicketID = ticketID
		existing = append(existing, line)
		inserted++
	}
	if inserted == 0 {
		return 0, nil
	}
	if err := s.replaceLinesLocked(ticketID, existing); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) SaveOrder(_ context.Context, ticketID string, entries []domain.OrderEntry) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ticket.Status != domain.TicketOpen {
		return nil, store.ErrTicketClosed
	}

	lines := slices.Clone(s.ticketLines[ticketID])
	index := lineIndex(lines)
	for _, entry := range entries {
		i, ok := index[entry.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		lines[i].OrderQty = entry.Qty
		lines[i] = ledger.PriceLine(lines[i])
	}
	if err := s.replaceLinesLocked(ticketID, lines); err != nil {
		return nil, err
	}
	return s.ticketLocked(ticketID), nil
}

func lineIndex(lines []domain.TicketLine) map[string]int {
	index := make(map[string]int, len(lines))
	for i, line := range lines {
		index[line.ProductID] = i
	}
	return index
}

func (s *Store) SetLeftoversNow(_ context.Context, ticketID string, productID string, update domain.LeftoversUpdate) (domain.LeftoversResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := domain.LeftoversResult{ProductID: productID, Attempted: update.Qty}
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return result, store.ErrNotFound
	}
	if ticket.Status != domain.TicketOpen {
		return result, store.ErrTicketClosed
	}
	lines := slices.Clone(s.ticketLines[ticketID])
	i, ok := lineIndex(lines)[productID]
	if !ok {
		return result, store.ErrNotFound
	}

	result.Max = lines[i].MaxLeftovers()
	override := update.Qty > result.Max
	if override && !update.Confirmed {
		result.NeedsConfirm = true
		result.Line = lines[i]
		return result, nil
	}
	if override && strings.TrimSpace(update.Reason) == "" {
		return result, store.ErrOverrideReason
	}

	lines[i].LeftoversNow = update.Qty
	lines[i] = ledger.PriceLine(lines[i])
	if err := s.replaceLinesLocked(ticketID, lines); err != nil {
		return result, err
	}
	if override {
		s.appendAuditLocked(update.OverrideEntry(productID, result.Max))
	}
	result.OK = true
	result.Line = lines[i]
	return result, nil
}

func (s *Store) CloseTicket(_ context.Context, ticketID string, settings domain.Settings, in ledger.CloseInput) (ledger.CloseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.ticketLocked(ticketID)
	if current == nil {
		return ledger.CloseOutcome{}, store.ErrNotFound
	}
	if current.Status == domain.TicketClosed {
		return ledger.CloseOutcome{Ticket: *current, Lines: current.Lines}, store.ErrAlreadyClosed
	}

	lines := current.Lines
	current.Lines = nil
	out, err := ledger.FinalizeClose(*current, lines, settings, in)
	if err != nil || out.Rejected() {
		return out, err
	}

	s.tickets[ticketID] = out.Ticket
	s.ticketLines[ticketID] = slices.Clone(out.Lines)
	return out, nil
}

func (s *Store) ReopenTicket(_ context.Context, ticketID string) (*domain.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if ticket.Status == domain.TicketOpen {
		return s.ticketLocked(ticketID), false, nil
	}
	ticket.Status = domain.TicketOpen
	ticket.ClosedAt = nil
	ticket.ClosedBy = ""
	s.tickets[ticketID] = ticket
	return s.ticketLocked(ticketID), true, nil
}

func (s *Store) ApplyCarryover(_ context.Context, sourceTicketID string, at time.Time) (domain.CarryoverResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := domain.CarryoverResult{SourceTicketID: sourceTicketID, CreditApplied: decimal.Zero}
	source, ok := s.tickets[sourceTicketID]
	if !ok {
		return result, store.ErrNotFound
	}
	if source.Status != domain.TicketClosed {
		return result, store.ErrTicketOpen
	}
	result.AlreadyApplied = source.CarryoverAppliedAt != nil

	targetID, found := s.nextOpenTicketLocked(source.VendorID, source.Date)
	if !found {
		return result, nil
	}
	result.TargetTicketID = targetID

	planned := ledger.PlanCarryover(ledger.CarryMap(s.ticketLines[sourceTicketID]), s.ticketLines[targetID])
	target := s.tickets[targetID]

	if credit, pending := ledger.PendingCredit(source); pending {
		target.PaidAmount = credit
		target.CarriedCredit = credit
		stamp := at.UTC()
		source.CarryoverAppliedAt = &stamp
		result.CreditApplied = credit
	}
	target, err := ledger.Recompute(target, planned)
	if err != nil {
		return result, err
	}

	s.ticketLines[targetID] = planned
	s.tickets[targetID] = target
	s.tickets[sourceTicketID] = source
	result.LinesUpdated = len(planned)
	return result, nil
}

func (s *Store) ListLineRefsByProduct(_ context.Context, productID string) ([]ledger.LineRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]ledger.LineRef, 0)
	for ticketID, lines := range s.ticketLines {
		for _, line := range lines {
			if line.ProductID == productID {
				refs = append(refs, ledger.LineRef{TicketID: ticketID, LineID: line.ID, SoldQty: line.SoldQty})
			}
		}
	}
	return refs, nil
}

func (s *Store) RepriceTicket(_ context.Context, ticketID string, productID string, price decimal.Decimal) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return 0, store.ErrNotFound
	}
	repriced, touched := ledger.RepriceLines(s.ticketLines[ticketID], productID, price)
	if !touched {
		return 0, nil
	}
	ticket, err := ledger.Recompute(ticket, repriced)
	if err != nil {
		return 0, err
	}
	s.ticketLines[ticketID] = repriced
	s.tickets[ticketID] = ticket

	count := 0
	for _, line := range repriced {
		if line.ProductID == productID {
			count++
		}
	}
	return count, nil
}

func (s *Store) ReplaceLineQuantities(_ context.Context, ticketID string, entries []domain.HistoricalLine, prices map[string]decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return false, store.ErrNotFound
	}
	reopened := ticket.Status == domain.TicketClosed
	if reopened {
		ticket.Status = domain.TicketOpen
		ticket.ClosedAt = nil
		ticket.ClosedBy = ""
	}

	byProduct := make(map[string]domain.HistoricalLine, len(entries))
	for _, entry := range entries {
		byProduct[entry.ProductID] = entry
	}
	lines := slices.Clone(s.ticketLines[ticketID])
	for i, line := range lines {
		entry := byProduct[line.ProductID]
		line.LeftoversPrev = entry.LeftoversPrev
		line.OrderQty = entry.OrderQty
		line.LeftoversNow = entry.LeftoversNow
		if price, ok := prices[line.ProductID]; ok {
			line.UnitPriceUsed = price
		}
		lines[i] = ledger.PriceLine(line)
	}
	recomputed, err := ledger.Recompute(ticket, lines)
	if err != nil {
		return false, err
	}
	s.tickets[ticketID] = recomputed
	s.ticketLines[ticketID] = lines
	return reopened, nil
}

func (s *Store) SeedLeftoversPrev(_ context.Context, ticketID string, qtyByProduct map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[ticketID]; !ok {
		return store.ErrNotFound
	}
	lines := slices.Clone(s.ticketLines[ticketID])
	for i, line := range lines {
		if p, ok := s.products[line.ProductID]; !ok || !p.Active {
			continue
		}
		line.LeftoversPrev = qtyByProduct[line.ProductID]
		lines[i] = ledger.PriceLine(line)
	}
	return s.replaceLinesLocked(ticketID, lines)
}

func (s *Store) ListVendorTickets(_ context.Context, vendorID string, limit int) ([]domain.VendorTicketSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.VendorTicketSummary, 0)
	for _, t := range s.tickets {
		if t.VendorID != vendorID {
			continue
		}
		result = append(result, summarize(t))
	}
	slices.SortFunc(result, func(a, b domain.VendorTicketSummary) int {
		return strings.Compare(b.Date, a.Date)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func summarize(t domain.Ticket) domain.VendorTicketSummary {
	return domain.VendorTicketSummary{
		ID:            t.ID,
		Date:          t.Date,
		Status:        t.Status,
		Total:         t.Total,
		Balance:       t.Balance,
		PaymentStatus: t.PaymentStatus,
	}
}

func (s *Store) ListTicketsByDate(_ context.Context, date string) ([]domain.DailyTicketRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.DailyTicketRow, 0)
	for id, t := range s.tickets {
		if t.Date != date {
			continue
		}
		vendor := s.vendors[t.VendorID]
		ordered := 0
		for _, line := range s.ticketLines[id] {
			ordered += line.OrderQty
		}
		rows = append(rows, domain.DailyTicketRow{
			VendorTicketSummary: summarize(t),
			VendorID:            t.VendorID,
			VendorName:          vendor.Name,
			VendorCode:          vendor.Code,
			PaidAmount:          t.PaidAmount,
			CarryoverCredit:     t.CarryoverCredit,
			OrderedUnits:        ordered,
		})
	}
	slices.SortFunc(rows, func(a, b domain.DailyTicketRow) int {
		return strings.Compare(a.VendorName, b.VendorName)
	})
	return rows, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendAuditLocked(entry)
	return nil
}

func (s *Store) appendAuditLocked(entry domain.AuditLog) {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
}

func (s *Store) ListAuditLogs(_ context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make(map[string]struct{}, len(filter.EntityIDs))
	for _, id := range filter.EntityIDs {
		ids[id] = struct{}{}
	}

	result := make([]domain.AuditLog, 0)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if filter.EntityType != "" && entry.EntityType != filter.EntityType {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if len(ids) > 0 {
			if _, ok := ids[entry.EntityID]; !ok {
				continue
			}
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return store.ErrConflict
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}
