package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/ledger"
	"ticketledger/backend/internal/store"
	"ticketledger/backend/internal/xid"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(logrus.StandardLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateVendor(ctx context.Context, vendor domain.Vendor) (*domain.Vendor, error) {
	if vendor.Name == "" || vendor.Code == "" {
		return nil, store.ErrInvalidInput
	}
	if vendor.ID == "" {
		vendor.ID = xid.New("vnd")
	}
	if vendor.CreatedAt.IsZero() {
		vendor.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vendors (id, name, code, active, is_favorite, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, vendor.ID, vendor.Name, vendor.Code, vendor.Active, vendor.IsFavorite, vendor.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := vendor
	return &created, nil
}

func (s *Store) UpdateVendor(ctx context.Context, vendor domain.Vendor) (*domain.Vendor, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE vendors
		SET name = $2, code = $3, active = $4, is_favorite = $5
		WHERE id = $1
	`, vendor.ID, vendor.Name, vendor.Code, vendor.Active, vendor.IsFavorite)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if err := expectRow(res); err != nil {
		return nil, err
	}
	return s.GetVendor(ctx, vendor.ID)
}

const vendorColumns = `id, name, code, active, is_favorite, created_at`

func scanVendor(row interface{ Scan(...any) error }) (domain.Vendor, error) {
	var v domain.Vendor
	err := row.Scan(&v.ID, &v.Name, &v.Code, &v.Active, &v.IsFavorite, &v.CreatedAt)
	return v, err
}

func (s *Store) GetVendor(ctx context.Context, id string) (*domain.Vendor, error) {
	v, err := scanVendor(s.db.QueryRowContext(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVendors(ctx context.Context, includeInactive bool) ([]domain.Vendor, error) {
	return s.queryVendors(ctx, `
		SELECT `+vendorColumns+`
		FROM vendors
		WHERE active OR $1
		ORDER BY is_favorite DESC, name
	`, includeInactive)
}

func (s *Store) SearchVendors(ctx context.Context, query string) ([]domain.Vendor, error) {
	return s.queryVendors(ctx, `
		SELECT `+vendorColumns+`
		FROM vendors
		WHERE active AND (name ILIKE '%' || $1 || '%' OR code ILIKE '%' || $1 || '%')
		ORDER BY is_favorite DESC, name
	`, strings.TrimSpace(query))
}

func (s *Store) queryVendors(ctx context.Context, query string, args ...any) ([]domain.Vendor, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vendors := make([]domain.Vendor, 0, 32)
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		vendors = append(vendors, v)
	}
	return vendors, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, active, display_order, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, product.ID, product.Name, product.Active, product.DisplayOrder, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, active = $3, display_order = $4
		WHERE id = $1
	`, product.ID, product.Name, product.Active, product.DisplayOrder)
	if err != nil {
		return nil, err
	}
	if err := expectRow(res); err != nil {
		return nil, err
	}
	return s.GetProduct(ctx, product.ID)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, active, display_order, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Active, &p.DisplayOrder, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, display_order, created_at
		FROM products
		WHERE active OR $1
		ORDER BY display_order, name
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Active, &p.DisplayOrder, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) UpsertPrice(ctx context.Context, entry domain.PriceEntry) (*domain.PriceEntry, error) {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO price_history (product_id, valid_from, price, updated_at)
		VALUES ($1, $2::date, $3, $4)
		ON CONFLICT (product_id, valid_from)
		DO UPDATE SET price = EXCLUDED.price, updated_at = EXCLUDED.updated_at
		RETURNING product_id, valid_from::text, price, updated_at
	`, entry.ProductID, entry.ValidFrom, entry.Price, entry.UpdatedAt).Scan(&entry.ProductID, &entry.ValidFrom, &entry.Price, &entry.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Store) EffectivePrices(ctx context.Context, productIDs []string, date string) (map[string]decimal.Decimal, error) {
	return effectivePrices(ctx, s.db, productIDs, date)
}

func effectivePrices(ctx context.Context, q querier, productIDs []string, date string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal, len(productIDs))
	for _, id := range productIDs {
		result[id] = decimal.Zero
	}
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT ON (product_id) product_id, price
		FROM price_history
		WHERE product_id = ANY($1) AND valid_from <= $2::date
		ORDER BY product_id, valid_from DESC
	`, productIDs, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var price decimal.Decimal
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		result[id] = price
	}
	return result, rows.Err()
}

func (s *Store) ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.PriceEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, valid_from::text, price, updated_at
		FROM price_history
		WHERE product_id = $1
		ORDER BY valid_from DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.PriceEntry, 0, limit)
	for rows.Next() {
		var e domain.PriceEntry
		if err := rows.Scan(&e.ProductID, &e.ValidFrom, &e.Price, &e.UpdatedAt); err != nil {
			return nil, err
		}
		history = append(history, e)
	}
	return history, rows.Err()
}

// GetOrCreateSettings relies on the primary key: concurrent first readers all
// insert with DO NOTHING and then read whichever row won.
func (s *Store) GetOrCreateSettings(ctx context.Context, defaults domain.Settings) (*domain.Settings, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, battery_mode, battery_unit_price, battery_qty, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (id) DO NOTHING
	`, domain.SettingsID, string(defaults.BatteryMode), defaults.BatteryUnitPrice, defaults.BatteryQty); err != nil {
		return nil, err
	}
	return s.getSettings(ctx)
}

func (s *Store) getSettings(ctx context.Context) (*domain.Settings, error) {
	var st domain.Settings
	var mode string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, battery_mode, battery_unit_price, battery_qty, updated_at
		FROM settings
		WHERE id = $1
	`, domain.SettingsID).Scan(&st.ID, &mode, &st.BatteryUnitPrice, &st.BatteryQty, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	st.BatteryMode = domain.BatteryMode(mode)
	return &st, nil
}

func (s *Store) UpdateSettings(ctx context.Context, settings domain.Settings) (*domain.Settings, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, battery_mode, battery_unit_price, battery_qty, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (id) DO UPDATE
		SET battery_mode = EXCLUDED.battery_mode,
			battery_unit_price = EXCLUDED.battery_unit_price,
			battery_qty = EXCLUDED.battery_qty,
			updated_at = EXCLUDED.updated_at
	`, domain.SettingsID, string(settings.BatteryMode), settings.BatteryUnitPrice, settings.BatteryQty); err != nil {
		return nil, err
	}
	return s.getSettings(ctx)
}

const ticketColumns = `
	id, vendor_id, date::text, status, battery_mode, battery_unit_price, battery_qty,
	total, paid_amount, balance, payment_status, leftovers_reported, carryover_credit,
	carryover_applied_at, carried_credit, created_by, closed_by, closed_at, created_at`

func scanTicket(row interface{ Scan(...any) error }) (domain.Ticket, error) {
	var t domain.Ticket
	var status, mode, paymentStatus string
	var appliedAt, closedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.VendorID, &t.Date, &status, &mode, &t.BatteryUnitPrice, &t.BatteryQty,
		&t.Total, &t.PaidAmount, &t.Balance, &paymentStatus, &t.LeftoversReported, &t.CarryoverCredit,
		&appliedAt, &t.CarriedCredit, &t.CreatedBy, &t.ClosedBy, &closedAt, &t.CreatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Status = domain.TicketStatus(status)
	t.BatteryMode = domain.BatteryMode(mode)
	t.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if appliedAt.Valid {
		at := appliedAt.Time.UTC()
		t.CarryoverAppliedAt = &at
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		t.ClosedAt = &at
	}
	return t, nil
}

func getTicket(ctx context.Context, q querier, id string, forUpdate bool) (domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTicket(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, store.ErrNotFound
		}
		return t, err
	}
	return t, nil
}

func loadLines(ctx context.Context, q querier, ticketID string) ([]domain.TicketLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT l.id, l.ticket_id, l.product_id, l.leftovers_prev, l.order_qty, l.leftovers_now,
			l.sold_qty, l.unit_price_used, l.subtotal
		FROM ticket_lines l
		JOIN products p ON p.id = l.product_id
		WHERE l.ticket_id = $1
		ORDER BY p.display_order, p.name
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.TicketLine, 0, 16)
	for rows.Next() {
		var l domain.TicketLine
		if err := rows.Scan(&l.ID, &l.TicketID, &l.ProductID, &l.LeftoversPrev, &l.OrderQty, &l.LeftoversNow,
			&l.SoldQty, &l.UnitPriceUsed, &l.Subtotal); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func getTicketWithLines(ctx context.Context, q querier, id string) (*domain.Ticket, error) {
	t, err := getTicket(ctx, q, id, false)
	if err != nil {
		return nil, err
	}
	lines, err := loadLines(ctx, q, id)
	if err != nil {
		return nil, err
	}
	t.Lines = lines
	return &t, nil
}

func writeLines(ctx context.Context, tx *sql.Tx, lines []domain.TicketLine) error {
	for _, l := range lines {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ticket_lines
			SET leftovers_prev = $2, order_qty = $3, leftovers_now = $4,
				sold_qty = $5, unit_price_used = $6, subtotal = $7
			WHERE id = $1
		`, l.ID, l.LeftoversPrev, l.OrderQty, l.LeftoversNow, l.SoldQty, l.UnitPriceUsed, l.Subtotal); err != nil {
			return err
		}
	}
	return nil
}

func writeTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = $2, battery_mode = $3, battery_unit_price = $4, battery_qty = $5,
			total = $6, paid_amount = $7, balance = $8, payment_status = $9,
			leftovers_reported = $10, carryover_credit = $11, carryover_applied_at = $12,
			carried_credit = $13, closed_by = $14, closed_at = $15
		WHERE id = $1
	`, t.ID, string(t.Status), string(t.BatteryMode), t.BatteryUnitPrice, t.BatteryQty,
		t.Total, t.PaidAmount, t.Balance, string(t.PaymentStatus),
		t.LeftoversReported, t.CarryoverCredit, nullTime(t.CarryoverAppliedAt),
		t.CarriedCredit, t.ClosedBy, nullTime(t.ClosedAt))
	return err
}

// rewriteLines persists lines and the ticket recomputed from them.
func rewriteLines(ctx context.Context, tx *sql.Tx, t domain.Ticket, lines []domain.TicketLine) (domain.Ticket, error) {
	recomputed, err := ledger.Recompute(t, lines)
	if err != nil {
		return t, err
	}
	if err := writeLines(ctx, tx, lines); err != nil {
		return t, err
	}
	if err := writeTicket(ctx, tx, recomputed); err != nil {
		return t, err
	}
	return recomputed, nil
}

func (s *Store) CreateTicket(ctx context.Context, ticket domain.Ticket) (*domain.Ticket, error) {
	if ticket.ID == "" {
		ticket.ID = xid.New("tkt")
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = time.Now().UTC()
	}
	lines := make([]domain.TicketLine, 0, len(ticket.Lines))
	for _, line := range ticket.Lines {
		line.ID = xid.New("ln")
		line.TicketID = ticket.ID
		lines = append(lines, ledger.PriceLine(line))
	}
	ticket, err := ledger.Recompute(ticket, lines)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (
			id, vendor_id, date, status, battery_mode, battery_unit_price, battery_qty,
			total, paid_amount, balance, payment_status, leftovers_reported, carryover_credit,
			carried_credit, created_by, created_at
		) VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, ticket.ID, ticket.VendorID, ticket.Date, string(ticket.Status), string(ticket.BatteryMode),
		ticket.BatteryUnitPrice, ticket.BatteryQty, ticket.Total, ticket.PaidAmount, ticket.Balance,
		string(ticket.PaymentStatus), ticket.LeftoversReported, ticket.CarryoverCredit,
		ticket.CarriedCredit, ticket.CreatedBy, ticket.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if _, err := insertLines(ctx, tx, lines); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return getTicketWithLines(ctx, s.db, ticket.ID)
}

func insertLines(ctx context.Context, tx *sql.Tx, lines []domain.TicketLine) (int, error) {
	inserted := 0
	for _, l := range lines {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_lines (
				id, ticket_id, product_id, leftovers_prev, order_qty, leftovers_now,
				sold_qty, unit_price_used, subtotal
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (ticket_id, product_id) DO NOTHING
		`, l.ID, l.TicketID, l.ProductID, l.LeftoversPrev, l.OrderQty, l.LeftoversNow,
			l.SoldQty, l.UnitPriceUsed, l.Subtotal)
		if err != nil {
			return inserted, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(affected)
	}
	return inserted, nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	return getTicketWithLines(ctx, s.db, id)
}

func (s *Store) FindTicket(ctx context.Context, vendorID string, date string) (*domain.Ticket, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tickets WHERE vendor_id = $1 AND date = $2::date
	`, vendorID, date).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return getTicketWithLines(ctx, s.db, id)
}

func (s *Store) FindPreviousClosedTicket(ctx context.Context, vendorID string, date string) (*domain.Ticket, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tickets
		WHERE vendor_id = $1 AND status = 'CLOSED' AND date < $2::date
		ORDER BY date DESC
		LIMIT 1
	`, vendorID, date).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return getTicketWithLines(ctx, s.db, id)
}

func (s *Store) InsertMissingLines(ctx context.Context, ticketID string, lines []domain.TicketLine) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ticket, err := getTicket(ctx, tx, ticketID, true)
	if err != nil {
		return 0, err
	}
	prepared := make([]domain.TicketLine, 0, len(lines))
	for _, line := range lines {
		line.ID = xid.New("ln")
		line.TicketID = ticketID
		prepared = append(prepared, ledger.PriceLine(line))
	}
	inserted, err := insertLines(ctx, tx, prepared)
	if err != nil {
		return 0, err
	}
	if inserted == 0 {
		return 0, nil
	}

	current, err := loadLines(ctx, tx, ticketID)
	if err != nil {
		return 0, err
	}
	if _, err := rewriteLines(ctx, tx, ticket, current); err != nil {
		return 0, err
	}
	return inserted, tx.Commit()
}

// openTicketForEdit locks a ticket and fails with ErrTicketClosed unless it is open.
func openTicketForEdit(ctx context.Context, tx *sql.Tx, ticketID string) (domain.Ticket, []domain.TicketLine, error) {
	ticket, err := getTicket(ctx, tx, ticketID, true)
	if err != nil {
		return ticket, nil, err
	}
	if ticket.Status != domain.TicketOpen {
		return ticket, nil, store.ErrTicketClosed
	}
	lines, err := loadLines(ctx, tx, ticketID)
	return ticket, lines, err
}

func (s *Store) SaveOrder(ctx context.Context, ticketID string, entries []domain.OrderEntry) (*domain.Ticket, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ticket, lines, err := openTicketForEdit(ctx, tx, ticketID)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(lines))
	for i, l := range lines {
		index[l.ProductID] = i
	}
	for _, entry := range entries {
		i, ok := index[entry.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		lines[i].OrderQty = entry.Qty
		lines[i] = ledger.PriceLine(lines[i])
	}
	if _, err := rewriteLines(ctx, tx, ticket, lines); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return getTicketWithLines(ctx, s.db, ticketID)
}

func (s *Store) SetLeftoversNow(ctx context.Context, ticketID string, productID string, update domain.LeftoversUpdate) (domain.LeftoversResult, error) {
	result := domain.LeftoversResult{ProductID: productID, Attempted: update.Qty}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return result, err
	}
	defer func() { _ = tx.Rollback() }()

	ticket, lines, err := openTicketForEdit(ctx, tx, ticketID)
	if err != nil {
		return result, err
	}
	target := -1
	for i, l := range lines {
		if l.ProductID == productID {
			target = i
			break
		}
	}
	if target < 0 {
		return result, store.ErrNotFound
	}

	result.Max = lines[target].MaxLeftovers()
	override := update.Qty > result.Max
	if override && !update.Confirmed {
		result.NeedsConfirm = true
		result.Line = lines[target]
		return result, nil
	}
	if override && strings.TrimSpace(update.Reason) == "" {
		return result, store.ErrOverrideReason
	}

	lines[target].LeftoversNow = update.Qty
	lines[target] = ledger.PriceLine(lines[target])
	if _, err := rewriteLines(ctx, tx, ticket, lines); err != nil {
		return result, err
	}
	if override {
		if err := insertAuditLog(ctx, tx, update.OverrideEntry(productID, result.Max)); err != nil {
			return result, err
		}
	}
	if err := tx.Commit(); err != nil {
		return result, err
	}
	result.OK = true
	result.Line = lines[target]
	return result, nil
}

// CloseTicket holds the ticket row lock for the whole computation, so a
// second concurrent close blocks and then observes CLOSED.
func (s *Store) CloseTicket(ctx context.Context, ticketID string, settings domain.Settings, in ledger.CloseInput) (ledger.CloseOutcome, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return ledger.CloseOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	ticket, err := getTicket(ctx, tx, ticketID, true)
	if err != nil {
		return ledger.CloseOutcome{}, err
	}
	lines, err := loadLines(ctx, tx, ticketID)
	if err != nil {
		return ledger.CloseOutcome{}, err
	}
	if ticket.Status == domain.TicketClosed {
		return ledger.CloseOutcome{Ticket: ticket, Lines: lines}, store.ErrAlreadyClosed
	}

	out, err := ledger.FinalizeClose(ticket, lines, settings, in)
	if err != nil || out.Rejected() {
		return out, err
	}
	if err := writeLines(ctx, tx, out.Lines); err != nil {
		return ledger.CloseOutcome{}, err
	}
	if err := writeTicket(ctx, tx, out.Ticket); err != nil {
		return ledger.CloseOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.CloseOutcome{}, err
	}
	return out, nil
}

func (s *Store) ReopenTicket(ctx context.Context, ticketID string) (*domain.Ticket, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET status = 'OPEN', closed_at = NULL, closed_by = ''
		WHERE id = $1 AND status = 'CLOSED'
	`, ticketID)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	ticket, err := getTicketWithLines(ctx, s.db, ticketID)
	if err != nil {
		return nil, false, err
	}
	return ticket, affected > 0, nil
}

func (s *Store) ApplyCarryover(ctx context.Context, sourceTicketID string, at time.Time) (domain.CarryoverResult, error) {
	result := domain.CarryoverResult{SourceTicketID: sourceTicketID, CreditApplied: decimal.Zero}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return result, err
	}
	defer func() { _ = tx.Rollback() }()

	source, err := getTicket(ctx, tx, sourceTicketID, true)
	if err != nil {
		return result, err
	}
	if source.Status != domain.TicketClosed {
		return result, store.ErrTicketOpen
	}
	result.AlreadyApplied = source.CarryoverAppliedAt != nil

	var targetID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tickets
		WHERE vendor_id = $1 AND status = 'OPEN' AND date > $2::date
		ORDER BY date ASC
		LIMIT 1
		FOR UPDATE
	`, source.VendorID, source.Date).Scan(&targetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, nil
		}
		return result, err
	}
	result.TargetTicketID = targetID

	target, err := getTicket(ctx, tx, targetID, false)
	if err != nil {
		return result, err
	}
	sourceLines, err := loadLines(ctx, tx, sourceTicketID)
	if err != nil {
		return result, err
	}
	targetLines, err := loadLines(ctx, tx, targetID)
	if err != nil {
		return result, err
	}

	planned := ledger.PlanCarryover(ledger.CarryMap(sourceLines), targetLines)
	if credit, pending := ledger.PendingCredit(source); pending {
		target.PaidAmount = credit
		target.CarriedCredit = credit
		stamp := at.UTC()
		source.CarryoverAppliedAt = &stamp
		result.CreditApplied = credit
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET carryover_applied_at = $2 WHERE id = $1 AND carryover_applied_at IS NULL
		`, source.ID, stamp); err != nil {
			return result, err
		}
	}
	if _, err := rewriteLines(ctx, tx, target, planned); err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, err
	}
	result.LinesUpdated = len(planned)
	return result, nil
}

func (s *Store) ListLineRefsByProduct(ctx context.Context, productID string) ([]ledger.LineRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket_id, id, sold_qty FROM ticket_lines WHERE product_id = $1
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make([]ledger.LineRef, 0, 64)
	for rows.Next() {
		var ref ledger.LineRef
		if err := rows.Scan(&ref.TicketID, &ref.LineID, &ref.SoldQty); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *Store) RepriceTicket(ctx context.Context, ticketID string, productID string, price decimal.Decimal) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ticket, err := getTicket(ctx, tx, ticketID, true)
	if err != nil {
		return 0, err
	}
	lines, err := loadLines(ctx, tx, ticketID)
	if err != nil {
		return 0, err
	}
	repriced, touched := ledger.RepriceLines(lines, productID, price)
	if !touched {
		return 0, nil
	}
	if _, err := rewriteLines(ctx, tx, ticket, repriced); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	count := 0
	for _, l := range repriced {
		if l.ProductID == productID {
			count++
		}
	}
	return count, nil
}

func (s *Store) ReplaceLineQuantities(ctx context.Context, ticketID string, entries []domain.HistoricalLine, prices map[string]decimal.Decimal) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ticket, err := getTicket(ctx, tx, ticketID, true)
	if err != nil {
		return false, err
	}
	reopened := ticket.Status == domain.TicketClosed
	if reopened {
		ticket.Status = domain.TicketOpen
		ticket.ClosedAt = nil
		ticket.ClosedBy = ""
	}
	lines, err := loadLines(ctx, tx, ticketID)
	if err != nil {
		return false, err
	}

	byProduct := make(map[string]domain.HistoricalLine, len(entries))
	for _, e := range entries {
		byProduct[e.ProductID] = e
	}
	for i, l := range lines {
		e := byProduct[l.ProductID]
		l.LeftoversPrev = e.LeftoversPrev
		l.OrderQty = e.OrderQty
		l.LeftoversNow = e.LeftoversNow
		if price, ok := prices[l.ProductID]; ok {
			l.UnitPriceUsed = price
		}
		lines[i] = ledger.PriceLine(l)
	}
	if _, err := rewriteLines(ctx, tx, ticket, lines); err != nil {
		return false, err
	}
	return reopened, tx.Commit()
}

func (s *Store) SeedLeftoversPrev(ctx context.Context, ticketID string, qtyByProduct map[string]int) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ticket, err := getTicket(ctx, tx, ticketID, true)
	if err != nil {
		return err
	}
	lines, err := loadLines(ctx, tx, ticketID)
	if err != nil {
		return err
	}
	active := make(map[string]bool, len(lines))
	rows, err := tx.QueryContext(ctx, `
		SELECT p.id FROM products p JOIN ticket_lines l ON l.product_id = p.id
		WHERE l.ticket_id = $1 AND p.active
	`, ticketID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		active[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for i, l := range lines {
		if !active[l.ProductID] {
			continue
		}
		l.LeftoversPrev = qtyByProduct[l.ProductID]
		lines[i] = ledger.PriceLine(l)
	}
	if _, err := rewriteLines(ctx, tx, ticket, lines); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListVendorTickets(ctx context.Context, vendorID string, limit int) ([]domain.VendorTicketSummary, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, date::text, status, total, balance, payment_status
		FROM tickets
		WHERE vendor_id = $1
		ORDER BY date DESC
		LIMIT $2
	`, vendorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.VendorTicketSummary, 0, limit)
	for rows.Next() {
		var r domain.VendorTicketSummary
		var status, paymentStatus string
		if err := rows.Scan(&r.ID, &r.Date, &status, &r.Total, &r.Balance, &paymentStatus); err != nil {
			return nil, err
		}
		r.Status = domain.TicketStatus(status)
		r.PaymentStatus = domain.PaymentStatus(paymentStatus)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) ListTicketsByDate(ctx context.Context, date string) ([]domain.DailyTicketRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.date::text, t.status, t.total, t.balance, t.payment_status,
			v.id, v.name, v.code, t.paid_amount, t.carryover_credit,
			COALESCE((SELECT SUM(l.order_qty) FROM ticket_lines l WHERE l.ticket_id = t.id), 0)
		FROM tickets t
		JOIN vendors v ON v.id = t.vendor_id
		WHERE t.date = $1::date
		ORDER BY v.name
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.DailyTicketRow, 0, 32)
	for rows.Next() {
		var r domain.DailyTicketRow
		var status, paymentStatus string
		if err := rows.Scan(&r.ID, &r.Date, &status, &r.Total, &r.Balance, &paymentStatus,
			&r.VendorID, &r.VendorName, &r.VendorCode, &r.PaidAmount, &r.CarryoverCredit, &r.OrderedUnits); err != nil {
			return nil, err
		}
		r.Status = domain.TicketStatus(status)
		r.PaymentStatus = domain.PaymentStatus(paymentStatus)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return insertAuditLog(ctx, s.db, entry)
}

func insertAuditLog(ctx context.Context, q querier, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if len(filter.EntityIDs) > 0 {
		args = append(args, filter.EntityIDs)
		where = append(where, fmt.Sprintf("entity_id = ANY($%d)", len(args)))
	}
	query := `SELECT id, actor, action, entity_type, entity_id, detail, created_at FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
