package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/ledger"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("already exists")
	ErrTicketClosed = errors.New("ticket is closed")
	ErrTicketOpen   = errors.New("ticket is open")
	// ErrAlreadyClosed is returned by CloseTicket together with the stored
	// ticket when another caller closed it first.
	ErrAlreadyClosed = errors.New("ticket already closed")
	ErrBusy          = errors.New("resource busy")
	ErrForbidden     = errors.New("forbidden")

	ErrOverrideReason = errors.New("override reason required")
)

type Repository interface {
	CreateVendor(ctx context.Context, vendor domain.Vendor) (*domain.Vendor, error)
	UpdateVendor(ctx context.Context, vendor domain.Vendor) (*domain.Vendor, error)
	GetVendor(ctx context.Context, id string) (*domain.Vendor, error)
	ListVendors(ctx context.Context, includeInactive bool) ([]domain.Vendor, error)
	SearchVendors(ctx context.Context, query string) ([]domain.Vendor, error)

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)

	UpsertPrice(ctx context.Context, entry domain.PriceEntry) (*domain.PriceEntry, error)
	EffectivePrices(ctx context.Context, productIDs []string, date string) (map[string]decimal.Decimal, error)
	ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.PriceEntry, error)

	GetOrCreateSettings(ctx context.Context, defaults domain.Settings) (*domain.Settings, error)
	UpdateSettings(ctx context.Context, settings domain.Settings) (*domain.Settings, error)

	// CreateTicket inserts a ticket with its lines. A ticket that already exists
	// for the same vendor and date yields ErrConflict.
	CreateTicket(ctx context.Context, ticket domain.Ticket) (*domain.Ticket, error)
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)
	FindTicket(ctx context.Context, vendorID string, date string) (*domain.Ticket, error)
	FindPreviousClosedTicket(ctx context.Context, vendorID string, date string) (*domain.Ticket, error)
	InsertMissingLines(ctx context.Context, ticketID string, lines []domain.TicketLine) (int, error)
	SaveOrder(ctx context.Context, ticketID string, entries []domain.OrderEntry) (*domain.Ticket, error)
	// SetLeftoversNow returns NeedsConfirm without writing when the quantity
	// exceeds the line's maximum and the update is not confirmed. A confirmed
	// override is written with its audit entry in the same transaction.
	SetLeftoversNow(ctx context.Context, ticketID string, productID string, update domain.LeftoversUpdate) (domain.LeftoversResult, error)
	CloseTicket(ctx context.Context, ticketID string, settings domain.Settings, in ledger.CloseInput) (ledger.CloseOutcome, error)
	ReopenTicket(ctx context.Context, ticketID string) (*domain.Ticket, bool, error)
	ApplyCarryover(ctx context.Context, sourceTicketID string, at time.Time) (domain.CarryoverResult, error)
	ListLineRefsByProduct(ctx context.Context, productID string) ([]ledger.LineRef, error)
	RepriceTicket(ctx context.Context, ticketID string, productID string, price decimal.Decimal) (int, error)
	// ReplaceLineQuantities reopens a closed ticket and overwrites its line
	// quantities in one transaction. It reports whether the ticket was reopened.
	ReplaceLineQuantities(ctx context.Context, ticketID string, entries []domain.HistoricalLine, prices map[string]decimal.Decimal) (bool, error)
	SeedLeftoversPrev(ctx context.Context, ticketID string, qtyByProduct map[string]int) error
	ListVendorTickets(ctx context.Context, vendorID string, limit int) ([]domain.VendorTicketSummary, error)
	ListTicketsByDate(ctx context.Context, date string) ([]domain.DailyTicketRow, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
