package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

type Vendor struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Code       string    `json:"code"`
	Active     bool      `json:"active"`
	IsFavorite bool      `json:"is_favorite"`
	CreatedAt  time.Time `json:"created_at"`
}

type VendorCreateRequest struct {
	Name       string `json:"name" validate:"required,min=2"`
	Code       string `json:"code" validate:"omitempty,min=2,max=16"`
	Active     *bool  `json:"active,omitempty"`
	IsFavorite bool   `json:"is_favorite"`
}

type VendorUpdateRequest struct {
	Name       *string `json:"name,omitempty" validate:"omitempty,min=2"`
	Code       *string `json:"code,omitempty" validate:"omitempty,min=2,max=16"`
	Active     *bool   `json:"active,omitempty"`
	IsFavorite *bool   `json:"is_favorite,omitempty"`
}

type Product struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	DisplayOrder int       `json:"display_order"`
	CreatedAt    time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Name         string `json:"name" validate:"required,min=1,max=80"`
	DisplayOrder int    `json:"display_order" validate:"gte=0"`
	// InitialPrice seeds the first price entry, valid from PriceFrom or today.
	InitialPrice *decimal.Decimal `json:"initial_price,omitempty"`
	PriceFrom    string           `json:"price_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type ProductUpdateRequest struct {
	Name         *string `json:"name,omitempty" validate:"omitempty,min=1,max=80"`
	Active       *bool   `json:"active,omitempty"`
	DisplayOrder *int    `json:"display_order,omitempty" validate:"omitempty,gte=0"`
}

// PriceEntry is one point of a product's price series. The effective price on
// a date is the entry with the latest ValidFrom not after that date.
type PriceEntry struct {
	ProductID string          `json:"product_id"`
	ValidFrom string          `json:"valid_from"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type SetPriceRequest struct {
	ValidFrom string          `json:"valid_from" validate:"required,datetime=2006-01-02"`
	Price     decimal.Decimal `json:"price"`
}

type SetPriceResponse struct {
	Entry          PriceEntry `json:"entry"`
	TicketsUpdated int        `json:"tickets_updated"`
	LinesUpdated   int        `json:"lines_updated"`
}

type BatteryMode string

const (
	BatteryModePerDay BatteryMode = "PER_DAY"
)

const SettingsID = "global"

type Settings struct {
	ID               string          `json:"id"`
	BatteryMode      BatteryMode     `json:"battery_mode"`
	BatteryUnitPrice decimal.Decimal `json:"battery_unit_price"`
	BatteryQty       int             `json:"battery_qty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// DefaultSettings is what the settings row holds the first time it is read.
func DefaultSettings() Settings {
	return Settings{
		ID:               SettingsID,
		BatteryMode:      BatteryModePerDay,
		BatteryUnitPrice: decimal.RequireFromString("3.00"),
		BatteryQty:       1,
	}
}

type SettingsUpdateRequest struct {
	BatteryMode      *BatteryMode     `json:"battery_mode,omitempty"`
	BatteryUnitPrice *decimal.Decimal `json:"battery_unit_price,omitempty"`
	BatteryQty       *int             `json:"battery_qty,omitempty" validate:"omitempty,gte=0"`
}

type TicketStatus string

const (
	TicketOpen   TicketStatus = "OPEN"
	TicketClosed TicketStatus = "CLOSED"
)

type PaymentStatus string

const (
	PaymentCredit  PaymentStatus = "CREDIT"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
)

type Ticket struct {
	ID                 string          `json:"id"`
	VendorID           string          `json:"vendor_id"`
	Date               string          `json:"date"`
	Status             TicketStatus    `json:"status"`
	BatteryMode        BatteryMode     `json:"battery_mode"`
	BatteryUnitPrice   decimal.Decimal `json:"battery_unit_price"`
	BatteryQty         int             `json:"battery_qty"`
	Total              decimal.Decimal `json:"total"`
	PaidAmount         decimal.Decimal `json:"paid_amount"`
	Balance            decimal.Decimal `json:"balance"`
	PaymentStatus      PaymentStatus   `json:"payment_status"`
	LeftoversReported  bool            `json:"leftovers_reported"`
	CarryoverCredit    decimal.Decimal `json:"carryover_credit"`
	CarryoverAppliedAt *time.Time      `json:"carryover_applied_at,omitempty"`
	// CarriedCredit is the deferred payment forwarded into this ticket by the
	// previous day's close. It stays part of PaidAmount across reopen/close.
	CarriedCredit decimal.Decimal `json:"carried_credit"`
	CreatedBy     string          `json:"created_by"`
	ClosedBy      string          `json:"closed_by,omitempty"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Lines         []TicketLine    `json:"lines,omitempty"`
}

type TicketLine struct {
	ID            string          `json:"id"`
	TicketID      string          `json:"ticket_id"`
	ProductID     string          `json:"product_id"`
	LeftoversPrev int             `json:"leftovers_prev"`
	OrderQty      int             `json:"order_qty"`
	LeftoversNow  int             `json:"leftovers_now"`
	SoldQty       int             `json:"sold_qty"`
	UnitPriceUsed decimal.Decimal `json:"unit_price_used"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

// MaxLeftovers is the stock available to the vendor during the day.
func (l TicketLine) MaxLeftovers() int {
	return l.LeftoversPrev + l.OrderQty
}

type TicketLineView struct {
	TicketLine
	ProductName  string `json:"product_name"`
	DisplayOrder int    `json:"display_order"`
	Max          int    `json:"max"`
}

type TicketView struct {
	Ticket         Ticket           `json:"ticket"`
	Vendor         Vendor           `json:"vendor"`
	Lines          []TicketLineView `json:"lines"`
	SurchargeTotal decimal.Decimal  `json:"surcharge_total"`
	// CarriedOver is true when a previous closed ticket already fed this one.
	CarriedOver bool `json:"carried_over"`
}

type OrderEntry struct {
	ProductID string `json:"product_id" validate:"required"`
	Qty       int    `json:"qty" validate:"gte=0"`
}

type SaveOrderRequest struct {
	Lines []OrderEntry `json:"lines" validate:"required,min=1,dive"`
}

type LeftoversRequest struct {
	Qty       int    `json:"qty" validate:"gte=0"`
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason" validate:"max=280"`
}

// LeftoversUpdate is checked by the store against the line as it stands at
// write time. A quantity above the line's maximum is only written when
// Confirmed, and then together with the override audit entry.
type LeftoversUpdate struct {
	Qty       int
	Confirmed bool
	Reason    string
	Audit     AuditLog
}

// OverrideEntry is the audit row recorded with an accepted override.
func (u LeftoversUpdate) OverrideEntry(productID string, max int) AuditLog {
	entry := u.Audit
	entry.Action = AuditLeftoversOverride
	entry.Detail = fmt.Sprintf("product=%s,qty=%d,max=%d,reason=%q", productID, u.Qty, max, u.Reason)
	return entry
}

type LeftoversResult struct {
	OK           bool       `json:"ok"`
	NeedsConfirm bool       `json:"needs_confirm"`
	ProductID    string     `json:"product_id"`
	Attempted    int        `json:"attempted"`
	Max          int        `json:"max"`
	Line         TicketLine `json:"line"`
}

type CloseRequest struct {
	BatteryQty int             `json:"battery_qty"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	// LeftoversReported defaults to true when omitted.
	LeftoversReported *bool `json:"leftovers_reported,omitempty"`
}

type CloseReason string

const (
	ReasonInvalidBatteryQty CloseReason = "INVALID_BATTERY_QTY"
	ReasonInvalidPaidAmount CloseReason = "INVALID_PAID_AMOUNT"
	ReasonNotFound          CloseReason = "NOT_FOUND"
	ReasonLeftoversExceed   CloseReason = "LEFTOVERS_EXCEED"
	ReasonNegativeSold      CloseReason = "NEGATIVE_SOLD"
)

type LineViolation struct {
	ProductID    string      `json:"product_id"`
	Reason       CloseReason `json:"reason"`
	LeftoversNow int         `json:"leftovers_now"`
	Max          int         `json:"max"`
	SoldQty      int         `json:"sold_qty"`
}

type CloseResult struct {
	OK            bool            `json:"ok"`
	Reason        CloseReason     `json:"reason,omitempty"`
	Violations    []LineViolation `json:"violations,omitempty"`
	TicketID      string          `json:"ticket_id,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Balance       decimal.Decimal `json:"balance"`
	PaymentStatus PaymentStatus   `json:"payment_status,omitempty"`
	AlreadyClosed bool            `json:"already_closed"`
	// CarryoverTicketID is the downstream ticket that received the leftovers, if any.
	CarryoverTicketID string `json:"carryover_ticket_id,omitempty"`
}

type CarryoverResult struct {
	SourceTicketID string          `json:"source_ticket_id"`
	TargetTicketID string          `json:"target_ticket_id,omitempty"`
	LinesUpdated   int             `json:"lines_updated"`
	CreditApplied  decimal.Decimal `json:"credit_applied"`
	AlreadyApplied bool            `json:"already_applied"`
}

type VendorTicketSummary struct {
	ID            string          `json:"id"`
	Date          string          `json:"date"`
	Status        TicketStatus    `json:"status"`
	Total         decimal.Decimal `json:"total"`
	Balance       decimal.Decimal `json:"balance"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
}

type DailyTicketRow struct {
	VendorTicketSummary
	VendorID        string          `json:"vendor_id"`
	VendorName      string          `json:"vendor_name"`
	VendorCode      string          `json:"vendor_code"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	CarryoverCredit decimal.Decimal `json:"carryover_credit"`
	OrderedUnits    int             `json:"ordered_units"`
}

type OrderBoardEntry struct {
	Vendor       Vendor     `json:"vendor"`
	TicketID     string     `json:"ticket_id,omitempty"`
	HasOrder     bool       `json:"has_order"`
	OrderSavedAt *time.Time `json:"order_saved_at,omitempty"`
}

type HistoricalLine struct {
	ProductID     string `json:"product_id" validate:"required"`
	LeftoversPrev int    `json:"leftovers_prev" validate:"gte=0"`
	OrderQty      int    `json:"order_qty" validate:"gte=0"`
	LeftoversNow  int    `json:"leftovers_now" validate:"gte=0"`
}

type HistoricalEntryRequest struct {
	VendorID          string           `json:"vendor_id" validate:"required"`
	Date              string           `json:"date" validate:"required,datetime=2006-01-02"`
	BatteryQty        int              `json:"battery_qty" validate:"gte=0"`
	PaidAmount        decimal.Decimal  `json:"paid_amount"`
	LeftoversReported *bool            `json:"leftovers_reported,omitempty"`
	Entries           []HistoricalLine `json:"entries" validate:"dive"`
}

type InitialLeftover struct {
	VendorID  string `json:"vendor_id" validate:"required"`
	ProductID string `json:"product_id" validate:"required"`
	Qty       int    `json:"qty" validate:"gte=0"`
}

type InitialLeftoversRequest struct {
	PIN     string            `json:"pin" validate:"required"`
	Date    string            `json:"date" validate:"required,datetime=2006-01-02"`
	Entries []InitialLeftover `json:"entries" validate:"required,min=1,dive"`
}

type InitialLeftoversResponse struct {
	Date    string   `json:"date"`
	Tickets []string `json:"tickets"`
}

const (
	AuditOrderSaved        = "ORDER_SAVED"
	AuditLeftoversOverride = "LEFTOVERS_OVERRIDE"
	AuditTicketClosed      = "TICKET_CLOSED"
	AuditTicketReopened    = "TICKET_REOPENED"
	AuditCarryoverApplied  = "CARRYOVER_APPLIED"
	AuditPriceSet          = "PRICE_SET"
	AuditSettingsUpdated   = "SETTINGS_UPDATED"
	AuditHistoricalEntry   = "HISTORICAL_ENTRY"
	AuditInitialLeftovers  = "INITIAL_LEFTOVERS"
)

type AuditLog struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditFilter struct {
	EntityType string
	EntityIDs  []string
	Action     string
	Limit      int
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
