package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/service"
	"ticketledger/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.New()
	svc := service.New(repo, service.Options{InitLeftoversPIN: "4821"})
	auth := NewAuthManager("test-secret-key", time.Hour, repo, nil)

	return New(svc, auth, Options{AllowedOrigin: "*"})
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func login(t *testing.T, h http.Handler, username, password string) string {
	t.Helper()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" {
		t.Fatalf("expected access token in login response")
	}
	return resp.AccessToken
}

// seedCatalog creates one vendor and one product priced from 2025-01-01.
func seedCatalog(t *testing.T, h http.Handler, adminToken string, price string) (domain.Vendor, domain.Product) {
	t.Helper()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/vendors", adminToken, map[string]any{"name": "Rosa"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create vendor: %d %s", rec.Code, rec.Body.String())
	}
	var vendorResp struct {
		Vendor domain.Vendor `json:"vendor"`
	}
	decodeBody(t, rec, &vendorResp)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/products", adminToken, map[string]any{
		"name":          "Empanada",
		"initial_price": price,
		"price_from":    "2025-01-01",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", rec.Code, rec.Body.String())
	}
	var productResp struct {
		Product domain.Product `json:"product"`
	}
	decodeBody(t, rec, &productResp)
	return vendorResp.Vendor, productResp.Product
}

func openTicket(t *testing.T, h http.Handler, token, vendorID, date string) domain.TicketView {
	t.Helper()

	rec := doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/tickets?vendor_id=%s&date=%s", vendorID, date), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get ticket: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Ticket domain.TicketView `json:"ticket"`
	}
	decodeBody(t, rec, &resp)
	return resp.Ticket
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = doJSON(t, api.Handler(), http.MethodGet, "/api/v1/products", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestOperatorCannotUseAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	token := login(t, h, "operator", "operator123")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/vendors", token, map[string]any{"name": "Rosa"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/v1/audit-logs", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on audit logs, got %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/v1/settings", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected operator to read settings, got %d", rec.Code)
	}
}

func TestValidationErrorsListFields(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	token := login(t, h, "admin", "admin123")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/vendors", token, map[string]any{"name": "X"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	decodeBody(t, rec, &body)
	if body.Fields["Name"] != "min" {
		t.Fatalf("expected Name min failure, got %v", body.Fields)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/vendors", token, map[string]any{"name": "Rosa", "nickname": "r"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown fields to be rejected, got %d", rec.Code)
	}
}

func TestTicketDayOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	admin := login(t, h, "admin", "admin123")
	operator := login(t, h, "operator", "operator123")
	vendor, product := seedCatalog(t, h, admin, "1.50")

	view := openTicket(t, h, operator, vendor.ID, "2025-01-01")
	if view.Ticket.Status != domain.TicketOpen || len(view.Lines) != 1 {
		t.Fatalf("unexpected ticket: %+v", view)
	}
	base := "/api/v1/tickets/" + view.Ticket.ID

	rec := doJSON(t, h, http.MethodPut, base+"/order", operator, domain.SaveOrderRequest{
		Lines: []domain.OrderEntry{{ProductID: product.ID, Qty: 10}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save order: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPut, base+"/lines/"+product.ID+"/leftovers", operator, map[string]any{"qty": 12})
	if rec.Code != http.StatusOK {
		t.Fatalf("leftovers: %d %s", rec.Code, rec.Body.String())
	}
	var pending domain.LeftoversResult
	decodeBody(t, rec, &pending)
	if !pending.NeedsConfirm || pending.Max != 10 {
		t.Fatalf("expected needs_confirm with max 10, got %+v", pending)
	}

	rec = doJSON(t, h, http.MethodPut, base+"/lines/"+product.ID+"/leftovers", operator, map[string]any{"qty": 2})
	var stored domain.LeftoversResult
	decodeBody(t, rec, &stored)
	if !stored.OK || stored.Line.SoldQty != 8 || !stored.Line.Subtotal.Equal(decimal.RequireFromString("12")) {
		t.Fatalf("unexpected leftovers result: %+v", stored)
	}

	rec = doJSON(t, h, http.MethodPost, base+"/close", operator, map[string]any{"battery_qty": -1, "paid_amount": "15"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for negative battery, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, base+"/close", operator, map[string]any{"battery_qty": 1, "paid_amount": "15"})
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rec.Code, rec.Body.String())
	}
	var closed domain.CloseResult
	decodeBody(t, rec, &closed)
	if !closed.OK || !closed.Total.Equal(decimal.RequireFromString("15")) || closed.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("unexpected close result: %+v", closed)
	}

	rec = doJSON(t, h, http.MethodPost, base+"/close", operator, map[string]any{"battery_qty": 1, "paid_amount": "15"})
	var again domain.CloseResult
	decodeBody(t, rec, &again)
	if rec.Code != http.StatusOK || !again.AlreadyClosed {
		t.Fatalf("expected idempotent close, got %d %+v", rec.Code, again)
	}

	rec = doJSON(t, h, http.MethodPut, base+"/order", operator, domain.SaveOrderRequest{
		Lines: []domain.OrderEntry{{ProductID: product.ID, Qty: 1}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 editing a closed ticket, got %d", rec.Code)
	}

	next := openTicket(t, h, operator, vendor.ID, "2025-01-02")
	if next.Lines[0].LeftoversPrev != 2 {
		t.Fatalf("expected leftovers carried into next day, got %d", next.Lines[0].LeftoversPrev)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/tickets/tkt_missing/close", operator, map[string]any{"paid_amount": "0"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown ticket, got %d", rec.Code)
	}
}

func TestPriceChangeRepricesTickets(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	admin := login(t, h, "admin", "admin123")
	vendor, product := seedCatalog(t, h, admin, "2.00")

	view := openTicket(t, h, admin, vendor.ID, "2025-01-05")
	doJSON(t, h, http.MethodPut, "/api/v1/tickets/"+view.Ticket.ID+"/order", admin, domain.SaveOrderRequest{
		Lines: []domain.OrderEntry{{ProductID: product.ID, Qty: 3}},
	})

	rec := doJSON(t, h, http.MethodPut, "/api/v1/products/"+product.ID+"/prices", admin, map[string]any{
		"valid_from": "2025-01-01",
		"price":      "2.50",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set price: %d %s", rec.Code, rec.Body.String())
	}
	var resp domain.SetPriceResponse
	decodeBody(t, rec, &resp)
	if resp.TicketsUpdated != 1 || resp.LinesUpdated != 1 {
		t.Fatalf("unexpected cascade counts: %+v", resp)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/products/"+product.ID+"/prices?date=2025-01-05", admin, nil)
	var history struct {
		History        []domain.PriceEntry `json:"history"`
		EffectivePrice decimal.Decimal     `json:"effective_price"`
	}
	decodeBody(t, rec, &history)
	if len(history.History) != 1 || !history.EffectivePrice.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("unexpected price history: %+v", history)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/tickets/"+view.Ticket.ID, admin, nil)
	var after struct {
		Ticket domain.TicketView `json:"ticket"`
	}
	decodeBody(t, rec, &after)
	if !after.Ticket.Lines[0].Subtotal.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("expected subtotal 7.50, got %s", after.Ticket.Lines[0].Subtotal)
	}
}

func TestInitialLeftoversChecksPIN(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	admin := login(t, h, "admin", "admin123")
	vendor, product := seedCatalog(t, h, admin, "1.00")

	body := domain.InitialLeftoversRequest{
		PIN:     "1111",
		Date:    "2025-01-01",
		Entries: []domain.InitialLeftover{{VendorID: vendor.ID, ProductID: product.ID, Qty: 4}},
	}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/initial-leftovers", admin, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong pin, got %d", rec.Code)
	}

	body.PIN = "4821"
	rec = doJSON(t, h, http.MethodPost, "/api/v1/initial-leftovers", admin, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("seed: %d %s", rec.Code, rec.Body.String())
	}
	view := openTicket(t, h, admin, vendor.ID, "2025-01-01")
	if view.Lines[0].LeftoversPrev != 4 {
		t.Fatalf("expected seeded leftovers, got %d", view.Lines[0].LeftoversPrev)
	}
}

func TestOrderBoardListsVendors(t *testing.T) {
	api := newTestAPI(t)
	h := api.Handler()
	admin := login(t, h, "admin", "admin123")
	vendor, product := seedCatalog(t, h, admin, "1.00")

	view := openTicket(t, h, admin, vendor.ID, "2025-01-01")
	doJSON(t, h, http.MethodPut, "/api/v1/tickets/"+view.Ticket.ID+"/order", admin, domain.SaveOrderRequest{
		Lines: []domain.OrderEntry{{ProductID: product.ID, Qty: 2}},
	})

	rec := doJSON(t, h, http.MethodGet, "/api/v1/tickets/board?date=2025-01-01", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("board: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Board []domain.OrderBoardEntry `json:"board"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Board) != 1 || !resp.Board[0].HasOrder {
		t.Fatalf("unexpected board: %+v", resp.Board)
	}
}
