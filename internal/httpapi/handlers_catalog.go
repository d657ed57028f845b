package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ticketledger/backend/internal/domain"
)

func (a *API) handleListVendors(w http.ResponseWriter, r *http.Request) {
	var (
		vendors []domain.Vendor
		err     error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		vendors, err = a.service.SearchVendors(r.Context(), q)
	} else {
		vendors, err = a.service.ListVendors(r.Context(), parseBool(r.URL.Query().Get("include_inactive")))
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vendors": vendors})
}

func (a *API) handleCreateVendor(w http.ResponseWriter, r *http.Request) {
	var req domain.VendorCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	vendor, err := a.service.CreateVendor(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"vendor": vendor})
}

func (a *API) handleUpdateVendor(w http.ResponseWriter, r *http.Request) {
	var req domain.VendorUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	vendor, err := a.service.UpdateVendor(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vendor": vendor})
}

func (a *API) handleVendorFavorite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsFavorite bool `json:"is_favorite"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	vendor, err := a.service.SetVendorFavorite(r.Context(), chi.URLParam(r, "id"), req.IsFavorite)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vendor": vendor})
}

func (a *API) handleVendorTickets(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 30, 365)

	tickets, err := a.service.VendorHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context(), parseBool(r.URL.Query().Get("include_inactive")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.UpdateProduct(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

// handlePriceHistory lists the price entries of a product. With ?date= the
// price in force on that date is included.
func (a *API) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)

	history, err := a.service.ListPriceHistory(r.Context(), productID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	payload := map[string]any{"history": history}

	if date := strings.TrimSpace(r.URL.Query().Get("date")); date != "" {
		price, err := a.service.EffectivePrice(r.Context(), productID, date)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		payload["date"] = date
		payload["effective_price"] = price
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req domain.SetPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.SetProductPrice(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.service.Settings(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req domain.SettingsUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	settings, err := a.service.UpdateSettings(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		Action:     strings.TrimSpace(q.Get("action")),
		Limit:      parsePositiveLimit(q.Get("limit"), 100, 500),
	}
	if id := strings.TrimSpace(q.Get("entity_id")); id != "" {
		filter.EntityIDs = []string{id}
	}

	logs, err := a.service.ListAuditLogs(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
