package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ticketledger/backend/internal/domain"
)

func (a *API) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	vendorID := strings.TrimSpace(r.URL.Query().Get("vendor_id"))
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if vendorID == "" || date == "" {
		writeError(w, http.StatusBadRequest, errors.New("vendor_id and date are required"))
		return
	}

	view, err := a.service.GetTicket(r.Context(), vendorID, date)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": view})
}

func (a *API) handleGetTicketByID(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetTicketByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": view})
}

func (a *API) handleOrderBoard(w http.ResponseWriter, r *http.Request) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))

	board, err := a.service.OrderBoard(r.Context(), date)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"board": board})
}

func (a *API) handleSaveOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.SaveOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := a.service.SaveOrder(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": view})
}

// handleLeftovers answers 200 both for a stored value and for an override
// that still needs confirming; the body tells the two apart.
func (a *API) handleLeftovers(w http.ResponseWriter, r *http.Request) {
	var req domain.LeftoversRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.service.UpdateLeftoversNow(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "productID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleCloseTicket(w http.ResponseWriter, r *http.Request) {
	var req domain.CloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.service.CloseTicket(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, closeStatus(res), res)
}

// closeStatus keeps the result body for every outcome and only varies the
// status code.
func closeStatus(res domain.CloseResult) int {
	switch {
	case res.OK:
		return http.StatusOK
	case res.Reason == domain.ReasonNotFound:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}

func (a *API) handleReopenTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := a.service.ReopenTicket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}

func (a *API) handleCarryover(w http.ResponseWriter, r *http.Request) {
	res, err := a.service.PropagateCarryover(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleHistoricalEntry(w http.ResponseWriter, r *http.Request) {
	var req domain.HistoricalEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.service.SaveHistoricalEntry(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, closeStatus(res), res)
}

func (a *API) handleInitialLeftovers(w http.ResponseWriter, r *http.Request) {
	var req domain.InitialLeftoversRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.service.SeedInitialLeftovers(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
