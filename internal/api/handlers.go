/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the transfer
 * engine, and mapping engine outcomes to transport-level responses. They hold
 * no business logic of their own.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For engine logic, models, and typed errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/corebank/ledger-service/internal/app"
	"github.com/corebank/ledger-service/internal/domain"
	"github.com/corebank/ledger-service/internal/store"
)

// LedgerHandlers holds the transfer engine that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

// GetAccountHandler handles lookups of a single account by number.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")

	account, err := h.service.GetAccount(r.Context(), number)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_account msg=\"account lookup failed\" number=%s err=%v", number, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to look up account")
		return
	}

	h.writeJSON(w, http.StatusOK, account)
}

// CreateAccountHandler handles account creation requests.
func (h *LedgerHandlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.NewAccount
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_account outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.service.CreateAccount(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrUnknownAccount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrDuplicateAccount):
			h.writeError(w, http.StatusConflict, err.Error())
		case store.IsTransient(err):
			h.writeError(w, http.StatusServiceUnavailable, "Temporary store failure; please retry")
		default:
			log.Printf("level=error component=api endpoint=create_account msg=\"account creation failed\" number=%s err=%v", req.Number, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to create account")
		}
		return
	}

	log.Printf("level=info component=api endpoint=create_account outcome=created number=%s", req.Number)
	w.WriteHeader(http.StatusCreated)
}

// CreateTransferHandler handles transfer requests. A successful transfer
// responds 201 with no payload.
func (h *LedgerHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.NewTransfer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.service.CreateTransfer(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrSameAccount),
			errors.Is(err, app.ErrInvalidAmount),
			errors.Is(err, app.ErrUnknownAccount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrInsufficientFunds):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrRateLimited):
			var rateErr *app.RateLimitError
			if errors.As(err, &rateErr) && rateErr.RetryAfterSeconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
			}
			h.writeError(w, http.StatusTooManyRequests, "Too many transfers from this account; please retry later")
		case store.IsTransient(err):
			h.writeError(w, http.StatusServiceUnavailable, "Temporary store failure; please retry")
		default:
			log.Printf("level=error component=api endpoint=create_transfer msg=\"transfer failed\" from=%s to=%s err=%v", req.FromAccount, req.ToAccount, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process transfer")
		}
		return
	}

	log.Printf("level=info component=api endpoint=create_transfer outcome=created from=%s to=%s amount=%s", req.FromAccount, req.ToAccount, req.Amount)
	w.WriteHeader(http.StatusCreated)
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
