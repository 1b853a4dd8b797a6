/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's account endpoints.
 * Handlers parse the request, call the application service, and map ledger outcomes
 * onto HTTP status codes. Transfers additionally pass through a per-owner rate limit
 * and optional Idempotency-Key replay.
 *
 * @dependencies
 * - github.com/shopspring/decimal: amount decoding (JSON number or string).
 * - internal/app: service, rate limiter and idempotency store.
 * - internal/domain: outcome taxonomy.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/logger"
)

const (
	idempotencyKeyHeader     = "Idempotency-Key"
	idempotencyReplayHeader  = "Idempotent-Replayed"
	transferRateLimitScope   = "transfer"
	transferRateLimitWindow  = time.Minute
	maxTransferBodyBytes     = 1 << 16
	unexpectedFailureMessage = "An unexpected error occurred. Please try again later."
)

// LedgerService is the subset of the application service the handlers call.
type LedgerService interface {
	Transfer(ctx context.Context, caller, destination string, amount *decimal.Decimal) (*domain.TransferResult, error)
	GetBalance(ctx context.Context, owner string) (decimal.Decimal, error)
}

// HandlerOptions wires the optional Redis-backed protections. Nil members disable them.
type HandlerOptions struct {
	RateLimiter            app.RateLimiter
	TransferLimitPerMinute int
	IdempotencyStore       app.IdempotencyStore
}

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service       LedgerService
	limiter       app.RateLimiter
	transferLimit int
	idempotency   app.IdempotencyStore
	log           *logger.Logger
}

type transferRequest struct {
	To     string           `json:"to"`
	Amount *decimal.Decimal `json:"amount"`
}

type transferResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	TransferID string `json:"transfer_id"`
	Balance    string `json:"balance"`
}

type balanceResponse struct {
	Success bool   `json:"success"`
	Balance string `json:"balance"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service LedgerService, log *logger.Logger, opts HandlerOptions) *LedgerHandlers {
	if log == nil {
		log = logger.Nop()
	}
	return &LedgerHandlers{
		service:       service,
		limiter:       opts.RateLimiter,
		transferLimit: opts.TransferLimitPerMinute,
		idempotency:   opts.IdempotencyStore,
		log:           log.Component("api"),
	}
}

// GetBalanceHandler returns the caller's committed balance.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "Could not get owner id from context"})
		return
	}

	balance, err := h.service.GetBalance(r.Context(), ownerID)
	if err != nil {
		status, body := h.errorFor("get_balance", ownerID, err)
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Success: true, Balance: balance.StringFixed(domain.AmountScale)})
}

// TransferHandler moves funds from the caller to the account named in the body.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "Could not get owner id from context"})
		return
	}

	if !h.allowTransfer(w, r, ownerID) {
		return
	}

	var req transferRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxTransferBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Info("transfer rejected", "reason", "invalid_json", "owner_id", ownerID, "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(domain.KindInvalidRequest), Message: "Invalid request body"})
		return
	}

	idempotencyKey, err := app.NormalizeIdempotencyKey(r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_idempotency_key", Message: err.Error()})
		return
	}
	if idempotencyKey == "" || h.idempotency == nil {
		status, body := h.executeTransfer(r.Context(), ownerID, req)
		writeRaw(w, status, body)
		return
	}

	requestHash := app.HashRequest(strings.TrimSpace(req.To), amountFingerprint(req.Amount))
	cached, acquired, err := h.idempotency.Acquire(r.Context(), ownerID, idempotencyKey, requestHash)
	switch {
	case errors.Is(err, app.ErrIdempotencyInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "idempotency_in_progress", Message: err.Error()})
		return
	case errors.Is(err, app.ErrIdempotencyConflict):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "idempotency_conflict", Message: err.Error()})
		return
	case err != nil:
		h.log.Warn("idempotency reservation failed", "owner_id", ownerID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: string(domain.KindStoreUnavailable), Message: "Unable to reserve idempotency key. Please retry."})
		return
	case !acquired && cached != nil:
		w.Header().Set(idempotencyReplayHeader, "true")
		writeRaw(w, cached.StatusCode, cached.Body)
		return
	}

	status, body := h.executeTransfer(r.Context(), ownerID, req)

	// Only final outcomes are replayable. Transient failures free the key for a retry.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if isReplayable(status) {
		if err := h.idempotency.Complete(storeCtx, ownerID, idempotencyKey, requestHash, app.CachedResponse{StatusCode: status, Body: body}); err != nil {
			h.log.Warn("idempotency completion failed", "owner_id", ownerID, "error", err)
		}
	} else if err := h.idempotency.Release(storeCtx, ownerID, idempotencyKey); err != nil {
		h.log.Warn("idempotency release failed", "owner_id", ownerID, "error", err)
	}

	writeRaw(w, status, body)
}

func (h *LedgerHandlers) executeTransfer(ctx context.Context, ownerID string, req transferRequest) (int, []byte) {
	result, err := h.service.Transfer(ctx, ownerID, req.To, req.Amount)
	if err != nil {
		status, body := h.errorFor("transfer", ownerID, err)
		return status, mustMarshal(body)
	}
	return http.StatusOK, mustMarshal(transferResponse{
		Success:    true,
		Message:    "Transfer successful",
		TransferID: result.TransferID.String(),
		Balance:    result.SourceBalance.StringFixed(domain.AmountScale),
	})
}

// allowTransfer applies the per-owner transfer limit. Limiter failures fail open.
func (h *LedgerHandlers) allowTransfer(w http.ResponseWriter, r *http.Request, ownerID string) bool {
	if h.limiter == nil || h.transferLimit <= 0 {
		return true
	}
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), transferRateLimitScope, ownerID, h.transferLimit, transferRateLimitWindow)
	if err != nil {
		h.log.Warn("rate limit check failed; allowing request", "owner_id", ownerID, "error", err)
		return true
	}
	if count <= h.transferLimit {
		return true
	}
	if retryAfter <= 0 {
		retryAfter = int(transferRateLimitWindow.Seconds())
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate_limited", Message: "Too many transfer requests. Please wait and try again."})
	return false
}

func (h *LedgerHandlers) errorFor(op, ownerID string, err error) (int, errorResponse) {
	kind := domain.KindOf(err)
	body := errorResponse{Error: string(kind), Message: err.Error()}

	var status int
	switch kind {
	case domain.KindInvalidRequest, domain.KindInsufficientFunds:
		status = http.StatusBadRequest
	case domain.KindSourceNotFound, domain.KindDestinationNotFound, domain.KindAccountNotFound:
		status = http.StatusNotFound
	case domain.KindTransactionConflict:
		status = http.StatusConflict
		body.Message = "The ledger is busy. Please retry."
	case domain.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
		body.Message = "The ledger is temporarily unavailable. Please retry."
	default:
		status = http.StatusInternalServerError
		body.Error = string(domain.KindUnexpected)
		body.Message = unexpectedFailureMessage
		h.log.Error("request failed", "op", op, "owner_id", ownerID, "error", err)
	}
	return status, body
}

func isReplayable(status int) bool {
	switch status {
	case http.StatusOK, http.StatusBadRequest, http.StatusNotFound:
		return true
	default:
		return false
	}
}

func amountFingerprint(amount *decimal.Decimal) string {
	if amount == nil {
		return ""
	}
	return amount.String()
}

func mustMarshal(data interface{}) []byte {
	body, err := json.Marshal(data)
	if err != nil {
		return []byte(`{"success":false,"error":"unexpected","message":"failed to encode response"}`)
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeRaw(w, status, mustMarshal(data))
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
