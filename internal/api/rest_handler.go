package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"payledger/internal/auth"
	"payledger/internal/domain"
	"payledger/internal/ledger"
	"payledger/internal/retry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type Config struct {
	RequestTimeout time.Duration
	// BusyRetries is how many times a mutation is retried after a transient
	// failure (ErrLedgerBusy, ErrConversionUnavailable).
	BusyRetries int
}

type APIHandler struct {
	ledger         *ledger.Engine
	auth           *auth.Authenticator
	logger         *slog.Logger
	requestTimeout time.Duration
	retry          retry.Policy
}

func NewAPIHandler(
	engine *ledger.Engine,
	authenticator *auth.Authenticator,
	cfg Config,
	logger *slog.Logger,
) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &APIHandler{
		ledger:         engine,
		auth:           authenticator,
		logger:         logger,
		requestTimeout: cfg.RequestTimeout,
		retry:          retry.DefaultPolicy(cfg.BusyRetries),
	}
}

type OpenAccountRequest struct {
	Owner    string `json:"owner"`
	Currency string `json:"currency"`
	Admin    bool   `json:"admin,omitempty"`
}

type OpenAccountResponse struct {
	Account *domain.Account `json:"account"`
	Token   string          `json:"token"`
}

type CreateTransferRequest struct {
	ReceiverID string          `json:"receiver_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type CreatePaymentRequest struct {
	PayerID string          `json:"payer_id"`
	Amount  decimal.Decimal `json:"amount"`
}

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type StatusRequest struct {
	Status domain.AccountStatus `json:"status"`
}

type TransferResponse struct {
	*domain.Transfer
	SignatureValid *bool `json:"signature_valid,omitempty"`
}

type NotificationsResponse struct {
	Notifications []*domain.Notification `json:"notifications"`
	Unread        int                    `json:"unread"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// RegisterRoutes mounts the ledger API on r.
func (h *APIHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.HealthCheckHandler)
	r.Post("/api/v1/accounts", h.OpenAccountHandler)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Get("/api/v1/accounts/{id}", h.GetAccountHandler)
		r.Get("/api/v1/accounts/{id}/balance", h.GetBalanceHandler)

		r.Post("/api/v1/transfers", h.CreateTransferHandler)
		r.Get("/api/v1/transfers", h.ListTransfersHandler)
		r.Get("/api/v1/transfers/{id}", h.GetTransferHandler)

		r.Post("/api/v1/requests", h.CreateRequestHandler)
		r.Get("/api/v1/requests", h.ListRequestsHandler)
		r.Get("/api/v1/requests/{id}", h.GetRequestHandler)
		r.Post("/api/v1/requests/{id}/accept", h.AcceptRequestHandler)
		r.Post("/api/v1/requests/{id}/decline", h.DeclineRequestHandler)
		r.Post("/api/v1/requests/{id}/cancel", h.CancelRequestHandler)

		r.Get("/api/v1/notifications", h.ListNotificationsHandler)
		r.Post("/api/v1/notifications/{id}/read", h.MarkNotificationReadHandler)

		r.Route("/api/v1/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/accounts", h.AdminListAccountsHandler)
			r.Post("/accounts", h.AdminOpenAccountHandler)
			r.Post("/accounts/{id}/topup", h.AdminTopUpHandler)
			r.Post("/accounts/{id}/status", h.AdminSetStatusHandler)
			r.Get("/transfers", h.AdminListTransfersHandler)
			r.Get("/requests", h.AdminListRequestsHandler)
		})
	})
}

// Router returns a standalone router with the API mounted.
func (h *APIHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	h.RegisterRoutes(r)
	return r
}

func (h *APIHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	}
	h.sendJSON(w, response, http.StatusOK)
}

func (h *APIHandler) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Admin {
		h.sendError(w, "Administrator accounts are opened by administrators", http.StatusForbidden, domain.Code(domain.ErrForbidden))
		return
	}
	h.openAccount(w, r, req)
}

func (h *APIHandler) openAccount(w http.ResponseWriter, r *http.Request, req OpenAccountRequest) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	acc, err := h.ledger.OpenAccount(ctx, req.Owner, domain.Currency(req.Currency), req.Admin)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	token, err := h.auth.IssueToken(acc.ID, acc.Admin)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	h.sendJSON(w, OpenAccountResponse{Account: acc, Token: token}, http.StatusCreated)
}

func (h *APIHandler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := auth.RequireAccount(principal(r), id); err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	acc, err := h.ledger.GetAccount(ctx, id)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, acc, http.StatusOK)
}

func (h *APIHandler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := auth.RequireAccount(principal(r), id); err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	balance, err := h.ledger.GetBalance(ctx, id)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, balance, http.StatusOK)
}

func (h *APIHandler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	sender := principal(r).AccountID
	var transfer *domain.Transfer
	err := retry.Do(ctx, h.retry, func(ctx context.Context) error {
		var err error
		transfer, err = h.ledger.ExecuteTransfer(ctx, sender, req.ReceiverID, req.Amount)
		return err
	})
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	h.sendJSON(w, TransferResponse{Transfer: transfer}, http.StatusCreated)
}

func (h *APIHandler) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	transfers, err := h.ledger.ListTransfers(ctx, principal(r).AccountID, limit, offset)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, nonNil(transfers), http.StatusOK)
}

func (h *APIHandler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	transfer, err := h.ledger.GetTransfer(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	p := principal(r)
	if !p.Admin && !transfer.Involves(p.AccountID) {
		h.sendLedgerError(w, r, fmt.Errorf("%w: transfer %s", domain.ErrTransferNotFound, transfer.ID))
		return
	}

	resp := TransferResponse{Transfer: transfer}
	if h.ledger.Signing() {
		valid, _ := h.ledger.VerifyTransfer(transfer)
		resp.SignatureValid = &valid
	}
	h.sendJSON(w, resp, http.StatusOK)
}

func (h *APIHandler) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	requester := principal(r).AccountID
	var created *domain.Request
	err := retry.Do(ctx, h.retry, func(ctx context.Context) error {
		var err error
		created, err = h.ledger.MakeRequest(ctx, requester, req.PayerID, req.Amount)
		return err
	})
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	h.sendJSON(w, created, http.StatusCreated)
}

func (h *APIHandler) ListRequestsHandler(w http.ResponseWriter, r *http.Request) {
	status := domain.RequestStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.RequestPending, domain.RequestAccepted, domain.RequestDeclined, domain.RequestCancelled:
	default:
		h.sendLedgerError(w, r, fmt.Errorf("%w: status %q", domain.ErrInvalidInput, status))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	requests, err := h.ledger.ListRequests(ctx, principal(r).AccountID, status)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, nonNil(requests), http.StatusOK)
}

func (h *APIHandler) GetRequestHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	req, err := h.visibleRequest(ctx, r)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, req, http.StatusOK)
}

// visibleRequest loads the request named in the path. Requests the caller is
// not a party to are reported as not found.
func (h *APIHandler) visibleRequest(ctx context.Context, r *http.Request) (*domain.Request, error) {
	req, err := h.ledger.GetRequest(ctx, chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	p := principal(r)
	if !p.Admin && p.AccountID != req.PayerID && p.AccountID != req.RequesterID {
		return nil, fmt.Errorf("%w: request %s", domain.ErrRequestNotFound, req.ID)
	}
	return req, nil
}

func (h *APIHandler) AcceptRequestHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	req, err := h.visibleRequest(ctx, r)
	if err == nil {
		err = auth.RequireParty(principal(r), req.PayerID)
	}
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	var transfer *domain.Transfer
	err = retry.Do(ctx, h.retry, func(ctx context.Context) error {
		var err error
		transfer, err = h.ledger.AcceptRequest(ctx, req.ID)
		return err
	})
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	h.sendJSON(w, TransferResponse{Transfer: transfer}, http.StatusOK)
}

func (h *APIHandler) DeclineRequestHandler(w http.ResponseWriter, r *http.Request) {
	h.closeRequest(w, r, func(req *domain.Request) string { return req.PayerID }, h.ledger.DeclineRequest)
}

func (h *APIHandler) CancelRequestHandler(w http.ResponseWriter, r *http.Request) {
	h.closeRequest(w, r, func(req *domain.Request) string { return req.RequesterID }, h.ledger.CancelRequest)
}

func (h *APIHandler) closeRequest(
	w http.ResponseWriter,
	r *http.Request,
	actor func(*domain.Request) string,
	op func(context.Context, string) (*domain.Request, error),
) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	req, err := h.visibleRequest(ctx, r)
	if err == nil {
		err = auth.RequireParty(principal(r), actor(req))
	}
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	var closed *domain.Request
	err = retry.Do(ctx, h.retry, func(ctx context.Context) error {
		var err error
		closed, err = op(ctx, req.ID)
		return err
	})
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	h.sendJSON(w, closed, http.StatusOK)
}

func (h *APIHandler) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	accountID := principal(r).AccountID

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	notes, err := h.ledger.ListNotifications(ctx, accountID, unreadOnly)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	unread, err := h.ledger.UnreadCount(ctx, accountID)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	h.sendJSON(w, NotificationsResponse{Notifications: nonNil(notes), Unread: unread}, http.StatusOK)
}

func (h *APIHandler) MarkNotificationReadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.ledger.MarkNotificationRead(ctx, principal(r).AccountID, chi.URLParam(r, "id")); err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) AdminListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	accounts, err := h.ledger.ListAccounts(ctx)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, nonNil(accounts), http.StatusOK)
}

func (h *APIHandler) AdminOpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.openAccount(w, r, req)
}

func (h *APIHandler) AdminTopUpHandler(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	id := chi.URLParam(r, "id")
	var acc *domain.Account
	err := retry.Do(ctx, h.retry, func(ctx context.Context) error {
		var err error
		acc, err = h.ledger.TopUp(ctx, id, req.Amount)
		return err
	})
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, acc, http.StatusOK)
}

func (h *APIHandler) AdminSetStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	acc, err := h.ledger.SetAccountStatus(ctx, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, acc, http.StatusOK)
}

func (h *APIHandler) AdminListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	transfers, err := h.ledger.ListAllTransfers(ctx, limit, offset)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, nonNil(transfers), http.StatusOK)
}

func (h *APIHandler) AdminListRequestsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	requests, err := h.ledger.ListAllRequests(ctx, limit, offset)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	h.sendJSON(w, nonNil(requests), http.StatusOK)
}

func (h *APIHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.RequireAdmin(principal(r)); err != nil {
			h.sendLedgerError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *APIHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.InfoContext(r.Context(), "HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(start)))
	})
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func pagination(r *http.Request) (int, int, error) {
	limit, offset := defaultPageSize, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			return 0, 0, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidInput, maxPageSize)
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidInput)
		}
		offset = n
	}
	return limit, offset, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return false
	}
	return true
}

// StatusFor maps a ledger error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSelfTransferNotAllowed),
		errors.Is(err, domain.ErrSelfRequestNotAllowed),
		errors.Is(err, domain.ErrUnsupportedCurrency),
		errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrRequestNotFound),
		errors.Is(err, domain.ErrTransferNotFound),
		errors.Is(err, domain.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrAccountInactive),
		errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLedgerBusy),
		errors.Is(err, domain.ErrConversionUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) sendLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "Request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		h.sendError(w, "Internal error", status, domain.Code(err))
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	h.sendError(w, err.Error(), status, domain.Code(err))
}

func (h *APIHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (h *APIHandler) sendError(w http.ResponseWriter, message string, statusCode int, code string) {
	errorResponse := ErrorResponse{
		Error: message,
		Code:  code,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		h.logger.Error("Failed to encode error response", slog.String("error", err.Error()))
	}

	h.logger.Warn("API error response",
		slog.String("message", message),
		slog.String("code", code),
		slog.Int("status", statusCode))
}
