// Package conversion serves the currency conversion REST endpoint that
// RemoteConverter clients call.
package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"payledger/internal/currency"
	"payledger/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	converter      currency.Converter
	logger         *slog.Logger
	requestTimeout time.Duration
}

func NewHandler(converter currency.Converter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		converter:      converter,
		logger:         logger,
		requestTimeout: 10 * time.Second,
	}
}

type Response struct {
	From            domain.Currency `json:"from"`
	To              domain.Currency `json:"to"`
	Amount          string          `json:"amount"`
	ConvertedAmount string          `json:"converted_amount"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversion/{from}/{to}/{amount}", h.ConvertHandler)
	r.Get("/conversion/currencies", h.CurrenciesHandler)
}

func (h *Handler) ConvertHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	from, err := domain.NormalizeCurrency(chi.URLParam(r, "from"))
	if err != nil {
		h.sendError(w, "Unsupported currency", http.StatusBadRequest, domain.Code(err))
		return
	}
	to, err := domain.NormalizeCurrency(chi.URLParam(r, "to"))
	if err != nil {
		h.sendError(w, "Unsupported currency", http.StatusBadRequest, domain.Code(err))
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(chi.URLParam(r, "amount")))
	if err != nil {
		h.sendError(w, "Invalid amount", http.StatusBadRequest, domain.Code(domain.ErrInvalidAmount))
		return
	}
	if amount.IsNegative() {
		h.sendError(w, "Amount must not be negative", http.StatusBadRequest, domain.Code(domain.ErrInvalidAmount))
		return
	}

	converted, err := h.converter.Convert(ctx, from, to, amount)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnsupportedCurrency):
		h.sendError(w, "Unsupported currency pair", http.StatusBadRequest, domain.Code(err))
		return
	default:
		h.logger.ErrorContext(ctx, "Conversion failed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		h.sendError(w, "Conversion failed", http.StatusServiceUnavailable, domain.Code(err))
		return
	}

	h.sendJSON(w, Response{
		From:            from,
		To:              to,
		Amount:          amount.String(),
		ConvertedAmount: formatAmount(converted),
	}, http.StatusOK)
}

// formatAmount renders at least two decimals. Identity conversions keep any
// extra precision of the input.
func formatAmount(d decimal.Decimal) string {
	if d.Exponent() < -domain.Scale {
		return d.String()
	}
	return d.StringFixed(domain.Scale)
}

func (h *Handler) CurrenciesHandler(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]interface{}{"currencies": h.converter.Currencies()}, http.StatusOK)
}

func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (h *Handler) sendError(w http.ResponseWriter, message string, statusCode int, code string) {
	h.sendJSON(w, ErrorResponse{Error: message, Code: code}, statusCode)
	h.logger.Debug("Conversion error response",
		slog.String("message", message),
		slog.String("code", code),
		slog.Int("status", statusCode))
}
