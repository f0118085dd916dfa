package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payledger/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const maxResponseBytes = 64 << 10

type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
	// Currencies the remote side is expected to support; used for account opening.
	Currencies []domain.Currency
	// ConsecutiveFailures opens the breaker; zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open; zero means 30s.
	OpenTimeout time.Duration
}

// RemoteConverter delegates conversion to the conversion REST service. Every
// failure that is not an explicit unsupported-currency reply surfaces as
// domain.ErrConversionUnavailable.
type RemoteConverter struct {
	baseURL    string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	currencies []domain.Currency
	logger     *slog.Logger
}

func NewRemoteConverter(cfg RemoteConfig, client *http.Client, logger *slog.Logger) *RemoteConverter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	// Copied so the caller's client, possibly http.DefaultClient, keeps its timeout.
	var hc http.Client
	if client != nil {
		hc = *client
	}
	hc.Timeout = cfg.Timeout

	rc := &RemoteConverter{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     &hc,
		currencies: cfg.Currencies,
		logger:     logger,
	}

	threshold := cfg.ConsecutiveFailures
	rc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "currency-conversion",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrUnsupportedCurrency)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return rc
}

type conversionResponse struct {
	ConvertedAmount *decimal.Decimal `json:"converted_amount"`
}

type conversionError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *RemoteConverter) Convert(ctx context.Context, from, to domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if sameCurrency(from, to) {
		return amount, nil
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, from, to, amount)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrConversionUnavailable, err)
		}
		return decimal.Zero, err
	}

	return res.(decimal.Decimal), nil
}

func (c *RemoteConverter) fetch(ctx context.Context, from, to domain.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/conversion/%s/%s/%s",
		c.baseURL,
		url.PathEscape(strings.ToUpper(string(from))),
		url.PathEscape(strings.ToUpper(string(to))),
		url.PathEscape(amount.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: build request: %v", domain.ErrConversionUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "Conversion service unreachable",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		return decimal.Zero, fmt.Errorf("%w: service unreachable", domain.ErrConversionUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: read response", domain.ErrConversionUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out conversionResponse
		if err := json.Unmarshal(body, &out); err != nil || out.ConvertedAmount == nil {
			return decimal.Zero, fmt.Errorf("%w: malformed response", domain.ErrConversionUnavailable)
		}
		if out.ConvertedAmount.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: negative converted amount", domain.ErrConversionUnavailable)
		}
		return domain.Round(*out.ConvertedAmount), nil

	case resp.StatusCode == http.StatusBadRequest:
		var e conversionError
		if json.Unmarshal(body, &e) == nil && e.Code == domain.Code(domain.ErrUnsupportedCurrency) {
			return decimal.Zero, fmt.Errorf("%w: %s->%s", domain.ErrUnsupportedCurrency, from, to)
		}
		return decimal.Zero, fmt.Errorf("%w: rejected with status %d", domain.ErrConversionUnavailable, resp.StatusCode)

	default:
		return decimal.Zero, fmt.Errorf("%w: status %d", domain.ErrConversionUnavailable, resp.StatusCode)
	}
}

func (c *RemoteConverter) Currencies() []domain.Currency {
	return c.currencies
}

func (c *RemoteConverter) BreakerState() string {
	return c.breaker.State().String()
}
