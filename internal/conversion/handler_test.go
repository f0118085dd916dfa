package conversion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payledger/internal/currency"
	"payledger/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter() http.Handler {
	r := chi.NewRouter()
	NewHandler(currency.NewStaticConverter(currency.DefaultRates()), nil).RegisterRoutes(r)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestConvertHandler_Success(t *testing.T) {
	h := newRouter()

	tests := []struct {
		path string
		want string
	}{
		{"/conversion/GBP/USD/100", "133.00"},
		{"/conversion/usd/eur/4.20", "3.57"},
		{"/conversion/EUR/GBP/0", "0.00"},
		{"/conversion/GBP/gbp/12.345", "12.345"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp Response
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.want, resp.ConvertedAmount)
		})
	}
}

func TestConvertHandler_Errors(t *testing.T) {
	h := newRouter()

	tests := []struct {
		path string
		code string
	}{
		{"/conversion/GBP/USD/-1", "INVALID_AMOUNT"},
		{"/conversion/GBP/USD/abc", "INVALID_AMOUNT"},
		{"/conversion/GBP/JPY/1", "UNSUPPORTED_CURRENCY"},
		{"/conversion/POUND/USD/1", "UNSUPPORTED_CURRENCY"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestCurrenciesHandler(t *testing.T) {
	rec := get(t, newRouter(), "/conversion/currencies")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Currencies []domain.Currency `json:"currencies"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []domain.Currency{domain.EUR, domain.GBP, domain.USD}, resp.Currencies)
}

// The remote client and the service agree on the wire format.
func TestRemoteConverterAgainstHandler(t *testing.T) {
	srv := httptest.NewServer(newRouter())
	defer srv.Close()

	remote := currency.NewRemoteConverter(currency.RemoteConfig{BaseURL: srv.URL, Timeout: time.Second}, srv.Client(), nil)

	got, err := remote.Convert(context.Background(), domain.GBP, domain.USD, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("133.00")), "got %s", got)

	_, err = remote.Convert(context.Background(), domain.GBP, "JPY", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, domain.ErrUnsupportedCurrency)
}
