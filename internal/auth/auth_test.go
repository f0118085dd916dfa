package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payledger/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator("test-secret", time.Hour, nil)
	require.NoError(t, err)
	return a
}

func TestIssueAndParse(t *testing.T) {
	a := newAuth(t)

	token, err := a.IssueToken("acc-1", true)
	require.NoError(t, err)

	p, err := a.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, Principal{AccountID: "acc-1", Admin: true}, p)
}

func TestParse_Rejects(t *testing.T) {
	a := newAuth(t)

	other, err := NewAuthenticator("other-secret", time.Hour, nil)
	require.NoError(t, err)
	foreign, err := other.IssueToken("acc-1", false)
	require.NoError(t, err)

	expired := newAuth(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.IssueToken("acc-1", false)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "acc-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"adm": true}).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":    "not-a-token",
		"wrong key":  foreign,
		"expired":    old,
		"alg none":   none,
		"no subject": noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Parse(token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewAuthenticator("", time.Hour, nil)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	a := newAuth(t)
	token, err := a.IssueToken("acc-9", false)
	require.NoError(t, err)

	var seen Principal
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"lowercase scheme", "bearer " + token, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "acc-9", seen.AccountID)
}

func TestCapabilities(t *testing.T) {
	user := Principal{AccountID: "u"}
	admin := Principal{AccountID: "a", Admin: true}

	assert.ErrorIs(t, RequireAdmin(user), domain.ErrForbidden)
	assert.NoError(t, RequireAdmin(admin))

	assert.NoError(t, RequireAccount(user, "u"))
	assert.ErrorIs(t, RequireAccount(user, "x"), domain.ErrForbidden)
	assert.NoError(t, RequireAccount(admin, "x"))

	assert.NoError(t, RequireParty(user, "u"))
	assert.ErrorIs(t, RequireParty(admin, "x"), domain.ErrForbidden)
}
