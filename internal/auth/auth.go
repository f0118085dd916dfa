// Package auth derives the caller's identity from an HS256 bearer token and
// carries it through the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"payledger/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Principal struct {
	AccountID string
	Admin     bool
}

type Claims struct {
	Admin bool `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequireAdmin fails with domain.ErrForbidden unless p is an administrator.
func RequireAdmin(p Principal) error {
	if !p.Admin {
		return fmt.Errorf("%w: account %s is not an administrator", domain.ErrForbidden, p.AccountID)
	}
	return nil
}

// RequireAccount allows the owner of accountID and administrators.
func RequireAccount(p Principal, accountID string) error {
	if p.Admin || p.AccountID == accountID {
		return nil
	}
	return fmt.Errorf("%w: account %s cannot act for %s", domain.ErrForbidden, p.AccountID, accountID)
}

// RequireParty allows only accountID itself, not administrators.
func RequireParty(p Principal, accountID string) error {
	if p.AccountID == accountID {
		return nil
	}
	return fmt.Errorf("%w: account %s cannot act for %s", domain.ErrForbidden, p.AccountID, accountID)
}

type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewAuthenticator(secret string, ttl time.Duration, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now, logger: logger}, nil
}

// IssueToken mints a bearer token whose subject is the account id.
func (a *Authenticator) IssueToken(accountID string, admin bool) (string, error) {
	now := a.now()
	claims := Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a token string and returns the principal it names.
func (a *Authenticator) Parse(tokenStr string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return Principal{AccountID: claims.Subject, Admin: claims.Admin}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeUnauthorized(w, "invalid authorization header")
			return
		}

		p, err := a.Parse(parts[1])
		if err != nil {
			a.logger.DebugContext(r.Context(), "Rejected bearer token", slog.String("error", err.Error()))
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  "UNAUTHORIZED",
	})
}
