package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"payledger/internal/domain"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Signer seals ledger records with HMAC-SHA256 so that tampering with a stored
// transfer is detectable.
type Signer struct {
	secretKey []byte
	logger    *slog.Logger
}

func NewSigner(secretKey string, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		secretKey: []byte(secretKey),
		logger:    logger,
	}
}

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(data)
	signature := mac.Sum(nil)
	return hex.EncodeToString(signature)
}

func (s *Signer) Verify(data []byte, signature string) (bool, error) {
	expectedSignature := s.Sign(data)

	if !hmac.Equal([]byte(expectedSignature), []byte(signature)) {
		s.logger.Warn("Signature verification failed",
			slog.String("received", signature))
		return false, ErrInvalidSignature
	}

	return true, nil
}

// transferPayload fixes amounts at two decimals so a record reloaded from
// NUMERIC(10,2) signs identically.
func transferPayload(t *domain.Transfer) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s:%s:%s:%d",
		t.ID, t.SenderID, t.ReceiverID,
		t.Amount.StringFixed(domain.Scale), t.Currency,
		t.CreditedAmount.StringFixed(domain.Scale), t.CreditedCurrency,
		t.Type, t.RequestID, t.CreatedAt.Unix()))
}

func (s *Signer) SignTransfer(t *domain.Transfer) string {
	return s.Sign(transferPayload(t))
}

func (s *Signer) VerifyTransfer(t *domain.Transfer) (bool, error) {
	if t.Signature == "" {
		return false, fmt.Errorf("%w: transfer %s is unsigned", ErrInvalidSignature, t.ID)
	}
	return s.Verify(transferPayload(t), t.Signature)
}
